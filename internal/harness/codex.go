package harness

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"

	"github.com/aristath/agentloop/internal/execx"
)

// Codex drives the Codex CLI. It emits a newline-delimited JSON event
// stream; the thread id from the first run is kept so later attempts resume
// the same thread. Codex reports token usage in TokenCount events; absent
// those, usage stays at 0.
type Codex struct {
	command   string
	model     string
	extraArgs []string
	threadID  string
	pm        *execx.ProcessManager
}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Tokens   int64  `json:"total_tokens,omitempty"`
}

// NewCodex creates a Codex adapter from config.
func NewCodex(cfg Config, pm *execx.ProcessManager) *Codex {
	command := cfg.Command
	if command == "" {
		command = "codex"
	}
	return &Codex{
		command:   command,
		model:     cfg.Model,
		extraArgs: cfg.Args,
		pm:        pm,
	}
}

// Name implements Harness.
func (c *Codex) Name() string { return "codex" }

// Invoke implements Harness.
func (c *Codex) Invoke(ctx context.Context, systemPrompt, taskPrompt string, opts Options) (Result, error) {
	// Codex has no system-prompt flag; fold it into the prompt body.
	prompt := taskPrompt
	if systemPrompt != "" {
		prompt = systemPrompt + "\n\n" + taskPrompt
	}

	var args []string
	if c.threadID == "" {
		args = []string{"exec", prompt, "--json"}
	} else {
		args = []string{"resume", c.threadID, prompt, "--json"}
	}
	model := opts.Model
	if model == "" {
		model = c.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, c.extraArgs...)

	res, err := execx.Run(ctx, c.pm, execx.Spec{
		Name:    c.command,
		Args:    args,
		Dir:     opts.WorkDir,
		Timeout: opts.Timeout,
		Stream:  opts.Stream,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{ExitCode: -1}, ctx.Err()
		}
		return Result{ExitCode: -1}, &InvocationError{Harness: c.Name(), Err: err}
	}

	out := Result{
		ExitCode: res.ExitCode,
		Stdout:   string(res.Stdout),
		Stderr:   string(res.Stderr),
		TimedOut: res.TimedOut,
	}
	if res.TimedOut {
		return out, nil
	}

	threadID, tokens := scanCodexEvents(res.Stdout)
	if threadID != "" {
		c.threadID = threadID
	}
	out.TokensUsed = tokens
	return out, nil
}

// scanCodexEvents walks the JSONL event stream for the thread id and the
// final token count. Malformed lines are skipped; the exit code already
// tells us whether the run worked.
func scanCodexEvents(data []byte) (threadID string, tokens int64) {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt codexEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "ThreadStarted":
			threadID = evt.ThreadID
		case "TokenCount":
			tokens = evt.Tokens
		}
	}
	return threadID, tokens
}
