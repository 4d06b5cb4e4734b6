package harness

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/aristath/agentloop/internal/execx"
)

// Claude drives the Claude Code CLI in non-interactive print mode. Each
// invocation is a fresh subprocess; the session id ties consecutive attempts
// on the same loop run together so the CLI can resume context.
type Claude struct {
	command   string
	model     string
	extraArgs []string
	sessionID string
	started   bool
	pm        *execx.ProcessManager
}

// claudeResult is the JSON envelope the CLI prints with --output-format json.
type claudeResult struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Usage     struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// NewClaude creates a Claude adapter from config.
func NewClaude(cfg Config, pm *execx.ProcessManager) *Claude {
	command := cfg.Command
	if command == "" {
		command = "claude"
	}
	return &Claude{
		command:   command,
		model:     cfg.Model,
		extraArgs: cfg.Args,
		sessionID: uuid.NewString(),
		pm:        pm,
	}
}

// Name implements Harness.
func (c *Claude) Name() string { return "claude" }

// Invoke implements Harness. The first call passes --session-id, later calls
// --resume, so retry attempts carry prior context.
func (c *Claude) Invoke(ctx context.Context, systemPrompt, taskPrompt string, opts Options) (Result, error) {
	args := c.buildArgs(systemPrompt, taskPrompt, opts)

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

	// Token usage lives in the JSON envelope. Unparseable output is not an
	// invocation failure; the exit code still governs the outcome and
	// tokens stay at 0.
	var parsed claudeResult
	if jsonErr := json.Unmarshal(res.Stdout, &parsed); jsonErr == nil {
		out.TokensUsed = parsed.Usage.InputTokens + parsed.Usage.OutputTokens
		if parsed.SessionID != "" {
			c.sessionID = parsed.SessionID
		}
	}

	c.started = true
	return out, nil
}

func (c *Claude) buildArgs(systemPrompt, taskPrompt string, opts Options) []string {
	args := append([]string(nil), c.extraArgs...)
	args = append(args, "-p", taskPrompt, "--output-format", "json")

	if c.started {
		args = append(args, "--resume", c.sessionID)
	} else {
		args = append(args, "--session-id", c.sessionID)
	}

	model := opts.Model
	if model == "" {
		model = c.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if systemPrompt != "" {
		args = append(args, "--append-system-prompt", systemPrompt)
	}
	return args
}
