// Package harness wraps the external AI coding agent CLIs behind one
// protocol: compose prompts elsewhere, invoke here, classify elsewhere. The
// engine never cares which vendor CLI did the work.
package harness

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aristath/agentloop/internal/execx"
)

// Options tune a single invocation.
type Options struct {
	WorkDir string
	Model   string        // override of the configured model, usually empty
	Timeout time.Duration // 0 disables the per-attempt deadline
	Stream  io.Writer     // when set, raw stdout is streamed live as well
}

// Result is what a finished harness invocation reports. TokensUsed is 0 when
// the CLI does not report usage; budget enforcement then degrades to
// iteration caps.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	TokensUsed int64
	TimedOut   bool
}

// Harness is the protocol every agent CLI adapter implements. Invoke must
// honor context cancellation by terminating the subprocess tree.
type Harness interface {
	Name() string
	Invoke(ctx context.Context, systemPrompt, taskPrompt string, opts Options) (Result, error)
}

// Config selects and parameterizes a concrete adapter. The variant is chosen
// once at startup from configuration, not per call.
type Config struct {
	Type    string   // "claude" or "codex"
	Command string   // CLI binary, defaults to the type name
	Model   string   `json:"model,omitempty"`
	Args    []string // extra args appended to every invocation
}

// New builds the adapter for cfg.Type.
func New(cfg Config, pm *execx.ProcessManager) (Harness, error) {
	switch cfg.Type {
	case "claude":
		return NewClaude(cfg, pm), nil
	case "codex":
		return NewCodex(cfg, pm), nil
	default:
		return nil, fmt.Errorf("unknown harness type %q", cfg.Type)
	}
}

// InvocationError means the harness process could not be run at all (missing
// binary, pipe failure). It is routed to the failure handler as a failed
// attempt, not treated as fatal.
type InvocationError struct {
	Harness string
	Err     error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("harness %q invocation failed: %v", e.Harness, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// TimeoutError means the attempt hit its configured deadline and the process
// group was killed. Kept distinct from a plain failure for diagnostics.
type TimeoutError struct {
	Harness string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("harness %q timed out after %s", e.Harness, e.Timeout)
}
