// Package hooks fires lifecycle callbacks around the run loop. Hooks are
// shell commands configured by the user; the engine only owns their
// scheduling contract: synchronous hooks gate loop progress, asynchronous
// ones are tracked and awaited before the session may reach a terminal
// state, so nothing is silently dropped on a fast exit.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentloop/internal/execx"
)

// Event names the lifecycle points hooks can attach to.
type Event string

const (
	PreLoop  Event = "pre-loop"
	PreTask  Event = "pre-task"
	PostTask Event = "post-task"
	OnError  Event = "on-error"
	PostLoop Event = "post-loop"
)

// hardCeiling is the maximum time any hook may run, regardless of config.
const hardCeiling = 5 * time.Minute

// Hook is one configured callback command.
type Hook struct {
	Command string `json:"command"`
	// Async applies only to post-task and on-error hooks; the other events
	// always run synchronously.
	Async bool `json:"async,omitempty"`
}

// TimeoutError reports a hook that hit the ceiling. Logged, never fatal
// unless fail_fast is configured.
type TimeoutError struct {
	Event   Event
	Command string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s hook %q timed out", e.Event, e.Command)
}

// Config wires hook commands to events.
type Config struct {
	Hooks    map[Event][]Hook
	Timeout  time.Duration // per-hook; clamped to the 5-minute ceiling
	FailFast bool          // a hook failure/timeout aborts the session
}

// Dispatcher runs hooks with a shared subprocess primitive and tracks
// in-flight async hooks.
type Dispatcher struct {
	cfg    Config
	pm     *execx.ProcessManager
	logger *slog.Logger
	g      *errgroup.Group
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config, pm *execx.ProcessManager, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 || cfg.Timeout > hardCeiling {
		cfg.Timeout = hardCeiling
	}
	return &Dispatcher{cfg: cfg, pm: pm, logger: logger, g: &errgroup.Group{}}
}

// Fire runs the hooks for an event. Synchronous hooks complete (or time
// out) before Fire returns; async-capable events dispatch tracked
// goroutines instead. The env map is exported to the hook process as
// AGENTLOOP_* variables.
func (d *Dispatcher) Fire(ctx context.Context, ev Event, env map[string]string) error {
	for _, h := range d.cfg.Hooks[ev] {
		if h.Async && (ev == PostTask || ev == OnError) {
			hook := h
			d.g.Go(func() error {
				// Detached from the loop context on purpose: an async hook
				// outlives the iteration that fired it and is reaped by Wait.
				return d.runOne(context.Background(), ev, hook, env)
			})
			continue
		}
		if err := d.runOne(ctx, ev, h, env); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until every dispatched async hook has finished. Must be
// called before the session reaches its terminal state.
func (d *Dispatcher) Wait() error {
	return d.g.Wait()
}

func (d *Dispatcher) runOne(ctx context.Context, ev Event, h Hook, env map[string]string) error {
	procEnv := os.Environ()
	for k, v := range env {
		procEnv = append(procEnv, fmt.Sprintf("AGENTLOOP_%s=%s", k, v))
	}

	res, err := execx.Run(ctx, d.pm, execx.Spec{
		Name:    "sh",
		Args:    []string{"-c", h.Command},
		Env:     procEnv,
		Timeout: d.cfg.Timeout,
	})
	if err != nil {
		// Session shutdown; the hook was killed with the rest.
		return err
	}

	if res.TimedOut {
		terr := &TimeoutError{Event: ev, Command: h.Command}
		if d.cfg.FailFast {
			return terr
		}
		d.logger.Warn("hook timed out", "event", string(ev), "command", h.Command)
		return nil
	}

	if res.ExitCode != 0 {
		if d.cfg.FailFast {
			return fmt.Errorf("%s hook %q exited %d: %s", ev, h.Command, res.ExitCode, res.Stderr)
		}
		d.logger.Warn("hook failed",
			"event", string(ev), "command", h.Command, "exit_code", res.ExitCode)
	}
	return nil
}
