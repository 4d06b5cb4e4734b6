// Package supervisor drives a single task attempt: snapshot repo state,
// invoke the harness under a deadline, snapshot again, classify. It is the
// one component allowed to block for minutes, and it must die cleanly when
// the session is cancelled.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/agentloop/internal/harness"
	"github.com/aristath/agentloop/internal/task"
)

// errorTextLimit caps the stderr tail kept on an attempt record.
const errorTextLimit = 2000

// Config tunes attempt supervision.
type Config struct {
	RepoPath   string        // project repo for SHA snapshots; empty disables them
	Timeout    time.Duration // per-attempt deadline; 0 disables
	CleanCheck bool          // require a clean worktree for success
}

// Supervisor runs attempts against one harness.
type Supervisor struct {
	h        harness.Harness
	cfg      Config
	breakers *BreakerRegistry
	logger   *slog.Logger
}

// New creates a supervisor.
func New(h harness.Harness, cfg Config, breakers *BreakerRegistry, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if breakers == nil {
		breakers = NewBreakerRegistry(logger)
	}
	return &Supervisor{h: h, cfg: cfg, breakers: breakers, logger: logger}
}

// Run executes one attempt for the task. The returned error is non-nil only
// when the session context is cancelled; every other failure mode is a
// classified attempt routed to the failure handler.
func (s *Supervisor) Run(ctx context.Context, t *task.Task, systemPrompt, taskPrompt string) (task.Attempt, error) {
	att := task.Attempt{
		TaskID:    t.ID,
		StartedAt: time.Now(),
	}

	shaBefore, err := headSHA(ctx, s.cfg.RepoPath)
	if err != nil {
		s.logger.Warn("skipping git snapshot", "task", t.ID, "error", err)
	}
	att.GitSHABefore = shaBefore

	cb := s.breakers.Get(s.h.Name())
	result, invokeErr := cb.Execute(func() (interface{}, error) {
		return s.h.Invoke(ctx, systemPrompt, taskPrompt, harness.Options{
			WorkDir: s.cfg.RepoPath,
			Timeout: s.cfg.Timeout,
		})
	})

	att.Duration = time.Since(att.StartedAt)

	if invokeErr != nil {
		if ctx.Err() != nil {
			return att, ctx.Err()
		}
		att.ExitCode = -1
		att.Outcome = task.OutcomeFailure
		switch {
		case errors.Is(invokeErr, gobreaker.ErrOpenState), errors.Is(invokeErr, gobreaker.ErrTooManyRequests):
			att.ErrorText = "harness circuit breaker open: " + invokeErr.Error()
		default:
			att.ErrorText = truncate(invokeErr.Error())
		}
		return att, nil
	}

	res := result.(harness.Result)
	att.ExitCode = res.ExitCode
	att.TokensUsed = res.TokensUsed

	shaAfter, err := headSHA(ctx, s.cfg.RepoPath)
	if err != nil {
		s.logger.Warn("skipping git snapshot", "task", t.ID, "error", err)
	}
	att.GitSHAAfter = shaAfter

	s.classify(ctx, &att, res)
	return att, nil
}

// classify decides the attempt outcome from the harness result plus the
// optional clean-state check.
func (s *Supervisor) classify(ctx context.Context, att *task.Attempt, res harness.Result) {
	if res.TimedOut {
		att.Outcome = task.OutcomeTimeout
		att.ErrorText = (&harness.TimeoutError{Harness: s.h.Name(), Timeout: s.cfg.Timeout}).Error()
		return
	}
	if res.ExitCode != 0 {
		att.Outcome = task.OutcomeFailure
		att.ErrorText = truncate(stderrOrStdout(res))
		return
	}
	if s.cfg.CleanCheck && s.cfg.RepoPath != "" {
		clean, err := worktreeClean(ctx, s.cfg.RepoPath)
		if err != nil {
			att.Outcome = task.OutcomeFailure
			att.ErrorText = truncate("clean-state check errored: " + err.Error())
			return
		}
		if !clean {
			att.Outcome = task.OutcomeFailure
			att.ErrorText = "clean-state check failed: uncommitted changes left in the worktree"
			return
		}
	}
	att.Outcome = task.OutcomeSuccess
}

func stderrOrStdout(res harness.Result) string {
	if strings.TrimSpace(res.Stderr) != "" {
		return res.Stderr
	}
	return res.Stdout
}

// truncate keeps the tail of long output: the end of a transcript is where
// the actual error usually is.
func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= errorTextLimit {
		return s
	}
	return "..." + s[len(s)-errorTextLimit:]
}
