// Package loop is the engine: schedule a ready task, execute it through
// the supervisor, evaluate the attempt, sync state, repeat until the
// backlog is drained or a guardrail says stop.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/agentloop/internal/events"
	"github.com/aristath/agentloop/internal/failure"
	"github.com/aristath/agentloop/internal/graph"
	"github.com/aristath/agentloop/internal/guardrail"
	"github.com/aristath/agentloop/internal/hooks"
	"github.com/aristath/agentloop/internal/scheduler"
	"github.com/aristath/agentloop/internal/statesync"
	"github.com/aristath/agentloop/internal/store"
	"github.com/aristath/agentloop/internal/supervisor"
	"github.com/aristath/agentloop/internal/task"
)

// Terminal session states.
const (
	StateCompleted         = "completed"
	StateBudgetExceeded    = "budget_exceeded"
	StateIterationExceeded = "iteration_exceeded"
	StateStoppedOnFailure  = "stopped_on_failure"
	StateCancelled         = "cancelled"
	StateAborted           = "aborted"
)

// Deps are the collaborators a Loop composes. Sync may be nil when state
// replication is disabled.
type Deps struct {
	Store      store.Store
	Supervisor *supervisor.Supervisor
	Failures   *failure.Handler
	Meter      *guardrail.Meter
	Hooks      *hooks.Dispatcher
	Sync       *statesync.Syncer
	Bus        *events.Bus
	Logger     *slog.Logger

	HarnessName       string
	StaleClaimTimeout time.Duration
	PullOnStart       bool
}

// Options tune one session.
type Options struct {
	SessionID    string // generated when empty
	Filters      graph.Filters
	Once         bool // run a single task, then exit
	SystemPrompt string
}

// NewSessionID generates a sortable session identifier.
func NewSessionID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// Result is the terminal record of a session.
type Result struct {
	SessionID  string
	State      string
	Reason     string
	TokensUsed int64
	Iterations int
	Counts     store.Counts
}

// Loop runs sessions.
type Loop struct {
	deps Deps

	// warn-once latches, reset per session
	warnedBudget     bool
	warnedIterations bool
}

// New creates a Loop. Logger and Bus fall back to usable defaults.
func New(deps Deps) *Loop {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	return &Loop{deps: deps}
}

// RunSession executes one session to a terminal state. The returned error
// covers engine malfunctions only; guardrail terminations, failures, and
// cancellation are reported through Result.State.
func (l *Loop) RunSession(ctx context.Context, opts Options) (Result, error) {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	log := l.deps.Logger.With("session", sessionID)
	res := Result{SessionID: sessionID}
	l.warnedBudget = false
	l.warnedIterations = false

	machine, err := newPhaseMachine()
	if err != nil {
		return res, err
	}

	startedAt := time.Now()
	saveSession := func(state string) {
		rec := store.SessionRecord{
			ID:             sessionID,
			Harness:        l.deps.HarnessName,
			StartedAt:      startedAt,
			BudgetLimit:    l.deps.Meter.Limits().BudgetTokens,
			TokensUsed:     l.deps.Meter.TokensUsed(),
			IterationsUsed: l.deps.Meter.IterationsUsed(),
			IterationLimit: l.deps.Meter.Limits().MaxIterations,
			State:          state,
		}
		// Deliberately not the session context: the final record must land
		// even when the session was cancelled.
		if err := l.deps.Store.SaveSession(context.Background(), rec); err != nil {
			log.Warn("saving session record failed", "err", err)
		}
	}

	// finish funnels every exit through the same drain: await async hooks,
	// run post-loop hooks, emit the terminal event, persist accounting.
	finish := func(state, reason string) (Result, error) {
		res.State = state
		res.Reason = reason
		res.TokensUsed = l.deps.Meter.TokensUsed()
		res.Iterations = l.deps.Meter.IterationsUsed()

		if err := l.deps.Hooks.Wait(); err != nil {
			log.Warn("async hook failed", "err", err)
		}
		hookCtx := ctx
		if hookCtx.Err() != nil {
			var cancel context.CancelFunc
			hookCtx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
		}
		if err := l.deps.Hooks.Fire(hookCtx, hooks.PostLoop, map[string]string{
			"SESSION": sessionID,
			"STATE":   state,
		}); err != nil {
			log.Warn("post-loop hook failed", "err", err)
		}

		l.deps.Bus.Publish(events.SessionEnd(sessionID, state, reason, res.TokensUsed, res.Iterations))
		saveSession(state)
		if counts, err := l.deps.Store.Counts(context.Background()); err == nil {
			res.Counts = counts
		}
		return res, nil
	}
	abort := func(reason string) (Result, error) {
		_ = machine.fire(evAbort)
		return finish(StateAborted, reason)
	}

	if ctx.Err() != nil {
		return finish(StateCancelled, "session context cancelled")
	}

	if err := l.deps.Hooks.Fire(ctx, hooks.PreLoop, map[string]string{"SESSION": sessionID}); err != nil {
		if ctx.Err() != nil {
			return finish(StateCancelled, "cancelled during pre-loop hooks")
		}
		return abort("pre-loop hook failed: " + err.Error())
	}

	if err := l.deps.Store.ResetIterations(ctx); err != nil {
		return abort("resetting iteration counters: " + err.Error())
	}
	if l.deps.StaleClaimTimeout > 0 {
		n, err := l.deps.Store.ReclaimStale(ctx, l.deps.StaleClaimTimeout)
		if err != nil {
			return abort("reclaiming stale claims: " + err.Error())
		}
		if n > 0 {
			log.Info("reclaimed stale claims", "count", n)
		}
	}
	if l.deps.Sync != nil && l.deps.PullOnStart {
		resolved, err := l.deps.Sync.Pull(ctx)
		if err != nil {
			log.Warn("state pull failed, continuing with local state", "err", err)
		} else {
			l.applyResolved(ctx, log, resolved)
		}
	}

	if err := machine.fire(evBegin); err != nil {
		return res, err
	}

	reportedRefs := make(map[string]bool)

	for {
		if ctx.Err() != nil {
			return finish(StateCancelled, "session context cancelled")
		}

		// Scheduling: fresh snapshot every pass, the store is the truth.
		tasks, err := l.deps.Store.ListTasks(ctx)
		if err != nil {
			return abort("listing tasks: " + err.Error())
		}
		g, err := graph.Build(tasks)
		if err != nil {
			return abort("building dependency graph: " + err.Error())
		}
		for _, refErr := range g.ReferenceErrors() {
			if !reportedRefs[refErr.TaskID] {
				reportedRefs[refErr.TaskID] = true
				log.Warn("task has missing dependencies, excluded from scheduling",
					"task", refErr.TaskID, "missing", refErr.Missing)
			}
		}
		if cycles := g.DetectCycles(); len(cycles) > 0 {
			return abort("dependency cycle: " + formatCycles(cycles))
		}

		t, ok := scheduler.Next(g, opts.Filters)
		if !ok {
			done, err := l.deps.Store.AllComplete(ctx)
			if err != nil {
				return abort("checking completion: " + err.Error())
			}
			if done {
				_ = machine.fire(evFinish)
				return finish(StateCompleted, "backlog drained")
			}
			counts, _ := l.deps.Store.Counts(ctx)
			return abort(fmt.Sprintf("deadlock: %d tasks remain but none are ready", counts.Open+counts.InProgress))
		}

		if err := l.deps.Store.Claim(ctx, t.ID, sessionID); err != nil {
			if errors.Is(err, store.ErrAlreadyClaimed) {
				log.Info("task claimed elsewhere, rescheduling", "task", t.ID)
				continue
			}
			return abort("claiming task: " + err.Error())
		}
		if err := machine.fire(evDispatch); err != nil {
			return res, err
		}

		state, reason, err := l.runTask(ctx, machine, log, sessionID, t, opts)
		if err != nil {
			return res, err
		}
		if state != "" {
			return finish(state, reason)
		}

		if opts.Once {
			_ = machine.fire(evFinish)
			return finish(StateCompleted, "single-task mode")
		}
		saveSession("running")
		if err := machine.fire(evContinue); err != nil {
			return res, err
		}
	}
}

// runTask drives one claimed task through execution, evaluation, and sync.
// A non-empty returned state terminates the session.
func (l *Loop) runTask(ctx context.Context, machine *phaseMachine, log *slog.Logger, sessionID string, t *task.Task, opts Options) (state, reason string, err error) {
	taskEnv := map[string]string{
		"SESSION":    sessionID,
		"TASK_ID":    t.ID,
		"TASK_TITLE": t.Title,
	}
	if err := l.deps.Hooks.Fire(ctx, hooks.PreTask, taskEnv); err != nil {
		if ctx.Err() != nil {
			return StateCancelled, "cancelled during pre-task hooks", nil
		}
		return StateAborted, "pre-task hook failed: " + err.Error(), nil
	}

	l.deps.Bus.Publish(events.TaskStart(t))
	prompt := composePrompt(t)

	var deltas []statesync.Delta
	var terminal, terminalReason string

	for {
		att, runErr := l.deps.Supervisor.Run(ctx, t, opts.SystemPrompt, prompt)
		l.deps.Meter.RecordIteration()
		if recErr := l.deps.Store.RecordAttempt(ctx, att); recErr != nil {
			log.Warn("recording attempt failed", "task", t.ID, "err", recErr)
		}
		if runErr != nil {
			// Only context cancellation surfaces here; the claim stays and
			// is reclaimed as stale by the next session.
			return StateCancelled, "cancelled mid-attempt", nil
		}
		l.deps.Meter.RecordUsage(att.TokensUsed)
		iters, iterErr := l.deps.Store.IncrementIteration(ctx, t.ID)
		if iterErr != nil {
			log.Warn("incrementing task iterations failed", "task", t.ID, "err", iterErr)
		}
		l.deps.Bus.Publish(events.TaskEnd(att))

		if att.Outcome == task.OutcomeSuccess {
			if err := l.deps.Store.UpdateStatus(ctx, t.ID, task.StatusClosed); err != nil {
				return "", "", fmt.Errorf("closing task %s: %w", t.ID, err)
			}
			log.Info("task closed", "task", t.ID, "attempts", iters, "tokens", att.TokensUsed)
			deltas = taskDeltas(t.ID, task.StatusClosed, sessionID, iters)
			break
		}

		log.Warn("attempt failed",
			"task", t.ID, "outcome", string(att.Outcome), "exit_code", att.ExitCode, "err", att.ErrorText)
		if err := l.deps.Hooks.Fire(ctx, hooks.OnError, merge(taskEnv, map[string]string{
			"OUTCOME": string(att.Outcome),
			"ERROR":   att.ErrorText,
		})); err != nil {
			if ctx.Err() != nil {
				return StateCancelled, "cancelled during on-error hooks", nil
			}
			return StateAborted, "on-error hook failed: " + err.Error(), nil
		}

		if l.deps.Meter.TaskExhausted(iters) {
			if err := l.failTask(ctx, log, t.ID, "attempt cap reached"); err != nil {
				return "", "", err
			}
			deltas = taskDeltas(t.ID, task.StatusFailed, sessionID, iters)
			break
		}
		// A budget already blown makes another attempt pointless; mark the
		// task failed and let the post-sync check terminate the session.
		if l.deps.Meter.CheckBudget() == guardrail.VerdictExceeded ||
			l.deps.Meter.CheckIterations() == guardrail.VerdictExceeded {
			if err := l.failTask(ctx, log, t.ID, "guardrail tripped mid-task"); err != nil {
				return "", "", err
			}
			deltas = taskDeltas(t.ID, task.StatusFailed, sessionID, iters)
			break
		}

		switch l.deps.Failures.OnFailure(t.ID) {
		case failure.DecisionRetry:
			delay := l.deps.Failures.NextDelay(t.ID)
			log.Info("retrying task", "task", t.ID, "attempt", iters+1, "delay", delay.Round(time.Millisecond))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return StateCancelled, "cancelled while waiting to retry", nil
			}
			prompt = composePrompt(t) + failure.RetryContext(att)
			continue
		case failure.DecisionStop:
			if err := l.failTask(ctx, log, t.ID, "failure mode is stop"); err != nil {
				return "", "", err
			}
			deltas = taskDeltas(t.ID, task.StatusFailed, sessionID, iters)
			terminal = StateStoppedOnFailure
			terminalReason = fmt.Sprintf("task %s failed: %s", t.ID, firstLine(att.ErrorText))
		default: // move on
			if err := l.failTask(ctx, log, t.ID, firstLine(att.ErrorText)); err != nil {
				return "", "", err
			}
			deltas = taskDeltas(t.ID, task.StatusFailed, sessionID, iters)
		}
		break
	}

	if err := machine.fire(evEvaluate); err != nil {
		return "", "", err
	}
	if err := machine.fire(evSync); err != nil {
		return "", "", err
	}

	// Sync before any termination decision so the terminal state is never
	// reached with unpublished deltas.
	if l.deps.Sync != nil {
		if err := l.deps.Sync.Commit(ctx, deltas); err != nil {
			log.Warn("state commit failed", "err", err)
		} else if err := l.deps.Sync.Push(ctx); err != nil {
			log.Warn("state push failed, will retry next sync", "err", err)
		}
	}

	if err := l.deps.Hooks.Fire(ctx, hooks.PostTask, taskEnv); err != nil {
		if ctx.Err() != nil {
			return StateCancelled, "cancelled during post-task hooks", nil
		}
		return StateAborted, "post-task hook failed: " + err.Error(), nil
	}

	if terminal != "" {
		_ = machine.fire(evAbort)
		return terminal, terminalReason, nil
	}
	return l.checkGuardrails(log)
}

// checkGuardrails runs the between-iterations limit checks. Warnings are
// emitted once per session per limit.
func (l *Loop) checkGuardrails(log *slog.Logger) (state, reason string, err error) {
	m := l.deps.Meter
	switch m.CheckBudget() {
	case guardrail.VerdictExceeded:
		return StateBudgetExceeded, fmt.Sprintf("token budget exhausted: %d of %d used",
			m.TokensUsed(), m.Limits().BudgetTokens), nil
	case guardrail.VerdictWarn:
		if !l.warnedBudget {
			l.warnedBudget = true
			log.Warn("approaching token budget", "used", m.TokensUsed(), "limit", m.Limits().BudgetTokens)
			l.deps.Bus.Publish(events.BudgetWarning("tokens", m.TokensUsed(), m.Limits().BudgetTokens))
		}
	}
	switch m.CheckIterations() {
	case guardrail.VerdictExceeded:
		return StateIterationExceeded, fmt.Sprintf("iteration cap reached: %d of %d used",
			m.IterationsUsed(), m.Limits().MaxIterations), nil
	case guardrail.VerdictWarn:
		if !l.warnedIterations {
			l.warnedIterations = true
			log.Warn("approaching iteration cap", "used", m.IterationsUsed(), "limit", m.Limits().MaxIterations)
			l.deps.Bus.Publish(events.BudgetWarning("iterations",
				int64(m.IterationsUsed()), int64(m.Limits().MaxIterations)))
		}
	}
	return "", "", nil
}

// failTask marks a task failed and, in triage mode, leaves a note for
// external triage tooling.
func (l *Loop) failTask(ctx context.Context, log *slog.Logger, taskID, why string) error {
	if err := l.deps.Store.UpdateStatus(ctx, taskID, task.StatusFailed); err != nil {
		return fmt.Errorf("failing task %s: %w", taskID, err)
	}
	if l.deps.Failures.Triage() {
		note := "triage: " + why
		if err := l.deps.Store.AddNote(ctx, taskID, note); err != nil {
			log.Warn("adding triage note failed", "task", taskID, "err", err)
		}
	}
	return nil
}

// applyResolved folds pulled state into the store. Only status deltas that
// are newer than the local record are applied; the rest of the fields are
// session-local bookkeeping.
func (l *Loop) applyResolved(ctx context.Context, log *slog.Logger, resolved map[string]map[string]statesync.Delta) {
	applied := 0
	for taskID, fields := range resolved {
		local, err := l.deps.Store.Get(ctx, taskID)
		if err != nil {
			continue // unknown task, its definition lives in another clone
		}
		d, ok := fields[task.FieldStatus]
		if !ok || !d.UpdatedAt.After(local.UpdatedAt) {
			continue
		}
		status, err := task.ParseStatus(d.Value)
		if err != nil {
			log.Warn("ignoring malformed status delta", "task", taskID, "value", d.Value)
			continue
		}
		if status == local.Status {
			continue
		}
		if err := l.deps.Store.UpdateStatus(ctx, taskID, status); err != nil {
			log.Warn("applying status delta failed", "task", taskID, "err", err)
			continue
		}
		applied++
	}
	if applied > 0 {
		log.Info("applied pulled state", "tasks", applied)
	}
}

func taskDeltas(taskID string, status task.Status, sessionID string, iterations int) []statesync.Delta {
	now := time.Now().UTC()
	return []statesync.Delta{
		{TaskID: taskID, Field: task.FieldStatus, Value: string(status), UpdatedAt: now},
		{TaskID: taskID, Field: task.FieldAssignee, Value: sessionID, UpdatedAt: now},
		{TaskID: taskID, Field: task.FieldIterationCount, Value: fmt.Sprintf("%d", iterations), UpdatedAt: now},
	}
}

// composePrompt renders the task into the instruction given to the harness.
func composePrompt(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work on the following task.\n\nTask %s: %s\n", t.ID, t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	b.WriteString("\nWhen the task is complete, commit your changes and exit with status 0.")
	return b.String()
}

func formatCycles(cycles [][]string) string {
	paths := make([]string, len(cycles))
	for i, c := range cycles {
		paths[i] = strings.Join(c, " -> ")
	}
	return strings.Join(paths, "; ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func merge(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
