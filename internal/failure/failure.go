// Package failure applies the configured failure policy to attempt
// outcomes. It recovers task-level failures locally; session-level
// conditions (budget, cycles) are the run loop's business.
package failure

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/agentloop/internal/task"
)

// Mode is the configured failure policy.
type Mode string

const (
	// ModeStop halts the run loop on the first failure.
	ModeStop Mode = "stop"
	// ModeMoveOn marks the task failed and continues with the next one.
	ModeMoveOn Mode = "move-on"
	// ModeRetry re-attempts with failure context, then falls back to move-on.
	ModeRetry Mode = "retry"
	// ModeTriage behaves like move-on but flags the task for external
	// human-in-the-loop tooling.
	ModeTriage Mode = "triage"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStop, ModeMoveOn, ModeRetry, ModeTriage:
		return Mode(s), nil
	case "":
		return ModeStop, nil
	}
	return "", fmt.Errorf("unknown failure mode %q", s)
}

// Decision tells the run loop what to do after a failed attempt.
type Decision int

const (
	// DecisionRetry: re-invoke the task with failure context appended.
	DecisionRetry Decision = iota
	// DecisionMoveOn: mark the task failed, continue the loop.
	DecisionMoveOn
	// DecisionStop: halt the session with state stopped_on_failure.
	DecisionStop
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionMoveOn:
		return "move-on"
	case DecisionStop:
		return "stop"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Handler tracks per-task retry counts for one session.
type Handler struct {
	mode       Mode
	maxRetries int

	mu      sync.Mutex
	retries map[string]int
	waits   map[string]backoff.BackOff
}

// NewHandler creates a handler. maxRetries bounds re-attempts per task in
// retry mode; the other modes ignore it.
func NewHandler(mode Mode, maxRetries int) *Handler {
	return &Handler{
		mode:       mode,
		maxRetries: maxRetries,
		retries:    make(map[string]int),
		waits:      make(map[string]backoff.BackOff),
	}
}

// Mode returns the configured mode.
func (h *Handler) Mode() Mode { return h.mode }

// Triage reports whether failed tasks should additionally be flagged for
// external triage tooling.
func (h *Handler) Triage() bool { return h.mode == ModeTriage }

// OnFailure records a failed attempt for the task and decides the next step.
// In retry mode a task gets at most maxRetries re-attempts (maxRetries+1
// attempts total) before falling back to move-on.
func (h *Handler) OnFailure(taskID string) Decision {
	switch h.mode {
	case ModeStop:
		return DecisionStop
	case ModeMoveOn, ModeTriage:
		return DecisionMoveOn
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retries[taskID] >= h.maxRetries {
		return DecisionMoveOn
	}
	h.retries[taskID]++
	return DecisionRetry
}

// NextDelay returns how long to wait before the task's next re-attempt,
// following an exponential backoff policy per task.
func (h *Handler) NextDelay(taskID string) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.waits[taskID]
	if !ok {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 2 * time.Second
		policy.MaxInterval = 2 * time.Minute
		policy.MaxElapsedTime = 0 // attempts are bounded, not elapsed time
		b = policy
		h.waits[taskID] = b
	}
	return b.NextBackOff()
}

// Attempts returns how many re-attempts the task has consumed.
func (h *Handler) Attempts(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retries[taskID]
}

// RetryContext summarizes a failed attempt for the next invocation's prompt.
// Prompt composition proper is out of scope; this is the one addition the
// policy owns.
func RetryContext(att task.Attempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n\nThe previous attempt at this task failed (%s, exit code %d", att.Outcome, att.ExitCode)
	fmt.Fprintf(&b, ", after %s).", att.Duration.Round(time.Second))
	if att.ErrorText != "" {
		fmt.Fprintf(&b, " Captured error output:\n%s", att.ErrorText)
	}
	b.WriteString("\nPlease address the failure and try again.")
	return b.String()
}
