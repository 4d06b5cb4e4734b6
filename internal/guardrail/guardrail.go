// Package guardrail enforces token-budget and iteration limits for a run
// session. It never interrupts an in-flight attempt: the run loop consults
// it between iterations and terminates after the current sync step.
package guardrail

import "fmt"

// Verdict is the result of a limit check.
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictWarn
	VerdictExceeded
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictWarn:
		return "warn"
	case VerdictExceeded:
		return "exceeded"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Limits configures the enforcer. Zero values disable the corresponding
// limit.
type Limits struct {
	BudgetTokens      int64   // hard token ceiling for the session
	WarnAt            float64 // fraction of the budget that triggers a warning
	MaxIterations     int     // session-wide iteration cap
	MaxTaskIterations int     // per-task attempt cap before the task is failed
}

// DefaultLimits returns the limits used when config leaves them unset.
func DefaultLimits() Limits {
	return Limits{
		WarnAt:            0.8,
		MaxTaskIterations: 5,
	}
}

// Meter accumulates usage for one session and answers limit checks.
// State progression per limit: ok -> warn (usage crosses WarnAt fraction)
// -> exceeded (usage >= limit). Once exceeded it stays exceeded.
type Meter struct {
	limits         Limits
	tokensUsed     int64
	iterationsUsed int
}

// NewMeter creates a meter with the given limits. WarnAt falls back to 0.8
// when unset so a configured budget always warns before it trips.
func NewMeter(limits Limits) *Meter {
	if limits.WarnAt <= 0 || limits.WarnAt >= 1 {
		limits.WarnAt = 0.8
	}
	return &Meter{limits: limits}
}

// RecordUsage adds the tokens consumed by one attempt.
func (m *Meter) RecordUsage(tokens int64) {
	if tokens > 0 {
		m.tokensUsed += tokens
	}
}

// RecordIteration counts one completed loop iteration.
func (m *Meter) RecordIteration() {
	m.iterationsUsed++
}

// TokensUsed returns the cumulative token usage.
func (m *Meter) TokensUsed() int64 { return m.tokensUsed }

// IterationsUsed returns the number of completed iterations.
func (m *Meter) IterationsUsed() int { return m.iterationsUsed }

// Limits returns the configured limits.
func (m *Meter) Limits() Limits { return m.limits }

// CheckBudget reports the budget state. Exceeded exactly when cumulative
// usage >= the configured limit, never before.
func (m *Meter) CheckBudget() Verdict {
	if m.limits.BudgetTokens <= 0 {
		return VerdictOK
	}
	if m.tokensUsed >= m.limits.BudgetTokens {
		return VerdictExceeded
	}
	if float64(m.tokensUsed) >= m.limits.WarnAt*float64(m.limits.BudgetTokens) {
		return VerdictWarn
	}
	return VerdictOK
}

// CheckIterations reports the session iteration state.
func (m *Meter) CheckIterations() Verdict {
	if m.limits.MaxIterations <= 0 {
		return VerdictOK
	}
	if m.iterationsUsed >= m.limits.MaxIterations {
		return VerdictExceeded
	}
	if float64(m.iterationsUsed) >= m.limits.WarnAt*float64(m.limits.MaxIterations) {
		return VerdictWarn
	}
	return VerdictOK
}

// TaskExhausted reports whether a task has burned through its per-task
// attempt cap. Such a task is marked failed and excluded from readiness for
// the rest of the session, not deleted: a human or a later session may reset
// it.
func (m *Meter) TaskExhausted(iterations int) bool {
	return m.limits.MaxTaskIterations > 0 && iterations >= m.limits.MaxTaskIterations
}
