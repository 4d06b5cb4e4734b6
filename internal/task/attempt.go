package task

import "time"

// Outcome classifies a finished execution attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Attempt is the immutable record of one harness invocation for a task.
// Attempts are appended to the store's event log and never mutated.
type Attempt struct {
	TaskID       string
	StartedAt    time.Time
	Duration     time.Duration
	ExitCode     int
	TokensUsed   int64
	GitSHABefore string
	GitSHAAfter  string
	Outcome      Outcome

	// ErrorText is a short tail of stderr (or the invocation error) kept
	// for retry context and diagnostics. Not the full transcript.
	ErrorText string
}
