// Package events carries the run loop's observable record: a channel-based
// bus for live consumers (external dashboards attach here) and the JSONL
// event log external tooling parses.
package events

import (
	"time"

	"github.com/aristath/agentloop/internal/task"
)

// Event types in the log format contract.
const (
	TypeTaskStart     = "task_start"
	TypeTaskEnd       = "task_end"
	TypeBudgetWarning = "budget_warning"
	TypeSessionEnd    = "session_end"
)

// Event is one record of the event log: one JSON object per line with a
// timestamp, a type, and type-specific data.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// TaskStart records a task entering execution.
func TaskStart(t *task.Task) Event {
	return Event{
		Timestamp: time.Now(),
		Type:      TypeTaskStart,
		Data: map[string]any{
			"task_id":  t.ID,
			"title":    t.Title,
			"priority": t.Priority.String(),
		},
	}
}

// TaskEnd records a finished attempt.
func TaskEnd(att task.Attempt) Event {
	return Event{
		Timestamp: time.Now(),
		Type:      TypeTaskEnd,
		Data: map[string]any{
			"task_id":     att.TaskID,
			"outcome":     string(att.Outcome),
			"exit_code":   att.ExitCode,
			"duration_ms": att.Duration.Milliseconds(),
			"tokens":      att.TokensUsed,
			"git_sha":     att.GitSHAAfter,
		},
	}
}

// BudgetWarning records crossing the warn threshold. Emitted once per
// session per limit.
func BudgetWarning(kind string, used, limit int64) Event {
	return Event{
		Timestamp: time.Now(),
		Type:      TypeBudgetWarning,
		Data: map[string]any{
			"kind":  kind,
			"used":  used,
			"limit": limit,
		},
	}
}

// SessionEnd records the terminal state of a session.
func SessionEnd(sessionID, state, reason string, tokensUsed int64, iterations int) Event {
	return Event{
		Timestamp: time.Now(),
		Type:      TypeSessionEnd,
		Data: map[string]any{
			"session_id": sessionID,
			"state":      state,
			"reason":     reason,
			"tokens":     tokensUsed,
			"iterations": iterations,
		},
	}
}
