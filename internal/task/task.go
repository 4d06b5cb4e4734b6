package task

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task in the store.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
	StatusFailed     Status = "failed"
)

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOpen, StatusInProgress, StatusClosed, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Priority is ordinal: lower value means more urgent. P0 is the highest.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
	P4
)

// ParsePriority accepts "P0".."P4" (or bare digits) from backlog files.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "P0", "p0", "0":
		return P0, nil
	case "P1", "p1", "1":
		return P1, nil
	case "P2", "p2", "2":
		return P2, nil
	case "P3", "p3", "3":
		return P3, nil
	case "P4", "p4", "4", "":
		return P4, nil
	}
	return P4, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) String() string {
	if p < P0 || p > P4 {
		return fmt.Sprintf("P?(%d)", int(p))
	}
	return fmt.Sprintf("P%d", int(p))
}

// Field names used in sync deltas and change records. These are the only
// fields reconciled across clones; everything else is local to a session.
const (
	FieldStatus         = "status"
	FieldAssignee       = "assignee"
	FieldIterationCount = "iteration_count"
	FieldNote           = "note"
)

// Task is a unit of work pulled from the backlog.
type Task struct {
	ID          string
	Title       string
	Description string
	Status      Status
	Priority    Priority
	DependsOn   []string
	Labels      []string
	Parent      string // epic id, empty when the task is not scoped
	Assignee    string
	UpdatedAt   time.Time
	ClaimedAt   time.Time

	// IterationCount is the number of attempts made this run. It is reset
	// at session start but persisted so a fresh session can spot tasks a
	// crashed predecessor was grinding on.
	IterationCount int
}

// HasLabel reports whether the task carries the given label.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so graph snapshots never alias store records.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Labels != nil {
		cp.Labels = append([]string(nil), t.Labels...)
	}
	return &cp
}
