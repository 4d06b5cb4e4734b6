package graph

import (
	"fmt"
	"strings"
)

// CycleError is returned when the dependency relation is not acyclic.
// It is fatal to scheduling: the run loop aborts rather than executing a
// partial order.
type CycleError struct {
	// Paths holds at least one cycle as an id sequence where the first and
	// last entries are the same task, e.g. ["A", "B", "A"].
	Paths [][]string
}

func (e *CycleError) Error() string {
	if len(e.Paths) == 0 {
		return "dependency cycle detected"
	}
	parts := make([]string, len(e.Paths))
	for i, p := range e.Paths {
		parts[i] = strings.Join(p, " -> ")
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(parts, "; "))
}

// DependencyReferenceError reports that a task names dependencies which do
// not exist in the store. Surfaced once per task, not once per missing edge.
// The task is excluded from readiness until the backlog is fixed.
type DependencyReferenceError struct {
	TaskID  string
	Missing []string
}

func (e *DependencyReferenceError) Error() string {
	return fmt.Sprintf("task %q depends on nonexistent task(s): %s",
		e.TaskID, strings.Join(e.Missing, ", "))
}
