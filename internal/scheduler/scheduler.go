// Package scheduler selects the next task to run from a graph snapshot.
// Selection is a pure function: no state, no side effects, so the policy is
// trivially testable and the run loop owns all mutation.
package scheduler

import (
	"github.com/aristath/agentloop/internal/graph"
	"github.com/aristath/agentloop/internal/task"
)

// Next returns the highest-priority, earliest-inserted ready task that
// passes the filters, or false when nothing is eligible.
func Next(g *graph.Graph, f graph.Filters) (*task.Task, bool) {
	ready := g.Ready(f)
	if len(ready) == 0 {
		return nil, false
	}
	return ready[0], true
}
