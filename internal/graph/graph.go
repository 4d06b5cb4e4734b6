package graph

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"

	"github.com/aristath/agentloop/internal/task"
)

// Graph is a read-only dependency view over a task snapshot. It owns no
// durable state: the run loop rebuilds it from the store before every
// scheduling decision.
type Graph struct {
	tasks      map[string]*task.Task
	order      []string            // snapshot insertion order, the secondary sort key
	dependents map[string][]string // taskID -> tasks that depend on it
	refErrs    []*DependencyReferenceError
	badRefs    map[string]bool // tasks excluded from readiness due to missing deps
}

// Build constructs a graph from a task snapshot. Duplicate ids are an error;
// dangling dependency references are collected per task and reported via
// ReferenceErrors rather than failing the build, so one bad backlog entry
// does not stall every other task.
func Build(tasks []*task.Task) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]*task.Task, len(tasks)),
		order:      make([]string, 0, len(tasks)),
		dependents: make(map[string][]string),
		badRefs:    make(map[string]bool),
	}

	for _, t := range tasks {
		if _, exists := g.tasks[t.ID]; exists {
			return nil, fmt.Errorf("duplicate task id %q in snapshot", t.ID)
		}
		g.tasks[t.ID] = t.Clone()
		g.order = append(g.order, t.ID)
	}

	for _, id := range g.order {
		t := g.tasks[id]
		var missing []string
		for _, depID := range t.DependsOn {
			if _, ok := g.tasks[depID]; !ok {
				missing = append(missing, depID)
				continue
			}
			g.dependents[depID] = append(g.dependents[depID], id)
		}
		if len(missing) > 0 {
			g.refErrs = append(g.refErrs, &DependencyReferenceError{TaskID: id, Missing: missing})
			g.badRefs[id] = true
		}
	}

	return g, nil
}

// ReferenceErrors returns the dangling-dependency reports collected during
// Build, one per offending task.
func (g *Graph) ReferenceErrors() []*DependencyReferenceError {
	return g.refErrs
}

// Len returns the number of tasks in the snapshot.
func (g *Graph) Len() int { return len(g.order) }

// Get returns a copy of the task with the given id.
func (g *Graph) Get(id string) (*task.Task, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Filters scope readiness to an epic (parent id) and/or a label. Empty
// values match everything.
type Filters struct {
	Epic  string
	Label string
}

func (f Filters) match(t *task.Task) bool {
	if f.Epic != "" && t.Parent != f.Epic {
		return false
	}
	if f.Label != "" && !t.HasLabel(f.Label) {
		return false
	}
	return true
}

// Ready returns the open tasks whose dependencies are all closed and which
// pass the filters, sorted by priority ascending. Within equal priority the
// snapshot insertion order is preserved: humans expect backlog order to be
// the secondary signal, so no resorting by id or title.
func (g *Graph) Ready(f Filters) []*task.Task {
	// One closed-id set per pass instead of per-dependency store lookups.
	closed := make(map[string]bool, len(g.order))
	for id, t := range g.tasks {
		if t.Status == task.StatusClosed {
			closed[id] = true
		}
	}

	var ready []*task.Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != task.StatusOpen || g.badRefs[id] || !f.match(t) {
			continue
		}
		blocked := false
		for _, depID := range t.DependsOn {
			if !closed[depID] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, t.Clone())
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority < ready[j].Priority
	})
	return ready
}

// DetectCycles runs a DFS with an explicit recursion stack and returns every
// distinct cycle found, each as a full path for diagnostics. An empty result
// means the dependency relation is acyclic. Missing dependency edges are
// skipped here; they are reported separately by ReferenceErrors.
func (g *Graph) DetectCycles() [][]string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)

	state := make(map[string]int, len(g.order))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		state[id] = inStack
		stack = append(stack, id)

		for _, depID := range g.tasks[id].DependsOn {
			dep, ok := g.tasks[depID]
			if !ok {
				continue
			}
			switch state[depID] {
			case unvisited:
				visit(dep.ID)
			case inStack:
				// Found a back edge; slice the stack from the first
				// occurrence of depID and close the loop.
				for i, sid := range stack {
					if sid == depID {
						cycle := append([]string(nil), stack[i:]...)
						cycle = append(cycle, depID)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
	}

	for _, id := range g.order {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return cycles
}

// TopologicalOrder computes an execution order by iterative frontier
// removal: repeatedly extract every task whose dependencies are already
// ordered. A pass that makes no progress while tasks remain means the
// remainder is cyclic, which is reported as a CycleError rather than
// silently dropped.
func (g *Graph) TopologicalOrder() ([]string, error) {
	ordered := make([]string, 0, len(g.order))
	placed := make(map[string]bool, len(g.order))
	remaining := append([]string(nil), g.order...)

	for len(remaining) > 0 {
		var frontier []string
		var next []string
		for _, id := range remaining {
			satisfied := true
			for _, depID := range g.tasks[id].DependsOn {
				if _, ok := g.tasks[depID]; !ok {
					continue // dangling ref, reported elsewhere
				}
				if !placed[depID] {
					satisfied = false
					break
				}
			}
			if satisfied {
				frontier = append(frontier, id)
			} else {
				next = append(next, id)
			}
		}

		if len(frontier) == 0 {
			cycles := g.DetectCycles()
			if len(cycles) == 0 {
				// Should not happen: a stalled frontier implies a cycle.
				cycles = [][]string{remaining}
			}
			return nil, &CycleError{Paths: cycles}
		}

		for _, id := range frontier {
			placed[id] = true
		}
		ordered = append(ordered, frontier...)
		remaining = next
	}

	return ordered, nil
}

// Validate cross-checks the dependency relation with a library topological
// sort. Used by backlog import as a cheap acyclicity gate; the run loop uses
// DetectCycles for path diagnostics.
func (g *Graph) Validate() error {
	var edges []toposort.Edge
	for _, id := range g.order {
		t := g.tasks[id]
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range t.DependsOn {
			if _, ok := g.tasks[depID]; !ok {
				continue
			}
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return &CycleError{Paths: g.DetectCycles()}
	}
	return nil
}
