package graph

import (
	"errors"
	"strings"
	"testing"

	"github.com/aristath/agentloop/internal/task"
)

func open(id string, deps ...string) *task.Task {
	return &task.Task{ID: id, Status: task.StatusOpen, Priority: task.P2, DependsOn: deps}
}

func closed(id string, deps ...string) *task.Task {
	return &task.Task{ID: id, Status: task.StatusClosed, Priority: task.P2, DependsOn: deps}
}

// TestTopologicalOrder verifies ordering and cycle reporting over various
// graph shapes.
func TestTopologicalOrder(t *testing.T) {
	tests := []struct {
		name        string
		tasks       []*task.Task
		wantErr     bool
		errContains string
	}{
		{
			name:  "linear chain",
			tasks: []*task.Task{open("A"), open("B", "A"), open("C", "B")},
		},
		{
			name:  "diamond",
			tasks: []*task.Task{open("A"), open("B", "A"), open("C", "A"), open("D", "B", "C")},
		},
		{
			name:  "disconnected components",
			tasks: []*task.Task{open("A"), open("B", "A"), open("C"), open("D", "C")},
		},
		{
			name:        "direct cycle",
			tasks:       []*task.Task{open("A", "B"), open("B", "A")},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "transitive cycle",
			tasks:       []*task.Task{open("A", "B"), open("B", "C"), open("C", "A")},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "self loop",
			tasks:       []*task.Task{open("A", "A")},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "cycle behind valid prefix",
			tasks:       []*task.Task{open("A"), open("B", "A"), open("C", "D"), open("D", "C")},
			wantErr:     true,
			errContains: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.tasks)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}

			order, err := g.TopologicalOrder()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got order %v", order)
				}
				var cycleErr *CycleError
				if !errors.As(err, &cycleErr) {
					t.Fatalf("expected *CycleError, got %T", err)
				}
				if len(cycleErr.Paths) == 0 {
					t.Fatal("CycleError carries no path")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("error %q does not contain %q", err, tt.errContains)
				}
				if g.Validate() == nil {
					t.Fatal("Validate accepted a cyclic graph")
				}
				return
			}

			if err != nil {
				t.Fatalf("TopologicalOrder failed: %v", err)
			}
			if len(order) != len(tt.tasks) {
				t.Fatalf("order has %d entries, want %d", len(order), len(tt.tasks))
			}

			// Every task must appear after all its dependencies.
			pos := make(map[string]int, len(order))
			for i, id := range order {
				pos[id] = i
			}
			for _, tk := range tt.tasks {
				for _, dep := range tk.DependsOn {
					if pos[dep] >= pos[tk.ID] {
						t.Errorf("task %s at %d precedes its dependency %s at %d",
							tk.ID, pos[tk.ID], dep, pos[dep])
					}
				}
			}

			if err := g.Validate(); err != nil {
				t.Fatalf("Validate rejected an acyclic graph: %v", err)
			}
		})
	}
}

// TestDetectCyclesPath checks that a cycle is reported with its full path.
func TestDetectCyclesPath(t *testing.T) {
	g, err := Build([]*task.Task{open("A", "B"), open("B", "A")})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	cycles := g.DetectCycles()
	if len(cycles) == 0 {
		t.Fatal("no cycle detected")
	}
	path := cycles[0]
	if len(path) < 3 {
		t.Fatalf("cycle path too short: %v", path)
	}
	if path[0] != path[len(path)-1] {
		t.Fatalf("cycle path %v does not close on itself", path)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []*task.Task
		filters Filters
		wantIDs []string
	}{
		{
			name:    "chain exposes only the root",
			tasks:   []*task.Task{open("A"), open("B", "A"), open("C", "B")},
			wantIDs: []string{"A"},
		},
		{
			name:    "closing the root exposes the next",
			tasks:   []*task.Task{closed("A"), open("B", "A"), open("C", "B")},
			wantIDs: []string{"B"},
		},
		{
			name: "in_progress dependency blocks",
			tasks: []*task.Task{
				{ID: "A", Status: task.StatusInProgress},
				open("B", "A"),
			},
			wantIDs: nil,
		},
		{
			name: "failed dependency blocks",
			tasks: []*task.Task{
				{ID: "A", Status: task.StatusFailed},
				open("B", "A"),
			},
			wantIDs: nil,
		},
		{
			name: "priority ascending, insertion order within ties",
			tasks: []*task.Task{
				{ID: "low", Status: task.StatusOpen, Priority: task.P3},
				{ID: "tie-1", Status: task.StatusOpen, Priority: task.P1},
				{ID: "urgent", Status: task.StatusOpen, Priority: task.P0},
				{ID: "tie-2", Status: task.StatusOpen, Priority: task.P1},
			},
			wantIDs: []string{"urgent", "tie-1", "tie-2", "low"},
		},
		{
			name: "epic filter",
			tasks: []*task.Task{
				{ID: "in", Status: task.StatusOpen, Parent: "epic-1"},
				{ID: "out", Status: task.StatusOpen, Parent: "epic-2"},
			},
			filters: Filters{Epic: "epic-1"},
			wantIDs: []string{"in"},
		},
		{
			name: "label filter",
			tasks: []*task.Task{
				{ID: "in", Status: task.StatusOpen, Labels: []string{"backend"}},
				{ID: "out", Status: task.StatusOpen, Labels: []string{"frontend"}},
			},
			filters: Filters{Label: "backend"},
			wantIDs: []string{"in"},
		},
		{
			name: "dangling reference excluded",
			tasks: []*task.Task{
				open("A", "missing-1", "missing-2"),
				open("B"),
			},
			wantIDs: []string{"B"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.tasks)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}

			ready := g.Ready(tt.filters)
			var got []string
			for _, r := range ready {
				got = append(got, r.ID)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("Ready returned %v, want %v", got, tt.wantIDs)
			}
			for i := range got {
				if got[i] != tt.wantIDs[i] {
					t.Fatalf("Ready returned %v, want %v", got, tt.wantIDs)
				}
			}
		})
	}
}

// TestReadyStable verifies that repeated calls preserve tie order.
func TestReadyStable(t *testing.T) {
	tasks := []*task.Task{
		{ID: "first", Status: task.StatusOpen, Priority: task.P1},
		{ID: "second", Status: task.StatusOpen, Priority: task.P1},
		{ID: "third", Status: task.StatusOpen, Priority: task.P1},
	}
	g, err := Build(tasks)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		ready := g.Ready(Filters{})
		if len(ready) != 3 {
			t.Fatalf("Ready returned %d tasks, want 3", len(ready))
		}
		if ready[0].ID != "first" || ready[1].ID != "second" || ready[2].ID != "third" {
			t.Fatalf("call %d lost insertion order: %s, %s, %s",
				i, ready[0].ID, ready[1].ID, ready[2].ID)
		}
	}
}

func TestReferenceErrors(t *testing.T) {
	g, err := Build([]*task.Task{
		open("A", "gone", "also-gone"),
		open("B", "A"),
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	refErrs := g.ReferenceErrors()
	if len(refErrs) != 1 {
		t.Fatalf("got %d reference errors, want 1 (one per task, not per edge)", len(refErrs))
	}
	if refErrs[0].TaskID != "A" {
		t.Fatalf("reference error names task %q, want A", refErrs[0].TaskID)
	}
	if len(refErrs[0].Missing) != 2 {
		t.Fatalf("reference error lists %d missing ids, want 2", len(refErrs[0].Missing))
	}
}

func TestBuildRejectsDuplicateIDs(t *testing.T) {
	_, err := Build([]*task.Task{open("A"), open("A")})
	if err == nil {
		t.Fatal("expected error for duplicate task id")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("error %q does not mention duplicate", err)
	}
}
