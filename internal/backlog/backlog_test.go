package backlog

import (
	"context"
	"strings"
	"testing"

	"github.com/aristath/agentloop/internal/store"
	"github.com/aristath/agentloop/internal/task"
)

const sample = `
tasks:
  - id: t-1
    title: set up the module
    priority: P0
  - id: t-2
    title: wire the parser
    description: uses the lexer from t-1
    priority: P1
    depends_on: [t-1]
    labels: [backend]
    epic: epic-parse
  - id: t-3
    title: docs pass
`

func TestParse(t *testing.T) {
	tasks, warnings, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks", len(tasks))
	}
	if tasks[0].Priority != task.P0 || tasks[1].Priority != task.P1 {
		t.Errorf("priorities = %v, %v", tasks[0].Priority, tasks[1].Priority)
	}
	// Unset priority defaults to the lowest.
	if tasks[2].Priority != task.P4 {
		t.Errorf("default priority = %v, want P4", tasks[2].Priority)
	}
	if tasks[1].Parent != "epic-parse" || !tasks[1].HasLabel("backend") {
		t.Errorf("task 2 = %+v", tasks[1])
	}
	for _, tk := range tasks {
		if tk.Status != task.StatusOpen {
			t.Errorf("task %s imported with status %s", tk.ID, tk.Status)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name        string
		yaml        string
		errContains string
	}{
		{
			name:        "empty document",
			yaml:        "tasks: []",
			errContains: "no tasks",
		},
		{
			name:        "missing id",
			yaml:        "tasks:\n  - title: x",
			errContains: "has no id",
		},
		{
			name:        "missing title",
			yaml:        "tasks:\n  - id: t-1",
			errContains: "has no title",
		},
		{
			name:        "bad priority",
			yaml:        "tasks:\n  - id: t-1\n    title: x\n    priority: urgent",
			errContains: "unknown priority",
		},
		{
			name:        "duplicate ids",
			yaml:        "tasks:\n  - id: t-1\n    title: a\n  - id: t-1\n    title: b",
			errContains: "duplicate task id",
		},
		{
			name:        "dependency cycle",
			yaml:        "tasks:\n  - id: t-1\n    title: a\n    depends_on: [t-2]\n  - id: t-2\n    title: b\n    depends_on: [t-1]",
			errContains: "cycle",
		},
		{
			name:        "not yaml",
			yaml:        "{{{",
			errContains: "parsing backlog",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("err = %v, want substring %q", err, tt.errContains)
			}
		})
	}
}

func TestParseDanglingDependencyWarns(t *testing.T) {
	doc := "tasks:\n  - id: t-1\n    title: a\n    depends_on: [missing]"
	tasks, warnings, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("dangling ref must not fail parse: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks", len(tasks))
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "missing") {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestImportPreservesRuntimeState(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, t.TempDir()+"/tasks.db")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tasks, _, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	created, err := Import(ctx, s, tasks)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if created != 3 {
		t.Fatalf("created = %d, want 3", created)
	}

	// Close one task, then re-import an edited backlog.
	if err := s.UpdateStatus(ctx, "t-1", task.StatusClosed); err != nil {
		t.Fatal(err)
	}
	edited, _, err := Parse([]byte(strings.Replace(sample, "set up the module", "set up the module (renamed)", 1)))
	if err != nil {
		t.Fatal(err)
	}
	created, err = Import(ctx, s, edited)
	if err != nil {
		t.Fatal(err)
	}
	if created != 0 {
		t.Fatalf("re-import created %d tasks", created)
	}

	got, err := s.Get(ctx, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusClosed {
		t.Errorf("re-import reset status to %s", got.Status)
	}
	if got.Title != "set up the module (renamed)" {
		t.Errorf("definition fields not updated: %q", got.Title)
	}
}
