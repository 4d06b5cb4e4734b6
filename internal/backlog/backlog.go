// Package backlog reads task definitions from a YAML backlog file and
// imports them into the store.
package backlog

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/agentloop/internal/graph"
	"github.com/aristath/agentloop/internal/store"
	"github.com/aristath/agentloop/internal/task"
)

// File is the top-level backlog document.
type File struct {
	Tasks []Entry `yaml:"tasks"`
}

// Entry is one task definition as written by a human.
type Entry struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Priority    string   `yaml:"priority"`
	DependsOn   []string `yaml:"depends_on"`
	Labels      []string `yaml:"labels"`
	Epic        string   `yaml:"epic"`
}

// Parse decodes and validates a backlog document. Cyclic dependencies are
// rejected outright; dangling references are returned as warnings so the
// caller can import partial backlogs where later files fill the gaps.
func Parse(data []byte) ([]*task.Task, []string, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("parsing backlog: %w", err)
	}
	if len(f.Tasks) == 0 {
		return nil, nil, errors.New("backlog has no tasks")
	}

	tasks := make([]*task.Task, 0, len(f.Tasks))
	for i, e := range f.Tasks {
		if e.ID == "" {
			return nil, nil, fmt.Errorf("task %d has no id", i)
		}
		if e.Title == "" {
			return nil, nil, fmt.Errorf("task %q has no title", e.ID)
		}
		prio, err := task.ParsePriority(e.Priority)
		if err != nil {
			return nil, nil, fmt.Errorf("task %q: %w", e.ID, err)
		}
		tasks = append(tasks, &task.Task{
			ID:          e.ID,
			Title:       e.Title,
			Description: e.Description,
			Status:      task.StatusOpen,
			Priority:    prio,
			DependsOn:   e.DependsOn,
			Labels:      e.Labels,
			Parent:      e.Epic,
		})
	}

	g, err := graph.Build(tasks)
	if err != nil {
		return nil, nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, nil, err
	}

	var warnings []string
	for _, refErr := range g.ReferenceErrors() {
		warnings = append(warnings, refErr.Error())
	}
	return tasks, warnings, nil
}

// Load parses the backlog file at path.
func Load(path string) ([]*task.Task, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading backlog: %w", err)
	}
	return Parse(data)
}

// Import writes tasks into the store. An already-known task keeps its
// runtime state (status, assignee, iteration count) and takes the new
// definition fields, so re-importing an edited backlog is safe mid-run.
// Returns how many tasks were newly created.
func Import(ctx context.Context, s store.Store, tasks []*task.Task) (int, error) {
	created := 0
	for _, t := range tasks {
		existing, err := s.Get(ctx, t.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			created++
		case err != nil:
			return created, err
		default:
			t.Status = existing.Status
			t.Assignee = existing.Assignee
			t.ClaimedAt = existing.ClaimedAt
			t.IterationCount = existing.IterationCount
		}
		if err := s.SaveTask(ctx, t); err != nil {
			return created, err
		}
	}
	return created, nil
}
