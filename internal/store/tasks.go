package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/agentloop/internal/task"
)

// timeFormat keeps stored timestamps sortable as text.
const timeFormat = time.RFC3339Nano

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func joinLabels(labels []string) string {
	return strings.Join(labels, ",")
}

func splitLabels(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// SaveTask inserts or replaces a task and its dependency edges.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *task.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	claimed := ""
	if !t.ClaimedAt.IsZero() {
		claimed = t.ClaimedAt.UTC().Format(timeFormat)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, labels, parent, assignee, iteration_count, claimed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			labels = excluded.labels,
			parent = excluded.parent,
			assignee = excluded.assignee,
			iteration_count = excluded.iteration_count,
			claimed_at = excluded.claimed_at,
			updated_at = excluded.updated_at`,
		t.ID, t.Title, t.Description, string(t.Status), int(t.Priority),
		joinLabels(t.Labels), t.Parent, t.Assignee, t.IterationCount,
		nullIfEmpty(claimed), now(), updated.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM task_dependencies WHERE task_id = ?", t.ID); err != nil {
		return fmt.Errorf("clearing dependencies for %s: %w", t.ID, err)
	}
	for _, dep := range t.DependsOn {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)",
			t.ID, dep); err != nil {
			return fmt.Errorf("saving dependency %s -> %s: %w", t.ID, dep, err)
		}
	}

	return tx.Commit()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const taskColumns = `id, title, description, status, priority, labels, parent, assignee, iteration_count, COALESCE(claimed_at, ''), updated_at`

func scanTask(row interface{ Scan(...any) error }) (*task.Task, error) {
	var t task.Task
	var status, labels, claimedAt, updatedAt string
	var priority int
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &priority,
		&labels, &t.Parent, &t.Assignee, &t.IterationCount, &claimedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	t.Labels = splitLabels(labels)
	t.ClaimedAt = parseTime(claimedAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// Get loads a single task with its dependency list.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	deps, err := s.dependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps
	return t, nil
}

func (s *SQLiteStore) dependencies(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id", id)
	if err != nil {
		return nil, fmt.Errorf("loading dependencies for %s: %w", id, err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// ListTasks returns every task in insertion order, dependencies included.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// One pass over the edge table instead of a query per task.
	depRows, err := s.db.QueryContext(ctx,
		"SELECT task_id, depends_on_id FROM task_dependencies ORDER BY task_id, depends_on_id")
	if err != nil {
		return nil, fmt.Errorf("listing dependencies: %w", err)
	}
	defer depRows.Close()

	deps := make(map[string][]string)
	for depRows.Next() {
		var taskID, dep string
		if err := depRows.Scan(&taskID, &dep); err != nil {
			return nil, err
		}
		deps[taskID] = append(deps[taskID], dep)
	}
	if err := depRows.Err(); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.DependsOn = deps[t.ID]
	}
	return tasks, nil
}

// UpdateStatus transitions a task. Closing or failing a task clears its
// claim; reopening clears the assignee too.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status task.Status) error {
	var res sql.Result
	var err error
	switch status {
	case task.StatusOpen:
		res, err = s.db.ExecContext(ctx,
			"UPDATE tasks SET status = ?, assignee = '', claimed_at = NULL, updated_at = ? WHERE id = ?",
			string(status), now(), id)
	case task.StatusClosed, task.StatusFailed:
		res, err = s.db.ExecContext(ctx,
			"UPDATE tasks SET status = ?, claimed_at = NULL, updated_at = ? WHERE id = ?",
			string(status), now(), id)
	default:
		res, err = s.db.ExecContext(ctx,
			"UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?",
			string(status), now(), id)
	}
	if err != nil {
		return fmt.Errorf("updating status of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Claim marks an open task in_progress for owner. The WHERE clause on
// status makes the claim race-safe: at most one caller sees a row change.
func (s *SQLiteStore) Claim(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = ?, assignee = ?, claimed_at = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(task.StatusInProgress), owner, now(), now(), id, string(task.StatusOpen))
	if err != nil {
		return fmt.Errorf("claiming task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("claiming task %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s (status %s)", ErrAlreadyClaimed, id, status)
}

// ReclaimStale reopens in_progress tasks whose claim is older than the
// cutoff, returning how many were reopened. Run at session start so a
// crashed predecessor's claims do not wedge the backlog.
func (s *SQLiteStore) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeFormat)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assignee = '', claimed_at = NULL, updated_at = ?
		 WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		string(task.StatusOpen), now(), string(task.StatusInProgress), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AddNote appends a note to a task's history.
func (s *SQLiteStore) AddNote(ctx context.Context, id, text string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_notes (task_id, note, created_at) VALUES (?, ?, ?)",
		id, text, now())
	if err != nil {
		return fmt.Errorf("adding note to %s: %w", id, err)
	}
	return nil
}

// Notes returns a task's notes, oldest first.
func (s *SQLiteStore) Notes(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT note FROM task_notes WHERE task_id = ? ORDER BY id", id)
	if err != nil {
		return nil, fmt.Errorf("loading notes for %s: %w", id, err)
	}
	defer rows.Close()

	var notes []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// Counts tallies tasks by status.
func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return Counts{}, fmt.Errorf("counting tasks: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		switch task.Status(status) {
		case task.StatusOpen:
			c.Open = n
		case task.StatusInProgress:
			c.InProgress = n
		case task.StatusClosed:
			c.Closed = n
		case task.StatusFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// AllComplete reports whether no open or in_progress tasks remain.
func (s *SQLiteStore) AllComplete(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE status IN (?, ?)",
		string(task.StatusOpen), string(task.StatusInProgress)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking completion: %w", err)
	}
	return n == 0, nil
}

// IncrementIteration bumps a task's attempt counter and returns the new value.
func (s *SQLiteStore) IncrementIteration(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET iteration_count = iteration_count + 1, updated_at = ? WHERE id = ?",
		now(), id)
	if err != nil {
		return 0, fmt.Errorf("incrementing iterations for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT iteration_count FROM tasks WHERE id = ?", id).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ResetIterations zeroes every task's attempt counter at session start.
func (s *SQLiteStore) ResetIterations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "UPDATE tasks SET iteration_count = 0 WHERE iteration_count != 0")
	if err != nil {
		return fmt.Errorf("resetting iteration counts: %w", err)
	}
	return nil
}
