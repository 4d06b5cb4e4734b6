// Package store is the durable record of tasks. The run loop consumes the
// Store protocol; the bundled implementation is SQLite, but nothing above
// this package may assume that.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aristath/agentloop/internal/task"
)

// Sentinel errors for the protocol.
var (
	ErrNotFound       = errors.New("task not found")
	ErrAlreadyClaimed = errors.New("task already claimed")
)

// Counts summarizes the backlog by status.
type Counts struct {
	Open       int
	InProgress int
	Closed     int
	Failed     int
}

// SessionRecord persists a run session's final accounting.
type SessionRecord struct {
	ID             string
	Harness        string
	StartedAt      time.Time
	BudgetLimit    int64
	TokensUsed     int64
	IterationsUsed int
	IterationLimit int
	State          string
}

// Store is the task-store protocol consumed by the scheduler and run loop.
type Store interface {
	SaveTask(ctx context.Context, t *task.Task) error
	Get(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context) ([]*task.Task, error)
	UpdateStatus(ctx context.Context, id string, status task.Status) error

	// Claim marks a task in_progress for an owner. Advisory, not a lock:
	// at most one claimant per open task, but a crashed session's stale
	// claim is reclaimable via ReclaimStale.
	Claim(ctx context.Context, id, owner string) error
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)

	AddNote(ctx context.Context, id, text string) error
	Notes(ctx context.Context, id string) ([]string, error)

	Counts(ctx context.Context) (Counts, error)
	AllComplete(ctx context.Context) (bool, error)

	IncrementIteration(ctx context.Context, id string) (int, error)
	ResetIterations(ctx context.Context) error

	// RecordAttempt appends to the attempt log; records are immutable.
	RecordAttempt(ctx context.Context, att task.Attempt) error
	Attempts(ctx context.Context, taskID string) ([]task.Attempt, error)

	SaveSession(ctx context.Context, rec SessionRecord) error

	Close() error
}

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates (or opens) a SQLite store at path, creating parent
// directories as needed. WAL mode and a busy timeout keep concurrent
// sessions against the same file survivable.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	return open(ctx, connStr)
}

var memSeq atomic.Int64

// OpenMemory creates an in-memory store for tests. The shared cache lets
// both pooled connections see the same database; the sequence number keeps
// separate stores from aliasing each other.
func OpenMemory(ctx context.Context) (*SQLiteStore, error) {
	name := fmt.Sprintf("file:mem%d?mode=memory&cache=shared", memSeq.Add(1))
	return open(ctx, name)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc.org/sqlite needs the pragma, not a connection-string knob.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Two connections: one for primary queries, one for subqueries.
	db.SetMaxOpenConns(2)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
