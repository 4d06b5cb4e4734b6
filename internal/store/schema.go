package store

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'open',
	priority        INTEGER NOT NULL DEFAULT 2,
	labels          TEXT NOT NULL DEFAULT '',
	parent          TEXT NOT NULL DEFAULT '',
	assignee        TEXT NOT NULL DEFAULT '',
	iteration_count INTEGER NOT NULL DEFAULT 0,
	claimed_at      TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

-- depends_on_id carries no foreign key on purpose: a reference to a task
-- that does not exist yet is a reportable backlog condition, not a write
-- error.
CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id       TEXT NOT NULL,
	depends_on_id TEXT NOT NULL,
	PRIMARY KEY (task_id, depends_on_id),
	FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS task_notes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL,
	note       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS attempts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	exit_code   INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	sha_before  TEXT NOT NULL DEFAULT '',
	sha_after   TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	error_text  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	harness         TEXT NOT NULL DEFAULT '',
	started_at      TEXT NOT NULL,
	budget_limit    INTEGER NOT NULL DEFAULT 0,
	tokens_used     INTEGER NOT NULL DEFAULT 0,
	iterations_used INTEGER NOT NULL DEFAULT 0,
	iteration_limit INTEGER NOT NULL DEFAULT 0,
	state           TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_status        ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_deps_task           ON task_dependencies(task_id);
CREATE INDEX IF NOT EXISTS idx_notes_task          ON task_notes(task_id);
CREATE INDEX IF NOT EXISTS idx_attempts_task       ON attempts(task_id);
`

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
