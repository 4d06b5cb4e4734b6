package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/agentloop/internal/task"
)

// RecordAttempt appends one attempt record. The table is append-only.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, att task.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (task_id, started_at, duration_ms, exit_code, tokens_used, sha_before, sha_after, outcome, error_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.TaskID, att.StartedAt.UTC().Format(timeFormat), att.Duration.Milliseconds(),
		att.ExitCode, att.TokensUsed, att.GitSHABefore, att.GitSHAAfter,
		string(att.Outcome), att.ErrorText)
	if err != nil {
		return fmt.Errorf("recording attempt for %s: %w", att.TaskID, err)
	}
	return nil
}

// Attempts returns a task's attempt history, oldest first.
func (s *SQLiteStore) Attempts(ctx context.Context, taskID string) ([]task.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, started_at, duration_ms, exit_code, tokens_used, sha_before, sha_after, outcome, error_text
		FROM attempts WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading attempts for %s: %w", taskID, err)
	}
	defer rows.Close()

	var attempts []task.Attempt
	for rows.Next() {
		var att task.Attempt
		var started string
		var durationMS int64
		var outcome string
		err := rows.Scan(&att.TaskID, &started, &durationMS, &att.ExitCode,
			&att.TokensUsed, &att.GitSHABefore, &att.GitSHAAfter, &outcome, &att.ErrorText)
		if err != nil {
			return nil, err
		}
		att.StartedAt = parseTime(started)
		att.Duration = time.Duration(durationMS) * time.Millisecond
		att.Outcome = task.Outcome(outcome)
		attempts = append(attempts, att)
	}
	return attempts, rows.Err()
}
