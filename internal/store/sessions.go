package store

import (
	"context"
	"fmt"
)

// SaveSession upserts a session's accounting. Called once per loop
// iteration so a crash still leaves a recent record behind.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, harness, started_at, budget_limit, tokens_used, iterations_used, iteration_limit, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tokens_used = excluded.tokens_used,
			iterations_used = excluded.iterations_used,
			state = excluded.state`,
		rec.ID, rec.Harness, rec.StartedAt.UTC().Format(timeFormat),
		rec.BudgetLimit, rec.TokensUsed, rec.IterationsUsed, rec.IterationLimit, rec.State)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", rec.ID, err)
	}
	return nil
}
