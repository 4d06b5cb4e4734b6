package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// Ref holds the delta chain, outside refs/heads so no checkout or
	// branch listing ever surfaces it.
	Ref = "refs/agentloop/state"

	deltaFile = "deltas.json"
)

// ErrSyncConflict reports a push that kept failing after reconciling with
// the remote. The session continues; state converges on the next sync.
var ErrSyncConflict = errors.New("state sync conflict")

// Syncer reads and writes the delta chain of one repository.
type Syncer struct {
	repo   string
	remote string
	logger *slog.Logger
}

// New creates a Syncer for the repo. remote may be empty for local-only
// operation (Commit and History work, Pull and Push are no-ops).
func New(repo, remote string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{repo: repo, remote: remote, logger: logger}
}

// Commit appends a batch of deltas as a new commit on the state ref.
// A nil or empty batch is a no-op.
func (s *Syncer) Commit(ctx context.Context, deltas []Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	payload, err := json.Marshal(deltas)
	if err != nil {
		return fmt.Errorf("encoding deltas: %w", err)
	}

	blob, err := s.writeBlob(ctx, payload)
	if err != nil {
		return fmt.Errorf("writing delta blob: %w", err)
	}
	tree, err := s.writeTree(ctx, blob)
	if err != nil {
		return fmt.Errorf("writing delta tree: %w", err)
	}
	parent, err := s.refSHA(ctx, Ref)
	if err != nil {
		return err
	}
	commit, err := s.writeCommit(ctx, tree, parent, fmt.Sprintf("state: %d deltas", len(deltas)))
	if err != nil {
		return fmt.Errorf("writing state commit: %w", err)
	}
	if _, err := s.runGit(ctx, "", "update-ref", Ref, commit); err != nil {
		return fmt.Errorf("updating state ref: %w", err)
	}
	return nil
}

// History returns every delta on the given ref, oldest commit first. A
// missing ref yields an empty history.
func (s *Syncer) History(ctx context.Context, ref string) ([]Delta, error) {
	sha, err := s.refSHA(ctx, ref)
	if err != nil || sha == "" {
		return nil, err
	}
	out, err := s.runGit(ctx, "", "rev-list", "--reverse", sha)
	if err != nil {
		return nil, fmt.Errorf("walking state ref: %w", err)
	}

	var history []Delta
	for _, commit := range strings.Fields(out) {
		raw, err := s.runGit(ctx, "", "show", commit+":"+deltaFile)
		if err != nil {
			return nil, fmt.Errorf("reading deltas from %s: %w", commit, err)
		}
		var batch []Delta
		if err := json.Unmarshal([]byte(raw), &batch); err != nil {
			return nil, fmt.Errorf("decoding deltas from %s: %w", commit, err)
		}
		history = append(history, batch...)
	}
	return history, nil
}

// Resolved returns the local chain reduced to winning values.
func (s *Syncer) Resolved(ctx context.Context) (map[string]map[string]Delta, error) {
	history, err := s.History(ctx, Ref)
	if err != nil {
		return nil, err
	}
	return Merge(history), nil
}

// Pull fetches the remote state ref and folds any deltas the local chain
// is missing into a new local commit. Returns the merged, resolved state.
func (s *Syncer) Pull(ctx context.Context) (map[string]map[string]Delta, error) {
	if s.remote == "" {
		return s.Resolved(ctx)
	}
	if _, err := s.runGit(ctx, "", "fetch", s.remote, Ref); err != nil {
		// A remote without the ref yet is not an error condition.
		s.logger.Debug("state fetch found no remote ref", "remote", s.remote, "err", err)
		return s.Resolved(ctx)
	}

	local, err := s.History(ctx, Ref)
	if err != nil {
		return nil, err
	}
	remote, err := s.History(ctx, "FETCH_HEAD")
	if err != nil {
		return nil, err
	}

	merged, added := union(local, remote)
	if len(added) > 0 {
		if err := s.Commit(ctx, added); err != nil {
			return nil, fmt.Errorf("folding remote deltas: %w", err)
		}
		s.logger.Info("merged remote state", "deltas", len(added))
	}
	return Merge(merged), nil
}

// Push publishes the local state ref. On rejection it pulls, folds, and
// retries with backoff; persistent failure returns ErrSyncConflict so the
// caller can continue the session with sync degraded.
func (s *Syncer) Push(ctx context.Context) error {
	if s.remote == "" {
		return nil
	}
	attempt := func() error {
		_, err := s.runGit(ctx, "", "push", s.remote, Ref+":"+Ref)
		if err == nil {
			return nil
		}
		if _, perr := s.Pull(ctx); perr != nil {
			s.logger.Warn("pull during push retry failed", "err", perr)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
	), 3), ctx)

	if err := backoff.Retry(attempt, policy); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncConflict, err)
	}
	return nil
}
