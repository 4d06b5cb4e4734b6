package statesync

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runGit executes a git subcommand in the repo, returning trimmed stdout.
func (s *Syncer) runGit(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.repo
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// refSHA resolves the ref to a commit, or "" when the ref does not exist.
func (s *Syncer) refSHA(ctx context.Context, ref string) (string, error) {
	out, err := s.runGit(ctx, "", "rev-parse", "--verify", "--quiet", ref)
	if err != nil {
		// rev-parse --verify --quiet exits nonzero for a missing ref.
		return "", nil
	}
	return out, nil
}

// writeBlob stores content as a git blob and returns its hash.
func (s *Syncer) writeBlob(ctx context.Context, content []byte) (string, error) {
	return s.runGit(ctx, string(content), "hash-object", "-w", "--stdin")
}

// writeTree builds a one-entry tree holding the deltas file.
func (s *Syncer) writeTree(ctx context.Context, blobSHA string) (string, error) {
	entry := fmt.Sprintf("100644 blob %s\t%s\n", blobSHA, deltaFile)
	return s.runGit(ctx, entry, "mktree")
}

// writeCommit creates a commit for the tree, parented on parent when set.
func (s *Syncer) writeCommit(ctx context.Context, treeSHA, parent, message string) (string, error) {
	args := []string{"commit-tree", treeSHA, "-m", message}
	if parent != "" {
		args = append(args, "-p", parent)
	}
	return s.runGit(ctx, "", args...)
}
