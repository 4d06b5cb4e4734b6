package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/agentloop/internal/execx"
)

// headSHA returns the current HEAD commit of the repository. An empty
// repoPath disables SHA snapshots (e.g. in tests or non-git projects).
func headSHA(ctx context.Context, repoPath string) (string, error) {
	if repoPath == "" {
		return "", nil
	}
	res, err := execx.Run(ctx, nil, execx.Spec{
		Name: "git",
		Args: []string{"rev-parse", "HEAD"},
		Dir:  repoPath,
	})
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("resolving HEAD: git exited %d: %s", res.ExitCode, res.Stderr)
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// worktreeClean reports whether the repository has no uncommitted changes.
// Used by the optional clean-state check: an agent that exits 0 but leaves
// the tree dirty did not finish its job.
func worktreeClean(ctx context.Context, repoPath string) (bool, error) {
	res, err := execx.Run(ctx, nil, execx.Spec{
		Name: "git",
		Args: []string{"status", "--porcelain"},
		Dir:  repoPath,
	})
	if err != nil {
		return false, fmt.Errorf("checking worktree state: %w", err)
	}
	if res.ExitCode != 0 {
		return false, fmt.Errorf("checking worktree state: git exited %d: %s", res.ExitCode, res.Stderr)
	}
	return len(strings.TrimSpace(string(res.Stdout))) == 0, nil
}
