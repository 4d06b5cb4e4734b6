// agentloop schedules tasks from a backlog over their dependency graph and
// executes them autonomously through an AI coding-agent CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/agentloop/internal/config"
	"github.com/aristath/agentloop/internal/execx"
	"github.com/aristath/agentloop/internal/loop"
)

// Exit codes per terminal state.
const (
	exitOK        = 0
	exitError     = 1
	exitAborted   = 2
	exitGuardrail = 3
	exitStopped   = 4
	exitCancelled = 5
)

func exitCode(state string) int {
	switch state {
	case loop.StateCompleted:
		return exitOK
	case loop.StateBudgetExceeded, loop.StateIterationExceeded:
		return exitGuardrail
	case loop.StateStoppedOnFailure:
		return exitStopped
	case loop.StateCancelled:
		return exitCancelled
	default:
		return exitAborted
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pm := execx.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			fmt.Fprintf(os.Stderr, "killing subprocesses: %v\n", err)
		}
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	root := newRootCmd(pm, logger)
	if err := root.ExecuteContext(ctx); err != nil {
		var se *sessionExit
		if errors.As(err, &se) {
			pm.KillAll()
			os.Exit(se.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		pm.KillAll()
		os.Exit(exitError)
	}
}

func newRootCmd(pm *execx.ProcessManager, logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "agentloop",
		Short:         "Autonomous task scheduling and execution loop",
		Long:          "agentloop drains a task backlog through an AI coding-agent CLI,\nrespecting dependencies, priorities, budgets, and failure policy.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(pm, logger),
		newImportCmd(logger),
		newStatusCmd(),
		newSyncCmd(logger),
		newInitCmd(),
	)
	return root
}

// sessionExit carries a terminal-state exit code through cobra's error
// return without printing it as an error.
type sessionExit struct {
	code int
}

func (e *sessionExit) Error() string { return fmt.Sprintf("exit %d", e.code) }

func loadConfig() (*config.Config, error) {
	return config.LoadDefault()
}
