package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/agentloop/internal/config"
	"github.com/aristath/agentloop/internal/events"
	"github.com/aristath/agentloop/internal/execx"
	"github.com/aristath/agentloop/internal/failure"
	"github.com/aristath/agentloop/internal/graph"
	"github.com/aristath/agentloop/internal/guardrail"
	"github.com/aristath/agentloop/internal/harness"
	"github.com/aristath/agentloop/internal/hooks"
	"github.com/aristath/agentloop/internal/loop"
	"github.com/aristath/agentloop/internal/statesync"
	"github.com/aristath/agentloop/internal/store"
	"github.com/aristath/agentloop/internal/supervisor"
)

func newRunCmd(pm *execx.ProcessManager, logger *slog.Logger) *cobra.Command {
	var (
		once          bool
		epic          string
		label         string
		budget        int64
		maxIterations int
		harnessName   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the execution loop until the backlog drains or a guardrail stops it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if budget > 0 {
				cfg.Guardrails.BudgetTokens = budget
			}
			if maxIterations > 0 {
				cfg.Guardrails.MaxIterations = maxIterations
			}
			if harnessName == "" {
				harnessName = cfg.DefaultHarness
			}
			hcfg, ok := cfg.Harnesses[harnessName]
			if !ok {
				return fmt.Errorf("unknown harness %q", harnessName)
			}

			st, err := store.Open(cmd.Context(), cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			h, err := harness.New(harness.Config{
				Type:    hcfg.Type,
				Command: hcfg.Command,
				Model:   hcfg.Model,
				Args:    hcfg.Args,
			}, pm)
			if err != nil {
				return err
			}

			repoPath, err := os.Getwd()
			if err != nil {
				return err
			}
			sup := supervisor.New(h, supervisor.Config{
				RepoPath:   repoPath,
				Timeout:    cfg.TaskTimeout(),
				CleanCheck: cfg.Exec.CleanCheck,
			}, supervisor.NewBreakerRegistry(logger), logger)

			mode, err := failure.ParseMode(cfg.Failure.Mode)
			if err != nil {
				return err
			}

			var syncer *statesync.Syncer
			if cfg.Sync.Enabled {
				syncer = statesync.New(repoPath, cfg.Sync.Remote, logger)
			}

			sessionID := loop.NewSessionID()
			logPath := filepath.Join(filepath.Dir(cfg.Store.Path), "logs", sessionID+".jsonl")
			writer, err := events.NewLogWriter(logPath)
			if err != nil {
				return err
			}
			bus := events.NewBus()
			writer.Drain(bus.Subscribe(0))

			lp := loop.New(loop.Deps{
				Store:      st,
				Supervisor: sup,
				Failures:   failure.NewHandler(mode, cfg.Failure.MaxRetries),
				Meter: guardrail.NewMeter(guardrail.Limits{
					BudgetTokens:      cfg.Guardrails.BudgetTokens,
					WarnAt:            cfg.Guardrails.WarnAt,
					MaxIterations:     cfg.Guardrails.MaxIterations,
					MaxTaskIterations: cfg.Guardrails.MaxTaskIterations,
				}),
				Hooks:  hooks.NewDispatcher(hookConfig(cfg), pm, logger),
				Sync:   syncer,
				Bus:    bus,
				Logger: logger,

				HarnessName:       harnessName,
				StaleClaimTimeout: cfg.StaleClaimTimeout(),
				PullOnStart:       cfg.Sync.PullOnStart,
			})

			res, err := lp.RunSession(cmd.Context(), loop.Options{
				SessionID:    sessionID,
				Filters:      graph.Filters{Epic: epic, Label: label},
				Once:         once,
				SystemPrompt: cfg.SystemPrompt,
			})

			bus.Close()
			if cerr := writer.Close(); cerr != nil {
				logger.Warn("closing event log failed", "err", cerr)
			}
			if err != nil {
				return err
			}

			printSummary(res, writer.Path())
			if code := exitCode(res.State); code != exitOK {
				return &sessionExit{code: code}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single task, then exit")
	cmd.Flags().StringVar(&epic, "epic", "", "only run tasks under this epic")
	cmd.Flags().StringVar(&label, "label", "", "only run tasks carrying this label")
	cmd.Flags().Int64Var(&budget, "budget", 0, "token budget for this session (overrides config)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration cap for this session (overrides config)")
	cmd.Flags().StringVar(&harnessName, "harness", "", "harness to use (defaults to config)")
	return cmd
}

func hookConfig(cfg *config.Config) hooks.Config {
	toHooks := func(hs []config.HookConfig) []hooks.Hook {
		out := make([]hooks.Hook, len(hs))
		for i, h := range hs {
			out[i] = hooks.Hook{Command: h.Command, Async: h.Async}
		}
		return out
	}
	return hooks.Config{
		Hooks: map[hooks.Event][]hooks.Hook{
			hooks.PreLoop:  toHooks(cfg.Hooks.PreLoop),
			hooks.PostLoop: toHooks(cfg.Hooks.PostLoop),
			hooks.PreTask:  toHooks(cfg.Hooks.PreTask),
			hooks.PostTask: toHooks(cfg.Hooks.PostTask),
			hooks.OnError:  toHooks(cfg.Hooks.OnError),
		},
		Timeout:  cfg.HookTimeout(),
		FailFast: cfg.Hooks.FailFast,
	}
}

func printSummary(res loop.Result, logPath string) {
	fmt.Printf("session %s finished: %s", res.SessionID, res.State)
	if res.Reason != "" {
		fmt.Printf(" (%s)", res.Reason)
	}
	fmt.Println()
	fmt.Printf("tasks: %d closed, %d open, %d failed\n",
		res.Counts.Closed, res.Counts.Open, res.Counts.Failed)
	fmt.Printf("usage: %d tokens, %d iterations\n", res.TokensUsed, res.Iterations)
	fmt.Printf("event log: %s\n", logPath)
}
