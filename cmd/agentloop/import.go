package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/aristath/agentloop/internal/backlog"
	"github.com/aristath/agentloop/internal/store"
)

func newImportCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "import <backlog.yaml>...",
		Short: "Import tasks from YAML backlog files into the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			total := 0
			for _, path := range args {
				tasks, warnings, err := backlog.Load(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				for _, w := range warnings {
					logger.Warn("backlog warning", "file", path, "warning", w)
				}
				created, err := backlog.Import(cmd.Context(), st, tasks)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Printf("%s: %d tasks (%d new)\n", path, len(tasks), created)
				total += created
			}
			fmt.Printf("imported %d new tasks\n", total)
			return nil
		},
	}
}
