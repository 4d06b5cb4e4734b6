package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/agentloop/internal/store"
)

func newStatusCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the backlog and its progress",
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

			tasks, err := st.ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := st.Counts(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIO\tDEPS\tTITLE")
			for _, t := range tasks {
				if !all && t.Status == "closed" {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					t.ID, t.Status, t.Priority, len(t.DependsOn), t.Title)
			}
			w.Flush()

			fmt.Printf("\n%d open, %d in progress, %d closed, %d failed\n",
				counts.Open, counts.InProgress, counts.Closed, counts.Failed)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include closed tasks")
	return cmd
}
