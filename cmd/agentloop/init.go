package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/agentloop/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a project .agentloop directory with a starter config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(".agentloop", "config.json")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Join(".agentloop", "logs"), 0o755); err != nil {
				return err
			}
			fmt.Printf("created %s\n", path)
			fmt.Println("edit it to set your harness, budget, and sync remote, then run:")
			fmt.Println("  agentloop import backlog.yaml")
			fmt.Println("  agentloop run")
			return nil
		},
	}
}
