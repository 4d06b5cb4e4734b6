package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/agentloop/internal/statesync"
)

func newSyncCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate task state through git",
	}

	newSyncer := func() (*statesync.Syncer, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if !cfg.Sync.Enabled {
			return nil, fmt.Errorf("sync is disabled; set sync.enabled and sync.remote in config")
		}
		repo, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		return statesync.New(repo, cfg.Sync.Remote, logger), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "push",
		Short: "Publish local state deltas to the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSyncer()
			if err != nil {
				return err
			}
			if err := s.Push(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("state pushed")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "pull",
		Short: "Fetch and merge remote state deltas",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSyncer()
			if err != nil {
				return err
			}
			resolved, err := s.Pull(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("state merged: %d tasks tracked\n", len(resolved))
			return nil
		},
	})

	return cmd
}
