package config

import (
	"path/filepath"
	"testing"
)

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".agentloop", "config.json")

	cfg := DefaultConfig()
	cfg.Guardrails.BudgetTokens = 25000
	cfg.Sync = SyncConfig{Enabled: true, Remote: "origin", PullOnStart: true}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Guardrails.BudgetTokens != 25000 {
		t.Errorf("budget = %d", loaded.Guardrails.BudgetTokens)
	}
	if !loaded.Sync.Enabled || loaded.Sync.Remote != "origin" {
		t.Errorf("sync = %+v", loaded.Sync)
	}
}
