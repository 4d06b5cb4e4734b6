package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aristath/agentloop/internal/failure"
)

// Load reads and merges configuration from global and project paths.
// Precedence, highest first: project config, global config, defaults.
// Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from the conventional paths.
// Global: ~/.agentloop/config.json
// Project: .agentloop/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".agentloop", "config.json")
	projectPath := filepath.Join(".agentloop", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile layers a JSON config file onto base. Unmarshalling into
// the existing struct only touches fields the file sets, and map entries
// merge key-wise, which is exactly the layering we want. Missing files
// are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the loop cannot run with.
func (c *Config) Validate() error {
	if c.DefaultHarness == "" {
		return fmt.Errorf("default_harness is not set")
	}
	if _, ok := c.Harnesses[c.DefaultHarness]; !ok {
		return fmt.Errorf("default_harness %q has no harness entry", c.DefaultHarness)
	}
	for name, h := range c.Harnesses {
		if h.Type == "" {
			return fmt.Errorf("harness %q has no type", name)
		}
	}
	if _, err := failure.ParseMode(c.Failure.Mode); err != nil {
		return fmt.Errorf("failure config: %w", err)
	}
	if c.Guardrails.WarnAt < 0 || c.Guardrails.WarnAt > 1 {
		return fmt.Errorf("guardrails.warn_at %v is not in [0, 1]", c.Guardrails.WarnAt)
	}
	if c.Sync.Enabled && c.Sync.Remote == "" {
		return fmt.Errorf("sync is enabled but sync.remote is empty")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is not set")
	}
	return nil
}
