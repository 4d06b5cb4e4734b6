package config

// DefaultConfig returns the built-in configuration: both bundled harness
// adapters registered, conservative guardrails, retry-twice failure
// handling, sync off until a remote is configured.
func DefaultConfig() *Config {
	return &Config{
		DefaultHarness: "claude",
		Harnesses: map[string]HarnessConfig{
			"claude": {Type: "claude"},
			"codex":  {Type: "codex"},
		},
		Guardrails: GuardrailConfig{
			BudgetTokens:      0, // unlimited until set
			WarnAt:            0.8,
			MaxIterations:     50,
			MaxTaskIterations: 5,
		},
		Failure: FailureConfig{
			Mode:       "retry",
			MaxRetries: 2,
		},
		Hooks: HooksConfig{
			TimeoutSeconds: 60,
		},
		Sync: SyncConfig{
			Enabled:     false,
			PullOnStart: true,
		},
		Store: StoreConfig{
			Path:                     ".agentloop/tasks.db",
			StaleClaimTimeoutMinutes: 120,
		},
		Exec: ExecConfig{
			TaskTimeoutMinutes: 30,
		},
	}
}
