package config

import "time"

// HarnessConfig defines one coding-agent CLI the loop can drive. Multiple
// named entries can share a Type with different models or args.
type HarnessConfig struct {
	Type    string   `json:"type"`              // adapter: "claude" or "codex"
	Command string   `json:"command,omitempty"` // binary override, defaults to Type
	Model   string   `json:"model,omitempty"`
	Args    []string `json:"args,omitempty"` // extra args appended to every invocation
}

// GuardrailConfig bounds a session. Zero budget or iteration values mean
// unlimited.
type GuardrailConfig struct {
	BudgetTokens      int64   `json:"budget_tokens"`
	WarnAt            float64 `json:"warn_at"`
	MaxIterations     int     `json:"max_iterations"`
	MaxTaskIterations int     `json:"max_task_iterations"`
}

// FailureConfig selects what the loop does when an attempt fails.
type FailureConfig struct {
	Mode       string `json:"mode"` // stop, move_on, retry, triage
	MaxRetries int    `json:"max_retries"`
}

// HookConfig is one shell command bound to a lifecycle point.
type HookConfig struct {
	Command string `json:"command"`
	Async   bool   `json:"async,omitempty"`
}

// HooksConfig binds commands to the loop's lifecycle points.
type HooksConfig struct {
	PreLoop  []HookConfig `json:"pre_loop,omitempty"`
	PostLoop []HookConfig `json:"post_loop,omitempty"`
	PreTask  []HookConfig `json:"pre_task,omitempty"`
	PostTask []HookConfig `json:"post_task,omitempty"`
	OnError  []HookConfig `json:"on_error,omitempty"`

	TimeoutSeconds int  `json:"timeout_seconds,omitempty"`
	FailFast       bool `json:"fail_fast,omitempty"`
}

// SyncConfig controls git-backed state replication.
type SyncConfig struct {
	Enabled     bool   `json:"enabled"`
	Remote      string `json:"remote,omitempty"`
	PullOnStart bool   `json:"pull_on_start,omitempty"`
}

// StoreConfig locates the task database.
type StoreConfig struct {
	Path                     string `json:"path"`
	StaleClaimTimeoutMinutes int    `json:"stale_claim_timeout_minutes"`
}

// ExecConfig bounds individual harness invocations.
type ExecConfig struct {
	TaskTimeoutMinutes int  `json:"task_timeout_minutes"`
	CleanCheck         bool `json:"clean_check,omitempty"` // fail attempts that leave the worktree dirty
}

// Config is the top-level configuration.
type Config struct {
	DefaultHarness string                   `json:"default_harness"`
	Harnesses      map[string]HarnessConfig `json:"harnesses"`
	SystemPrompt   string                   `json:"system_prompt,omitempty"`

	Guardrails GuardrailConfig `json:"guardrails"`
	Failure    FailureConfig   `json:"failure"`
	Hooks      HooksConfig     `json:"hooks"`
	Sync       SyncConfig      `json:"sync"`
	Store      StoreConfig     `json:"store"`
	Exec       ExecConfig      `json:"exec"`
}

// TaskTimeout returns the per-invocation ceiling as a duration.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.Exec.TaskTimeoutMinutes) * time.Minute
}

// StaleClaimTimeout returns the claim-reclaim cutoff as a duration.
func (c *Config) StaleClaimTimeout() time.Duration {
	return time.Duration(c.Store.StaleClaimTimeoutMinutes) * time.Minute
}

// HookTimeout returns the per-hook ceiling as a duration.
func (c *Config) HookTimeout() time.Duration {
	return time.Duration(c.Hooks.TimeoutSeconds) * time.Second
}
