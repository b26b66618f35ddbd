// Package config provides configuration loading and management for Manifest.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Manifest configuration.
type Config struct {
	AI        AIConfig        `yaml:"ai"`
	Swarm     SwarmConfig     `yaml:"swarm"`
	Verify    VerifyConfig    `yaml:"verify"`
	Rank      RankConfig      `yaml:"rank"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Repo      RepoConfig      `yaml:"repo"`
	NATS      NATSConfig      `yaml:"nats"`
}

// AIConfig configures the AI Gateway: concurrency, deadlines, and cost
// accounting shared across every Purpose call.
type AIConfig struct {
	// Concurrency is the global ceiling on outstanding AI calls, subject
	// to the Gateway's rate-limit throttle.
	Concurrency int `yaml:"concurrency"`
	// CallDeadline bounds a single AI Gateway call.
	CallDeadline time.Duration `yaml:"call_deadline"`
	// CostCeiling is the maximum dollar spend of the one Ledger a
	// manifest process shares across its Intents. Zero means unlimited.
	CostCeiling float64 `yaml:"cost_ceiling"`
}

// StrategyDistribution maps an AttemptStrategy name to how many Attempts
// the Generation Swarm should produce using it.
type StrategyDistribution map[string]int

// SwarmConfig configures the Generation Swarm's fan-out.
type SwarmConfig struct {
	// DefaultCount is checked by Validate not to exceed MaxCount. The
	// Generation Swarm does not read it; it generates exactly the
	// Distribution's total.
	DefaultCount int `yaml:"default_count"`
	// MaxCount must be positive and at least DefaultCount. The Generation
	// Swarm does not cap the Distribution's total by it.
	MaxCount int `yaml:"max_count"`
	// Distribution maps strategy name to count; must sum to the
	// requested total.
	Distribution StrategyDistribution `yaml:"distribution"`
}

// VerifyConfig configures the Verification Harness.
type VerifyConfig struct {
	// Concurrency must be positive. The Orchestrator does not read it:
	// it verifies an Intent's Attempts one at a time.
	Concurrency int `yaml:"concurrency"`
	// StageDeadline bounds each verification stage (typecheck, lint,
	// unit tests, spec tests).
	StageDeadline time.Duration `yaml:"stage_deadline"`
	// FlakyRetries is how many extra times a flaky-prone stage (unit or
	// spec tests) may be re-run; the stage passes if passes strictly
	// exceed half the total runs.
	FlakyRetries int `yaml:"flaky_retries"`
	// AutoInstallDependencies lets the harness run a package manager
	// install step before typecheck/lint/tests.
	AutoInstallDependencies bool `yaml:"auto_install_dependencies"`
	// AllowNetworkInTests is loaded and merged but not read; test stages
	// run with whatever network access the process has, whatever its
	// value.
	AllowNetworkInTests bool `yaml:"allow_network_in_tests"`
	// CleanupWorkspaces is loaded and merged but not read;
	// workspace.Manager.With removes every workspace when its callback
	// returns, whatever its value.
	CleanupWorkspaces bool `yaml:"cleanup_workspaces"`
}

// RankWeights holds the relative weight of each scoring axis; they are
// renormalized when an axis (e.g. readability) is unavailable for a run.
type RankWeights struct {
	Assertions  float64 `yaml:"assertions"`
	Simplicity  float64 `yaml:"simplicity"`
	Readability float64 `yaml:"readability"`
	Performance float64 `yaml:"performance"`
}

// RankConfig configures the Ranking Engine.
type RankConfig struct {
	// TopK is how many Survivors are presented to the human per judgment
	// round.
	TopK    int         `yaml:"top_k"`
	Weights RankWeights `yaml:"weights"`
}

// WorkspaceConfig configures the Workspace Manager.
type WorkspaceConfig struct {
	// DiskCapBytes is the total disk budget for all live workspaces.
	// Acquisition blocks when it would be exceeded.
	DiskCapBytes int64 `yaml:"disk_cap_bytes"`
	// AcquireDeadline is loaded and merged but not passed to the Workspace
	// Manager; acquisition waits until the caller's context ends.
	AcquireDeadline time.Duration `yaml:"acquire_deadline"`
	// Root is the parent directory under which per-Attempt workspaces
	// are created.
	Root string `yaml:"root"`
}

// RepoConfig configures the source repository settings.
type RepoConfig struct {
	// Path is the repository root path (auto-detected from git if empty).
	Path string `yaml:"path"`
}

// NATSConfig configures the NATS connection backing the Store.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded indicates whether to use an embedded NATS server.
	Embedded bool `yaml:"embedded"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Concurrency:  4,
			CallDeadline: 2 * time.Minute,
			CostCeiling:  1.0,
		},
		Swarm: SwarmConfig{
			DefaultCount: 4,
			MaxCount:     20,
			Distribution: StrategyDistribution{
				"vanilla":   2,
				"minimal":   1,
				"defensive": 1,
			},
		},
		Verify: VerifyConfig{
			Concurrency:             4,
			StageDeadline:           3 * time.Minute,
			FlakyRetries:            2,
			AutoInstallDependencies: false,
			AllowNetworkInTests:     false,
			CleanupWorkspaces:       true,
		},
		Rank: RankConfig{
			TopK: 3,
			Weights: RankWeights{
				Assertions:  0.4,
				Simplicity:  0.2,
				Readability: 0.2,
				Performance: 0.2,
			},
		},
		Workspace: WorkspaceConfig{
			DiskCapBytes:    5 * 1024 * 1024 * 1024,
			AcquireDeadline: 30 * time.Second,
			Root:            "",
		},
		Repo: RepoConfig{
			Path: "", // Auto-detect
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.AI.Concurrency <= 0 {
		return fmt.Errorf("ai.concurrency must be positive")
	}
	if c.AI.CostCeiling < 0 {
		return fmt.Errorf("ai.cost_ceiling must not be negative")
	}
	if c.Swarm.MaxCount <= 0 {
		return fmt.Errorf("swarm.max_count must be positive")
	}
	if c.Swarm.DefaultCount > c.Swarm.MaxCount {
		return fmt.Errorf("swarm.default_count exceeds swarm.max_count")
	}
	if c.Verify.Concurrency <= 0 {
		return fmt.Errorf("verify.concurrency must be positive")
	}
	if c.Verify.FlakyRetries < 0 {
		return fmt.Errorf("verify.flaky_retries must not be negative")
	}
	if c.Rank.TopK <= 0 {
		return fmt.Errorf("rank.top_k must be positive")
	}
	if c.Workspace.DiskCapBytes <= 0 {
		return fmt.Errorf("workspace.disk_cap_bytes must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, starting from
// DefaultConfig so unset fields keep sensible values.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one; other takes precedence for
// non-zero values, except the Verify boolean flags, which are always
// copied from other.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.AI.Concurrency != 0 {
		c.AI.Concurrency = other.AI.Concurrency
	}
	if other.AI.CallDeadline != 0 {
		c.AI.CallDeadline = other.AI.CallDeadline
	}
	if other.AI.CostCeiling != 0 {
		c.AI.CostCeiling = other.AI.CostCeiling
	}

	if other.Swarm.DefaultCount != 0 {
		c.Swarm.DefaultCount = other.Swarm.DefaultCount
	}
	if other.Swarm.MaxCount != 0 {
		c.Swarm.MaxCount = other.Swarm.MaxCount
	}
	if len(other.Swarm.Distribution) > 0 {
		c.Swarm.Distribution = other.Swarm.Distribution
	}

	if other.Verify.Concurrency != 0 {
		c.Verify.Concurrency = other.Verify.Concurrency
	}
	if other.Verify.StageDeadline != 0 {
		c.Verify.StageDeadline = other.Verify.StageDeadline
	}
	if other.Verify.FlakyRetries != 0 {
		c.Verify.FlakyRetries = other.Verify.FlakyRetries
	}
	c.Verify.AutoInstallDependencies = other.Verify.AutoInstallDependencies
	c.Verify.AllowNetworkInTests = other.Verify.AllowNetworkInTests
	c.Verify.CleanupWorkspaces = other.Verify.CleanupWorkspaces

	if other.Rank.TopK != 0 {
		c.Rank.TopK = other.Rank.TopK
	}
	if other.Rank.Weights != (RankWeights{}) {
		c.Rank.Weights = other.Rank.Weights
	}

	if other.Workspace.DiskCapBytes != 0 {
		c.Workspace.DiskCapBytes = other.Workspace.DiskCapBytes
	}
	if other.Workspace.AcquireDeadline != 0 {
		c.Workspace.AcquireDeadline = other.Workspace.AcquireDeadline
	}
	if other.Workspace.Root != "" {
		c.Workspace.Root = other.Workspace.Root
	}

	if other.Repo.Path != "" {
		c.Repo.Path = other.Repo.Path
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
}
