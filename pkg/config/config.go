// Package config is the thin provider boundary through which the runtime
// reads its environment. Per §5, environment variables are read only at
// process edges; every other package receives a *Config value instead of
// calling os.Getenv directly.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved runtime configuration: environment
// variables layered over an optional workspace config.yaml, environment
// always winning.
type Config struct {
	StateDir             string `env:"SURFWRIGHT_STATE_DIR"`
	DaemonEnabled        bool   `env:"SURFWRIGHT_DAEMON" envDefault:"true"`
	BrowserTestTimeoutMs int    `env:"SURFWRIGHT_BROWSER_TEST_TIMEOUT_MS" envDefault:"30000"`

	// Scheduler tuning (§4.7 defaults).
	GlobalActiveLanes int `yaml:"globalActiveLanes"`
	LaneQueueDepth    int `yaml:"laneQueueDepth"`
	QueueWaitMs       int `yaml:"queueWaitMs"`

	// Profile lock tuning (§4.3 defaults).
	LockPollMs    int `yaml:"lockPollMs"`
	LockTimeoutMs int `yaml:"lockTimeoutMs"`
	LockStaleMs   int `yaml:"lockStaleMs"`

	// Session hygiene tuning (§4.4).
	ReconcileGraceMs int `yaml:"reconcileGraceMs"`
}

// fileOverrides is the subset of Config that config.yaml may populate.
// Environment variables (StateDir, DaemonEnabled, BrowserTestTimeoutMs) are
// intentionally excluded: those are process-edge values, not workspace
// tuning knobs.
type fileOverrides struct {
	GlobalActiveLanes *int `yaml:"globalActiveLanes"`
	LaneQueueDepth    *int `yaml:"laneQueueDepth"`
	QueueWaitMs       *int `yaml:"queueWaitMs"`
	LockPollMs        *int `yaml:"lockPollMs"`
	LockTimeoutMs     *int `yaml:"lockTimeoutMs"`
	LockStaleMs       *int `yaml:"lockStaleMs"`
	ReconcileGraceMs  *int `yaml:"reconcileGraceMs"`
}

// Defaults returns the spec-mandated defaults (§4.3, §4.7) before any
// environment or file overrides are applied.
func Defaults() Config {
	return Config{
		DaemonEnabled:        true,
		BrowserTestTimeoutMs: 30000,
		GlobalActiveLanes:    8,
		LaneQueueDepth:       8,
		QueueWaitMs:          2000,
		LockPollMs:           40,
		LockTimeoutMs:        2500,
		LockStaleMs:          20000,
		ReconcileGraceMs:     5000,
	}
}

// Load resolves configuration: Defaults(), then config.yaml if present in
// the workspace directory, then environment variables, in that order of
// increasing precedence.
func Load(workspaceDir string) (*Config, error) {
	cfg := Defaults()

	if workspaceDir != "" {
		if err := applyFile(&cfg, filepath.Join(workspaceDir, "config.yaml")); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var overrides fileOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return err
	}

	apply := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	apply(&cfg.GlobalActiveLanes, overrides.GlobalActiveLanes)
	apply(&cfg.LaneQueueDepth, overrides.LaneQueueDepth)
	apply(&cfg.QueueWaitMs, overrides.QueueWaitMs)
	apply(&cfg.LockPollMs, overrides.LockPollMs)
	apply(&cfg.LockTimeoutMs, overrides.LockTimeoutMs)
	apply(&cfg.LockStaleMs, overrides.LockStaleMs)
	apply(&cfg.ReconcileGraceMs, overrides.ReconcileGraceMs)

	return nil
}

// QueueWait returns QueueWaitMs as a time.Duration.
func (c *Config) QueueWait() time.Duration { return time.Duration(c.QueueWaitMs) * time.Millisecond }

// LockTimeout returns LockTimeoutMs as a time.Duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

// LockPoll returns LockPollMs as a time.Duration.
func (c *Config) LockPoll() time.Duration { return time.Duration(c.LockPollMs) * time.Millisecond }

// LockStale returns LockStaleMs as a time.Duration.
func (c *Config) LockStale() time.Duration { return time.Duration(c.LockStaleMs) * time.Millisecond }

// ReconcileGrace returns ReconcileGraceMs as a time.Duration.
func (c *Config) ReconcileGrace() time.Duration {
	return time.Duration(c.ReconcileGraceMs) * time.Millisecond
}
