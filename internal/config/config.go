// Package config loads the expedition.toml run configuration.
//
// Configuration is resolved once at process start and threaded explicitly
// into every entry point; no component reads the environment or ambient
// global state.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/deeplook/expedition/internal/runfs"
)

// Duration is a time.Duration that decodes from TOML strings ("45m", "2h").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full run configuration.
type Config struct {
	Run     RunConfig           `toml:"run"`
	Limits  LimitsConfig        `toml:"limits"`
	Budgets map[string]Duration `toml:"budgets"`
	Toggles map[string]bool     `toml:"toggles"`
}

// RunConfig holds orchestrator-level settings.
type RunConfig struct {
	// DefaultDriver is the driver family used when tick is invoked
	// without an explicit --driver flag (fixture, live, or task).
	DefaultDriver string `toml:"default_driver"`

	// RetryCap bounds how many times a retry directive may be consumed
	// per gate before the run requires operator escalation.
	RetryCap int `toml:"retry_cap"`
}

// LimitsConfig holds the per-run resource limits seeded into the manifest.
type LimitsConfig struct {
	MaxAgentsPerWave    int   `toml:"max_agents_per_wave"`
	MaxSummaryBytes     int64 `toml:"max_summary_bytes"`
	MaxReviewIterations int   `toml:"max_review_iterations"`
}

// Default returns the configuration used when no expedition.toml exists.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			DefaultDriver: "task",
			RetryCap:      3,
		},
		Limits: LimitsConfig{
			MaxAgentsPerWave:    6,
			MaxSummaryBytes:     256 * 1024,
			MaxReviewIterations: 3,
		},
		Budgets: map[string]Duration{
			"init":         {30 * time.Minute},
			"perspectives": {45 * time.Minute},
			"wave1":        {3 * time.Hour},
			"pivot":        {30 * time.Minute},
			"wave2":        {3 * time.Hour},
			"citations":    {90 * time.Minute},
			"summaries":    {90 * time.Minute},
			"synthesis":    {2 * time.Hour},
			"review":       {2 * time.Hour},
			"finalize":     {30 * time.Minute},
		},
		Toggles: map[string]bool{},
	}
}

// Load reads and validates expedition.toml at path.
// A missing file yields Default() with no error; settings present in the
// file override defaults field by field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from a trusted run root
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes expedition.toml content, applying defaults for absent fields.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing TOML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write serializes the config as TOML at path, atomically.
func Write(path string, c *Config) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return runfs.WriteFileAtomic(path, data)
}

// Validate checks the configuration for values the orchestrator cannot run with.
func (c *Config) Validate() error {
	switch c.Run.DefaultDriver {
	case "fixture", "live", "task":
	default:
		return fmt.Errorf("invalid default_driver %q (must be fixture, live, or task)", c.Run.DefaultDriver)
	}
	if c.Run.RetryCap < 1 {
		return fmt.Errorf("retry_cap must be at least 1, got %d", c.Run.RetryCap)
	}
	if c.Limits.MaxAgentsPerWave < 1 {
		return fmt.Errorf("max_agents_per_wave must be at least 1, got %d", c.Limits.MaxAgentsPerWave)
	}
	if c.Limits.MaxSummaryBytes < 1 {
		return fmt.Errorf("max_summary_bytes must be positive, got %d", c.Limits.MaxSummaryBytes)
	}
	if c.Limits.MaxReviewIterations < 1 {
		return fmt.Errorf("max_review_iterations must be at least 1, got %d", c.Limits.MaxReviewIterations)
	}
	for stage, budget := range c.Budgets {
		if budget.Duration <= 0 {
			return fmt.Errorf("budget for stage %q must be positive, got %s", stage, budget.Duration)
		}
	}
	return nil
}

// Budget returns the wall-clock budget for a stage name, or zero if none
// is configured (zero means the watchdog never flags that stage).
func (c *Config) Budget(stage string) time.Duration {
	if b, ok := c.Budgets[stage]; ok {
		return b.Duration
	}
	return 0
}

// Enabled reports whether a feature toggle is on. Unset toggles are enabled;
// a toggle exists to switch features off.
func (c *Config) Enabled(feature string) bool {
	if v, ok := c.Toggles[feature]; ok {
		return v
	}
	return true
}
