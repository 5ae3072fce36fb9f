// Package config holds all engine configuration, loaded from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration.
type Config struct {
	Runtimes   RuntimesConfig   `yaml:"runtimes"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Limits     LimitsConfig     `yaml:"limits"`
	Helpers    HelpersConfig    `yaml:"helpers"`
	FuelPolicy FuelPolicyConfig `yaml:"fuel_policy"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// RuntimesConfig lists the guest interpreter artifacts to load at startup.
type RuntimesConfig struct {
	ArtifactDir string            `yaml:"artifact_dir"`
	Artifacts   []ArtifactConfig  `yaml:"artifacts"`
	CacheDir    string            `yaml:"cache_dir"` // compilation cache; empty = in-memory only
}

// ArtifactConfig describes one versioned interpreter artifact.
type ArtifactConfig struct {
	Language     string   `yaml:"language"`
	Path         string   `yaml:"path"` // relative to ArtifactDir unless absolute
	Version      string   `yaml:"version"`
	Capabilities []string `yaml:"capabilities"`
}

// SessionsConfig controls session storage and lifecycle.
type SessionsConfig struct {
	RootDir         string        `yaml:"root_dir"`      // parent of all session working directories
	DBPath          string        `yaml:"db_path"`       // sqlite session store
	IdleTimeout     time.Duration `yaml:"idle_timeout"`  // IDLE -> EVICTED after this much inactivity
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	MaxPerTransport int           `yaml:"max_per_transport"` // non-evicted session ceiling per transport key
	AutoPersist     bool          `yaml:"auto_persist"`      // default for new sessions
}

// LimitsConfig holds default and maximum execution limits.
type LimitsConfig struct {
	DefaultFuel    uint64        `yaml:"default_fuel"`
	MaxFuel        uint64        `yaml:"max_fuel"`
	DefaultMemoryMB int64        `yaml:"default_memory_mb"`
	MaxMemoryMB    int64         `yaml:"max_memory_mb"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
}

// HelpersConfig locates the shared, read-only helper library mount.
type HelpersConfig struct {
	Dir string `yaml:"dir"`
}

// FuelPolicyConfig holds the utilization band thresholds and budget
// recommendation multipliers. These are policy knobs, not invariants.
type FuelPolicyConfig struct {
	ModerateAt         float64 `yaml:"moderate_at"`
	WarningAt          float64 `yaml:"warning_at"`
	CriticalAt         float64 `yaml:"critical_at"`
	WarningMultiplier  float64 `yaml:"warning_multiplier"`
	CriticalMultiplier float64 `yaml:"critical_multiplier"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Runtimes: RuntimesConfig{
			ArtifactDir: defaultDataDir("runtimes"),
			Artifacts: []ArtifactConfig{
				{Language: "python", Path: "python.wasm", Version: "3.12", Capabilities: []string{"stdlib-core", "json", "re"}},
				{Language: "javascript", Path: "quickjs.wasm", Version: "2024-01-13", Capabilities: []string{"std", "json"}},
			},
		},
		Sessions: SessionsConfig{
			RootDir:         defaultDataDir("sessions"),
			DBPath:          defaultDataDir("sessions.db"),
			IdleTimeout:     30 * time.Minute,
			SweepInterval:   time.Minute,
			MaxPerTransport: 32,
			AutoPersist:     true,
		},
		Limits: LimitsConfig{
			DefaultFuel:     10_000_000,
			MaxFuel:         1_000_000_000,
			DefaultMemoryMB: 256,
			MaxMemoryMB:     1024,
			DefaultTimeout:  30 * time.Second,
			MaxTimeout:      5 * time.Minute,
		},
		Helpers: HelpersConfig{
			Dir: defaultDataDir("helpers"),
		},
		FuelPolicy: FuelPolicyConfig{
			ModerateAt:         0.5,
			WarningAt:          0.75,
			CriticalAt:         0.90,
			WarningMultiplier:  1.5,
			CriticalMultiplier: 2.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Runtimes.Artifacts) == 0 {
		return fmt.Errorf("runtimes.artifacts must list at least one interpreter")
	}
	seen := make(map[string]bool, len(c.Runtimes.Artifacts))
	for _, a := range c.Runtimes.Artifacts {
		if a.Language == "" {
			return fmt.Errorf("runtimes.artifacts: language is required")
		}
		if seen[a.Language] {
			return fmt.Errorf("runtimes.artifacts: duplicate language %q", a.Language)
		}
		seen[a.Language] = true
		if a.Path == "" {
			return fmt.Errorf("runtimes.artifacts[%s]: path is required", a.Language)
		}
	}
	if c.Sessions.RootDir == "" {
		return fmt.Errorf("sessions.root_dir is required")
	}
	if c.Sessions.IdleTimeout <= 0 {
		return fmt.Errorf("sessions.idle_timeout must be positive, got %s", c.Sessions.IdleTimeout)
	}
	if c.Sessions.MaxPerTransport < 1 {
		return fmt.Errorf("sessions.max_per_transport must be >= 1")
	}
	if c.Limits.DefaultFuel == 0 || c.Limits.DefaultFuel > c.Limits.MaxFuel {
		return fmt.Errorf("limits.default_fuel must be in (0, max_fuel=%d]", c.Limits.MaxFuel)
	}
	if c.Limits.DefaultMemoryMB < 16 {
		return fmt.Errorf("limits.default_memory_mb must be >= 16, got %d", c.Limits.DefaultMemoryMB)
	}
	if c.Limits.DefaultMemoryMB > c.Limits.MaxMemoryMB {
		return fmt.Errorf("limits.default_memory_mb (%d) must be <= max_memory_mb (%d)",
			c.Limits.DefaultMemoryMB, c.Limits.MaxMemoryMB)
	}
	if c.Limits.DefaultTimeout > c.Limits.MaxTimeout {
		return fmt.Errorf("limits.default_timeout (%s) must be <= max_timeout (%s)",
			c.Limits.DefaultTimeout, c.Limits.MaxTimeout)
	}
	fp := c.FuelPolicy
	if !(fp.ModerateAt > 0 && fp.ModerateAt < fp.WarningAt && fp.WarningAt < fp.CriticalAt && fp.CriticalAt < 1) {
		return fmt.Errorf("fuel_policy thresholds must satisfy 0 < moderate < warning < critical < 1")
	}
	if fp.WarningMultiplier < 1 || fp.CriticalMultiplier < fp.WarningMultiplier {
		return fmt.Errorf("fuel_policy multipliers must satisfy 1 <= warning <= critical")
	}
	if c.Helpers.Dir == "" {
		log.Warn().Msg("helpers.dir is empty, guest code cannot load vendored helpers")
	}
	return nil
}

// ArtifactPath resolves an artifact's path against the artifact directory.
func (r RuntimesConfig) ArtifactPath(a ArtifactConfig) string {
	if filepath.IsAbs(a.Path) {
		return a.Path
	}
	return filepath.Join(r.ArtifactDir, a.Path)
}

func defaultDataDir(sub string) string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "enclave", sub)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "enclave", sub)
	}
	return filepath.Join(os.TempDir(), "enclave", sub)
}
