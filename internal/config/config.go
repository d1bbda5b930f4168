// Package config holds all configuration types and loading logic for the
// NightWatch daemon. Fields are only ever added, never renamed or removed, so
// old config files keep loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a NightWatch daemon instance.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Timer   TimerConfig   `yaml:"timer"`
	Journal JournalConfig `yaml:"journal"`
	Auth    AuthConfig    `yaml:"auth"`
	Metrics MetricsConfig `yaml:"metrics"`
	Limits  LimitsConfig  `yaml:"limits"`
}

// NodeConfig holds identity and network settings for this daemon.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// TimerConfig controls the timer-event queue itself.
type TimerConfig struct {
	// ResolutionMs bounds dispatch jitter: an event within one resolution
	// step of the sampled clock is considered due.
	ResolutionMs int `yaml:"resolution_ms"`
	// MaxPending caps concurrently pending timers. 0 = unlimited.
	MaxPending int `yaml:"max_pending"`
	// MaxScheduleAhead caps how far in the future a timer may be set.
	// Accepts Go durations plus a whole-number "d" (day) suffix, e.g. "90d".
	MaxScheduleAhead string `yaml:"max_schedule_ahead"`
	// MaxPayloadKB caps the opaque payload attached to one timer.
	MaxPayloadKB int `yaml:"max_payload_kb"`
}

// JournalConfig controls durable recording of pending timers.
type JournalConfig struct {
	// Enabled turns the bbolt journal on; pending timers then survive a
	// daemon restart.
	Enabled bool `yaml:"enabled"`
	// File is the journal filename inside node.data_dir.
	File string `yaml:"file"`
}

// AuthConfig controls API key authentication on the HTTP surface.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LimitsConfig sets per-client HTTP rate limiting.
type LimitsConfig struct {
	// MaxRate is requests per second per client IP.
	MaxRate float64 `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    7420,
			DataDir: "./data",
		},
		Timer: TimerConfig{
			ResolutionMs:     1,
			MaxPending:       100_000,
			MaxScheduleAhead: "90d",
			MaxPayloadKB:     64,
		},
		Journal: JournalConfig{
			Enabled: true,
			File:    "journal.db",
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9420,
		},
		Limits: LimitsConfig{
			MaxRate: 1_000,
			Burst:   5_000,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run NightWatch with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	NIGHTWATCH_AUTH_API_KEY — sets auth.api_key and enables auth
//	NIGHTWATCH_DATA_DIR     — sets node.data_dir
//	NIGHTWATCH_PORT         — sets node.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("NIGHTWATCH_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("NIGHTWATCH_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("NIGHTWATCH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Timer.ResolutionMs < 1 {
		return errors.New("timer.resolution_ms must be at least 1")
	}
	if c.Timer.MaxPending < 0 {
		return errors.New("timer.max_pending must be >= 0")
	}
	if c.Timer.MaxPayloadKB < 1 {
		return errors.New("timer.max_payload_kb must be at least 1")
	}
	if _, err := ParseSpan(c.Timer.MaxScheduleAhead); err != nil {
		return fmt.Errorf("timer.max_schedule_ahead: %w", err)
	}
	if c.Journal.Enabled && c.Journal.File == "" {
		return errors.New("journal.file must not be empty when the journal is enabled")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.Limits.MaxRate <= 0 {
		return errors.New("limits.max_rate must be positive")
	}
	if c.Limits.Burst < 1 {
		return errors.New("limits.burst must be at least 1")
	}
	return nil
}

// ParseSpan parses a duration string, accepting everything
// time.ParseDuration does plus a whole-number "d" (day) suffix.
func ParseSpan(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || days < 0 {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}
