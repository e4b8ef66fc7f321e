// Package config loads the daemon configuration from YAML with TASKROUTER_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Notifier    NotifierConfig    `yaml:"notifier"`
}

// StorageConfig holds SQLite settings.
type StorageConfig struct {
	Path string `yaml:"path"` // database file; ":memory:" for ephemeral
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// MaintenanceConfig holds the sweep schedules. Both accept cron expressions
// ("*/1 * * * *") or @every durations ("@every 30s").
type MaintenanceConfig struct {
	RoutePendingSchedule  string `yaml:"route_pending_schedule"`
	CheckTimeoutsSchedule string `yaml:"check_timeouts_schedule"`
}

// NotifierConfig holds outbound dispatch/callback settings.
type NotifierConfig struct {
	Enabled        bool          `yaml:"enabled"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RatePerSecond caps outbound notifications across all destinations;
	// 0 disables the limiter.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
	Breaker       BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the outbound circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: "./data/taskrouter.db",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Maintenance: MaintenanceConfig{
			RoutePendingSchedule:  "@every 30s",
			CheckTimeoutsSchedule: "@every 1m",
		},
		Notifier: NotifierConfig{
			Enabled:        true,
			RequestTimeout: 10 * time.Second,
			RatePerSecond:  20,
			RateBurst:      40,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			return cfg, Validate(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)
	return cfg, Validate(cfg)
}

// ApplyEnvOverrides maps TASKROUTER_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASKROUTER_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TASKROUTER_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("TASKROUTER_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("TASKROUTER_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("TASKROUTER_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("TASKROUTER_NOTIFIER_ENABLED"); v == "false" {
		cfg.Notifier.Enabled = false
	}
	if v := os.Getenv("TASKROUTER_NOTIFIER_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Notifier.RatePerSecond = rate
		}
	}
	if v := os.Getenv("TASKROUTER_ROUTE_PENDING_SCHEDULE"); v != "" {
		cfg.Maintenance.RoutePendingSchedule = v
	}
	if v := os.Getenv("TASKROUTER_CHECK_TIMEOUTS_SCHEDULE"); v != "" {
		cfg.Maintenance.CheckTimeoutsSchedule = v
	}
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg *Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required")
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: logger.format must be text or json, got %q", cfg.Logger.Format)
	}
	if cfg.Notifier.RatePerSecond < 0 {
		return fmt.Errorf("config: notifier.rate_per_second cannot be negative")
	}
	return nil
}
