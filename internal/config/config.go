// Package config provides configuration management for darkwatch.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/darkwatch/internal/alerting"
	"github.com/lvonguyen/darkwatch/internal/classification"
	"github.com/lvonguyen/darkwatch/internal/dedup"
	"github.com/lvonguyen/darkwatch/internal/engine"
	"github.com/lvonguyen/darkwatch/internal/history"
	"github.com/lvonguyen/darkwatch/internal/matching"
	"github.com/lvonguyen/darkwatch/internal/normalization"
	"github.com/lvonguyen/darkwatch/internal/observability"
	"github.com/lvonguyen/darkwatch/internal/sources"
)

// Run modes.
const (
	ModeOnce       = "once"
	ModeContinuous = "continuous"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all darkwatch configuration. A loaded Config is treated as an
// immutable snapshot; reloads produce a new value.
type Config struct {
	Server         ServerConfig                    `yaml:"server"`
	Monitor        MonitorConfig                   `yaml:"monitor"`
	TargetsFile    string                          `yaml:"targets_file"`
	Engine         engine.Config                   `yaml:"engine"`
	Sources        SourcesConfig                   `yaml:"sources"`
	Normalization  normalization.NormalizerConfig  `yaml:"normalization"`
	Matching       matching.EngineConfig           `yaml:"matching"`
	Classification classification.ClassifierConfig `yaml:"classification"`
	Dedup          dedup.Config                    `yaml:"dedup"`
	Redis          RedisConfig                     `yaml:"redis"`
	Alerting       alerting.Config                 `yaml:"alerting"`
	History        history.Config                  `yaml:"history"`
	Logging        LoggingConfig                   `yaml:"logging"`
	Telemetry      TelemetryConfig                 `yaml:"telemetry"`
}

// ServerConfig holds status API settings.
type ServerConfig struct {
	Enabled         bool            `yaml:"enabled"`
	Port            int             `yaml:"port"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig limits status API requests per client per minute. It needs
// redis; without it requests are not limited.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	IncludeHeaders    bool `yaml:"include_headers"`
}

// MonitorConfig holds scheduling settings.
type MonitorConfig struct {
	Mode     string        `yaml:"mode"` // once, continuous
	Interval time.Duration `yaml:"interval"`
}

// SourcesConfig selects adapters and bounds their calls.
type SourcesConfig struct {
	Enabled []string      `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`

	Adapters sources.Config `yaml:",inline"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds metrics and tracing settings.
type TelemetryConfig struct {
	Environment    string  `yaml:"environment"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// Load reads configuration from a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	eng := engine.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Enabled:         true,
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 120,
				IncludeHeaders:    true,
			},
		},
		Monitor: MonitorConfig{
			Mode:     ModeContinuous,
			Interval: time.Hour,
		},
		TargetsFile: "configs/targets.json",
		Engine:      eng,
		Sources: SourcesConfig{
			Enabled:  []string{"rss", "ahmia", "hibp", "urlhaus"},
			Timeout:  eng.Gather.Timeout,
			Retries:  eng.Gather.Retries,
			Backoff:  eng.Gather.Backoff,
			Adapters: sources.DefaultConfig(),
		},
		Normalization: normalization.NormalizerConfig{
			MaxTextLength: 20000,
		},
		Matching: matching.EngineConfig{
			MinScore: matching.DefaultMinScore,
		},
		Classification: classification.DefaultClassifierConfig(),
		Dedup: dedup.Config{
			Backend:    dedup.BackendSQLite,
			Retention:  dedup.DefaultRetention,
			KeyPrefix:  dedup.DefaultKeyPrefix,
			SQLitePath: "data/dedup.db",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Alerting: alerting.DefaultConfig(),
		History:  history.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			MetricsEnabled: true,
			OTLPEndpoint:   "localhost:4317",
			SamplingRate:   1.0,
		},
	}
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Monitor.Mode == ModeOnce || c.Monitor.Mode == ModeContinuous,
		"monitor.mode must be %q or %q, got %q", ModeOnce, ModeContinuous, c.Monitor.Mode)
	check(c.Monitor.Mode != ModeContinuous || c.Monitor.Interval > 0,
		"monitor.interval must be positive in continuous mode")
	check(c.Engine.ConfidenceThreshold >= 0 && c.Engine.ConfidenceThreshold <= 100,
		"engine.confidence_threshold must be within 0..100")
	check(c.Engine.MaxAlertsPerCycle > 0, "engine.max_alerts_per_cycle must be positive")
	check(c.Engine.CycleTimeout >= 0, "engine.cycle_timeout must not be negative")
	check(c.Matching.MinScore >= 0 && c.Matching.MinScore <= 100, "matching.min_score must be within 0..100")
	check(c.Sources.Retries >= 0, "sources.retries must not be negative")
	check(c.Sources.Timeout >= 0, "sources.timeout must not be negative")
	check(c.Dedup.Retention > 0, "dedup.retention must be positive")
	check(slices.Contains([]string{dedup.BackendMemory, dedup.BackendRedis, dedup.BackendSQLite}, c.Dedup.Backend),
		"dedup.backend %q is not supported", c.Dedup.Backend)
	check(c.Dedup.Backend != dedup.BackendSQLite || c.Dedup.SQLitePath != "",
		"dedup.sqlite_path is required for the sqlite backend")
	check(c.Dedup.Backend != dedup.BackendRedis || c.Redis.Addr != "",
		"redis.addr is required for the redis backend")
	check(c.TargetsFile != "", "targets_file is required")
	check(!c.Server.Enabled || (c.Server.Port > 0 && c.Server.Port < 65536), "server.port is out of range")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// EnabledSources returns the configured adapter names without duplicates, in
// configuration order.
func (c *Config) EnabledSources() []string {
	seen := make(map[string]struct{}, len(c.Sources.Enabled))
	var out []string
	for _, name := range c.Sources.Enabled {
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// EngineConfig returns the per-cycle orchestrator settings.
func (c *Config) EngineConfig() engine.Config {
	cfg := c.Engine
	cfg.Gather = engine.GatherConfig{
		Timeout: c.Sources.Timeout,
		Retries: c.Sources.Retries,
		Backoff: c.Sources.Backoff,
	}
	cfg.Retention = c.Dedup.Retention
	return cfg
}

// NeedsRedis reports whether any component uses the redis connection.
func (c *Config) NeedsRedis() bool {
	return c.Dedup.Backend == dedup.BackendRedis || (c.Server.Enabled && c.Server.RateLimit.Enabled)
}

// TelemetrySettings maps logging and telemetry sections onto the
// observability configuration.
func (c *Config) TelemetrySettings(version string) observability.Config {
	return observability.Config{
		ServiceName:    "darkwatch",
		ServiceVersion: version,
		Environment:    c.Telemetry.Environment,
		LogLevel:       c.Logging.Level,
		LogFormat:      c.Logging.Format,
		TracingEnabled: c.Telemetry.TracingEnabled,
		OTLPEndpoint:   c.Telemetry.OTLPEndpoint,
		SamplingRate:   c.Telemetry.SamplingRate,
		MetricsEnabled: c.Telemetry.MetricsEnabled,
	}
}
