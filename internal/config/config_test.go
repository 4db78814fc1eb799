package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lvonguyen/darkwatch/internal/dedup"
	"github.com/lvonguyen/darkwatch/internal/targets"
)

// =============================================================================
// Loading Tests
// =============================================================================

// TestDefaultConfig_Valid verifies the defaults pass validation.
func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Engine.ConfidenceThreshold != 80 || cfg.Engine.MaxAlertsPerCycle != 10 {
		t.Errorf("unexpected engine defaults %+v", cfg.Engine)
	}
	if cfg.Dedup.Retention != 7*24*time.Hour {
		t.Errorf("retention = %s", cfg.Dedup.Retention)
	}
}

// TestLoad_OverridesDefaults verifies YAML values override defaults while
// unspecified fields keep theirs.
func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
monitor:
  mode: once
engine:
  confidence_threshold: 70
  max_alerts_per_cycle: 3
  cycle_timeout: 45s
sources:
  enabled: [rss, github, rss]
  timeout: 5s
  retries: 1
  backoff: 250ms
  rss:
    feeds: ["https://feeds.example.org/a.xml"]
  github:
    token_env: GH_TOKEN
dedup:
  backend: memory
  retention: 48h
alerting:
  webhook:
    enabled: true
    url_env: HOOK
classification:
  category_rules:
    Finance:
      alert_all: true
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Monitor.Mode != ModeOnce {
		t.Errorf("mode = %s", cfg.Monitor.Mode)
	}
	if cfg.Monitor.Interval != time.Hour {
		t.Errorf("interval default lost: %s", cfg.Monitor.Interval)
	}

	eng := cfg.EngineConfig()
	if eng.ConfidenceThreshold != 70 || eng.MaxAlertsPerCycle != 3 || eng.CycleTimeout != 45*time.Second {
		t.Errorf("engine = %+v", eng)
	}
	if eng.Gather.Timeout != 5*time.Second || eng.Gather.Retries != 1 || eng.Gather.Backoff != 250*time.Millisecond {
		t.Errorf("gather = %+v", eng.Gather)
	}

	if got := cfg.EnabledSources(); strings.Join(got, ",") != "rss,github" {
		t.Errorf("EnabledSources() = %v", got)
	}
	if feeds := cfg.Sources.Adapters.RSS.Feeds; len(feeds) != 1 || feeds[0] != "https://feeds.example.org/a.xml" {
		t.Errorf("rss feeds = %v", feeds)
	}
	if cfg.Sources.Adapters.GitHub.TokenEnv != "GH_TOKEN" {
		t.Errorf("github token env = %s", cfg.Sources.Adapters.GitHub.TokenEnv)
	}
	if cfg.Dedup.Backend != dedup.BackendMemory || cfg.Dedup.Retention != 48*time.Hour {
		t.Errorf("dedup = %+v", cfg.Dedup)
	}
	if !cfg.Alerting.Webhook.Enabled || cfg.Alerting.Webhook.URLEnv != "HOOK" {
		t.Errorf("webhook = %+v", cfg.Alerting.Webhook)
	}
	if cfg.Alerting.Webhook.RetryCount != 2 {
		t.Errorf("webhook defaults lost: %+v", cfg.Alerting.Webhook)
	}
	if !cfg.Classification.CategoryRules["Finance"].AlertAll {
		t.Error("category rule not loaded")
	}
}

// TestLoad_MissingFile verifies read errors surface.
func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error")
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

// TestValidate covers invalid settings.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Monitor.Mode = "sometimes" }},
		{"zero interval", func(c *Config) { c.Monitor.Interval = 0 }},
		{"threshold above 100", func(c *Config) { c.Engine.ConfidenceThreshold = 101 }},
		{"zero cap", func(c *Config) { c.Engine.MaxAlertsPerCycle = 0 }},
		{"negative retries", func(c *Config) { c.Sources.Retries = -1 }},
		{"unknown dedup backend", func(c *Config) { c.Dedup.Backend = "etcd" }},
		{"zero retention", func(c *Config) { c.Dedup.Retention = 0 }},
		{"sqlite without path", func(c *Config) { c.Dedup.SQLitePath = "" }},
		{"redis without addr", func(c *Config) { c.Dedup.Backend = dedup.BackendRedis; c.Redis.Addr = "" }},
		{"no targets file", func(c *Config) { c.TargetsFile = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}

	t.Run("once mode ignores interval", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Monitor.Mode = ModeOnce
		cfg.Monitor.Interval = 0
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() = %v", err)
		}
	})
}

// TestNeedsRedis verifies when a redis connection is required.
func TestNeedsRedis(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.NeedsRedis() {
		t.Error("defaults should not need redis")
	}
	cfg.Server.RateLimit.Enabled = true
	if !cfg.NeedsRedis() {
		t.Error("rate limiting needs redis")
	}
	cfg = DefaultConfig()
	cfg.Dedup.Backend = dedup.BackendRedis
	if !cfg.NeedsRedis() {
		t.Error("redis dedup needs redis")
	}
}

// TestTelemetrySettings verifies logging fields carry over.
func TestTelemetrySettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "console"
	got := cfg.TelemetrySettings("1.2.3")
	if got.ServiceVersion != "1.2.3" || got.LogFormat != "console" || !got.MetricsEnabled {
		t.Errorf("settings = %+v", got)
	}
}

// TestLoad_ExampleFiles verifies the shipped example configuration parses and
// its targets file loads.
func TestLoad_ExampleFiles(t *testing.T) {
	cfg, err := Load("../../configs/config.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Classification.CategoryRules["critical_infrastructure"].AlertAll != true {
		t.Errorf("category rules = %+v", cfg.Classification.CategoryRules)
	}
	if len(cfg.Sources.Adapters.RSS.Feeds) != 3 {
		t.Errorf("rss feeds = %v", cfg.Sources.Adapters.RSS.Feeds)
	}

	set, err := targets.Load("../../" + cfg.TargetsFile)
	if err != nil {
		t.Fatalf("targets.Load: %v", err)
	}
	if p, _ := set.PriorityOf("example.com"); p != targets.PriorityHigh {
		t.Errorf("priority = %q", p)
	}
}
