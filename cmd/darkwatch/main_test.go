package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lvonguyen/darkwatch/internal/alerting"
	"github.com/lvonguyen/darkwatch/internal/config"
	"github.com/lvonguyen/darkwatch/internal/engine"
	"github.com/lvonguyen/darkwatch/internal/finding"
	"github.com/lvonguyen/darkwatch/internal/scheduler"
)

// TestPrintSummary verifies the single-shot summary lists sources and alerts.
func TestPrintSummary(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	result := &engine.CycleResult{
		ID:           "c-1",
		StartedAt:    start,
		FinishedAt:   start.Add(1500 * time.Millisecond),
		Sources:      []string{"rss", "ahmia"},
		Candidates:   map[string]int{"rss": 4},
		SourceErrors: []engine.SourceError{{Source: "ahmia", Kind: engine.KindTimeout, Attempts: 3, Message: "deadline"}},
		Matched:      2,
		Duplicates:   1,
		AfterDedup:   1,
		Dispatched:   1,
		Alerts: []engine.AlertSummary{
			{ID: "a", Source: "rss", MatchedTarget: "example.com", Confidence: 92, Severity: finding.SeverityHigh},
		},
		DeliveryFailures: []engine.DeliveryFailure{
			{FindingID: "a", Failures: []alerting.SinkError{{Sink: "webhook", Message: "500"}}},
		},
	}

	var buf bytes.Buffer
	printSummary(&buf, result)
	out := buf.String()

	for _, want := range []string{
		"Cycle c-1 finished in 1.5s",
		"timeout after 3 attempt(s)",
		"duplicates 1 (50%)",
		"[HIGH] example.com (92%) via rss",
		"delivery failed for a: webhook",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

type plannerStub struct{ err error }

func (p plannerStub) Next(context.Context) (scheduler.Snapshot, error) {
	return scheduler.Snapshot{Interval: time.Hour}, p.err
}

// TestIntervalOverride verifies --interval replaces the configured interval.
func TestIntervalOverride(t *testing.T) {
	o := intervalOverride{Planner: plannerStub{}, interval: time.Minute}
	snap, err := o.Next(context.Background())
	if err != nil || snap.Interval != time.Minute {
		t.Errorf("snap = %+v, err = %v", snap, err)
	}

	o.Planner = plannerStub{err: errors.New("bad")}
	if _, err := o.Next(context.Background()); err == nil {
		t.Error("expected planner error")
	}
}

// TestLoadConfig verifies defaults without a path and validation errors.
func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil || cfg.Monitor.Mode != config.ModeContinuous {
		t.Fatalf("defaults: cfg=%v err=%v", cfg, err)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("monitor:\n  mode: sometimes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

// TestRunOnceCommand runs a full single-shot cycle from the command line
// against the synthetic source.
func TestRunOnceCommand(t *testing.T) {
	dir := t.TempDir()
	targetsPath := filepath.Join(dir, "targets.json")
	configFile := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(targetsPath, []byte(`{"company_names": ["Example Corp"], "domains": ["example.com"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	yaml := "targets_file: " + targetsPath + "\n" +
		"sources:\n  enabled: [synthetic]\n" +
		"dedup:\n  backend: memory\n" +
		"history:\n  backends: [file]\n  file_path: " + filepath.Join(dir, "cycles.jsonl") + "\n" +
		"telemetry:\n  metrics_enabled: false\n" +
		"logging:\n  level: error\n"
	if err := os.WriteFile(configFile, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", configFile, "run", "--once"})
	t.Cleanup(func() { cfgFile = "" })

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("run --once: %v", err)
	}
	if !strings.Contains(out.String(), "synthetic") {
		t.Errorf("output:\n%s", out.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "cycles.jsonl")); err != nil {
		t.Errorf("history not written: %v", err)
	}
}
