package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// SplunkConfig holds HEC sender settings.
type SplunkConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HECURL     string        `yaml:"hec_url"`
	TokenEnv   string        `yaml:"token_env"`
	Index      string        `yaml:"index"`
	SourceType string        `yaml:"sourcetype"`
	Source     string        `yaml:"source"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	Backoff    time.Duration `yaml:"backoff"`
}

// DefaultSplunkConfig returns sensible defaults.
func DefaultSplunkConfig() SplunkConfig {
	return SplunkConfig{
		TokenEnv:   "SPLUNK_HEC_TOKEN",
		Index:      "darkwatch",
		SourceType: "darkwatch:alert",
		Source:     "darkwatch",
		Timeout:    30 * time.Second,
		RetryCount: 3,
		Backoff:    time.Second,
	}
}

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// SplunkStats tracks sender metrics.
type SplunkStats struct {
	EventsSent   int64
	EventsFailed int64
	BytesSent    int64
	LastSendAt   time.Time
}

// SplunkSink sends alerts to Splunk via the HTTP Event Collector.
type SplunkSink struct {
	config     SplunkConfig
	token      string
	httpClient *http.Client
	mu         sync.RWMutex
	stats      SplunkStats
}

// NewSplunkSink creates a new HEC sink.
func NewSplunkSink(config SplunkConfig) (*SplunkSink, error) {
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}
	if config.HECURL == "" {
		return nil, fmt.Errorf("HEC URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &SplunkSink{
		config:     config,
		token:      token,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Name returns the sink identifier.
func (s *SplunkSink) Name() string { return "splunk" }

// Send sends one alert as an HEC event.
func (s *SplunkSink) Send(ctx context.Context, alert Alert) error {
	f := alert.Finding
	event := HECEvent{
		Time:       float64(f.DiscoveredAt.Unix()),
		Source:     s.config.Source,
		SourceType: s.config.SourceType,
		Index:      s.config.Index,
		Event:      f,
		Fields: map[string]any{
			"severity":       string(f.Severity),
			"confidence":     f.Confidence,
			"matched_target": f.MatchedTarget,
			"origin":         f.Source,
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding HEC event: %w", err)
	}

	err = sendWithRetry(ctx, s.config.RetryCount, s.config.Backoff, func() error {
		return s.send(ctx, data)
	})
	if err != nil {
		s.mu.Lock()
		s.stats.EventsFailed++
		s.mu.Unlock()
	}
	return err
}

// send performs the actual HTTP request.
func (s *SplunkSink) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HEC returned %d: %s", resp.StatusCode, string(body))
	}

	s.mu.Lock()
	s.stats.EventsSent++
	s.stats.BytesSent += int64(len(data))
	s.stats.LastSendAt = time.Now()
	s.mu.Unlock()

	return nil
}

// Stats returns current sender statistics.
func (s *SplunkSink) Stats() SplunkStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// HealthCheck verifies connectivity to Splunk HEC.
func (s *SplunkSink) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Splunk HEC returned status %d", resp.StatusCode)
	}
	return nil
}
