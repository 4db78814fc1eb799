package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// WebhookConfig configures a Slack-compatible incoming webhook.
type WebhookConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URLEnv     string        `yaml:"url_env"`
	Footer     string        `yaml:"footer"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	Backoff    time.Duration `yaml:"backoff"`
}

// DefaultWebhookConfig returns sensible defaults.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		URLEnv:     "SLACK_WEBHOOK_URL",
		Footer:     "darkwatch",
		Timeout:    10 * time.Second,
		RetryCount: 2,
		Backoff:    time.Second,
	}
}

type slackPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color    string   `json:"color"`
	Title    string   `json:"title"`
	Text     string   `json:"text"`
	MrkdwnIn []string `json:"mrkdwn_in"`
	Footer   string   `json:"footer,omitempty"`
	Ts       int64    `json:"ts"`
}

// WebhookSink posts alerts as Slack attachments colored by severity.
type WebhookSink struct {
	config     WebhookConfig
	url        string
	httpClient *http.Client
	now        func() time.Time
}

// NewWebhookSink creates a webhook sink; the URL is read from config.URLEnv.
func NewWebhookSink(config WebhookConfig) (*WebhookSink, error) {
	url := os.Getenv(config.URLEnv)
	if url == "" {
		return nil, fmt.Errorf("webhook URL not found in env var: %s", config.URLEnv)
	}
	return newWebhookSink(config, url), nil
}

func newWebhookSink(config WebhookConfig, url string) *WebhookSink {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &WebhookSink{
		config:     config,
		url:        url,
		httpClient: &http.Client{Timeout: config.Timeout},
		now:        time.Now,
	}
}

// Name returns the sink identifier.
func (w *WebhookSink) Name() string { return "webhook" }

// Send posts the alert, retrying transport failures and non-2xx responses.
func (w *WebhookSink) Send(ctx context.Context, alert Alert) error {
	data, err := json.Marshal(slackPayload{
		Attachments: []slackAttachment{{
			Color:    severityColor(alert.Severity),
			Title:    alert.Title,
			Text:     alert.Text,
			MrkdwnIn: []string{"text"},
			Footer:   w.config.Footer,
			Ts:       w.now().Unix(),
		}},
	})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	return sendWithRetry(ctx, w.config.RetryCount, w.config.Backoff, func() error {
		return w.send(ctx, data)
	})
}

func (w *WebhookSink) send(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// sendWithRetry calls fn up to retries+1 times with exponential backoff,
// giving up early when ctx is done.
func sendWithRetry(ctx context.Context, retries int, backoff time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("failed after %d retries: %w", retries, lastErr)
}
