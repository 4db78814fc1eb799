package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/lvonguyen/darkwatch/internal/finding"
)

func testFinding() finding.Finding {
	return finding.Finding{
		ID:             "abc123",
		Source:         "rss",
		URL:            "https://news.example.org/breach",
		Title:          "Breach disclosed",
		Text:           "Attackers posted a dump of example.com credentials on a forum.",
		MatchedTarget:  "example.com",
		MatchedKind:    finding.KindDomain,
		MatchedKeyword: "example.com",
		Confidence:     100,
		Exact:          true,
		Category:       "Technology",
		Severity:       finding.SeverityHigh,
		DiscoveredAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type stubSink struct {
	name  string
	err   error
	calls int
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Send(context.Context, Alert) error {
	s.calls++
	return s.err
}

// =============================================================================
// Formatting Tests
// =============================================================================

// TestFormat verifies the alert carries title, severity and core fields.
func TestFormat(t *testing.T) {
	alert := Format(testFinding())

	if alert.Title != "Darkweb Alert - HIGH Severity: example.com" {
		t.Errorf("unexpected title %q", alert.Title)
	}
	if alert.Severity != finding.SeverityHigh {
		t.Errorf("severity = %s", alert.Severity)
	}
	for _, want := range []string{"example.com", "100%", "rss", "https://news.example.org/breach", "2026-03-01T12:00:00Z", "Technology"} {
		if !strings.Contains(alert.Text, want) {
			t.Errorf("alert text missing %q", want)
		}
	}
	if strings.Contains(alert.Text, "synthetic") {
		t.Error("non-synthetic alert should not carry synthetic note")
	}
	if strings.Contains(alert.Text, "ATT&CK") {
		t.Error("untagged alert should not carry a technique line")
	}
}

// TestFormat_SyntheticAndUnknownCategory verifies fallbacks in the text.
func TestFormat_SyntheticAndUnknownCategory(t *testing.T) {
	f := testFinding()
	f.Synthetic = true
	f.Category = ""
	f.URL = ""
	f.Techniques = []string{"T1589.001", "T1597"}

	alert := Format(f)
	if !strings.Contains(alert.Text, "*ATT&CK:* T1589.001, T1597") {
		t.Error("expected technique line")
	}
	if !strings.Contains(alert.Text, "synthetic fallback finding") {
		t.Error("expected synthetic note")
	}
	if !strings.Contains(alert.Text, "*Category:* Unknown") {
		t.Error("expected Unknown category")
	}
	if !strings.Contains(alert.Text, "*URL:* abc123") {
		t.Error("expected identifier in place of missing URL")
	}
}

// TestSnippet covers windowing around the matched term.
func TestSnippet(t *testing.T) {
	long := strings.Repeat("a", 300) + " Example.com " + strings.Repeat("b", 300)

	tests := []struct {
		name    string
		text    string
		term    string
		context int
		want    func(string) bool
	}{
		{"empty", "  ", "x", 10, func(s string) bool { return s == "No content available" }},
		{"short text returned whole", "hello world", "world", 50, func(s string) bool { return s == "hello world" }},
		{"case insensitive with ellipses", long, "example.com", 5, func(s string) bool {
			return s == "...aaaa Example.com bbbb..."
		}},
		{"missing term truncates", strings.Repeat("z", 50), "nope", 10, func(s string) bool {
			return s == strings.Repeat("z", 20)+"..."
		}},
		{"multibyte", "漏洩したデータ 例株式会社 の情報", "例株式会社", 2, func(s string) bool {
			return s == "...タ 例株式会社 の..."
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Snippet(tt.text, tt.term, tt.context)
			if !tt.want(got) {
				t.Errorf("Snippet() = %q", got)
			}
		})
	}
}

// =============================================================================
// Dispatcher Tests
// =============================================================================

// TestDispatch_PartialSuccess verifies one accepting sink is enough.
func TestDispatch_PartialSuccess(t *testing.T) {
	bad := &stubSink{name: "bad", err: errors.New("boom")}
	good := &stubSink{name: "good"}
	d := NewDispatcher(nil, bad, good)

	delivery := d.Dispatch(context.Background(), testFinding())
	if !delivery.Delivered {
		t.Fatal("expected delivery")
	}
	if len(delivery.Accepted) != 1 || delivery.Accepted[0] != "good" {
		t.Errorf("accepted = %v", delivery.Accepted)
	}
	if len(delivery.Failures) != 1 || delivery.Failures[0].Sink != "bad" {
		t.Errorf("failures = %v", delivery.Failures)
	}
	if delivery.Err() != nil {
		t.Errorf("Err() = %v", delivery.Err())
	}
}

// TestDispatch_AllFail verifies undelivered alerts report ErrNoSinkAccepted.
func TestDispatch_AllFail(t *testing.T) {
	d := NewDispatcher(nil,
		&stubSink{name: "a", err: errors.New("down")},
		&stubSink{name: "b", err: errors.New("down")},
	)

	delivery := d.Dispatch(context.Background(), testFinding())
	if delivery.Delivered {
		t.Fatal("expected undelivered")
	}
	if !errors.Is(delivery.Err(), ErrNoSinkAccepted) {
		t.Errorf("Err() = %v", delivery.Err())
	}
}

// TestDispatch_LogSinkDoesNotMaskOutage verifies the always-accepting log sink
// does not count as delivery while a real sink is configured.
func TestDispatch_LogSinkDoesNotMaskOutage(t *testing.T) {
	tests := []struct {
		name       string
		webhookErr error
		want       bool
	}{
		{"webhook down", errors.New("503 Service Unavailable"), false},
		{"webhook up", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(nil, &stubSink{name: "webhook", err: tt.webhookErr}, NewLogSink(nil))

			delivery := d.Dispatch(context.Background(), testFinding())
			if delivery.Delivered != tt.want {
				t.Errorf("Delivered = %v, want %v", delivery.Delivered, tt.want)
			}
			if !slices.Contains(delivery.Accepted, "log") {
				t.Errorf("log sink should still run, accepted = %v", delivery.Accepted)
			}
		})
	}
}

// TestNewDispatcher_DefaultsToLog verifies the log fallback.
func TestNewDispatcher_DefaultsToLog(t *testing.T) {
	d := NewDispatcher(nil)
	if got := d.Sinks(); len(got) != 1 || got[0] != "log" {
		t.Errorf("Sinks() = %v", got)
	}
	if !d.Dispatch(context.Background(), testFinding()).Delivered {
		t.Error("log sink should always accept")
	}
}

// TestNewDispatcherFromConfig verifies misconfigured sinks are reported and skipped.
func TestNewDispatcherFromConfig(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_URL", "")

	cfg := DefaultConfig()
	cfg.Webhook.Enabled = true
	cfg.Webhook.URLEnv = "TEST_WEBHOOK_URL"

	d, err := NewDispatcherFromConfig(cfg, nil)
	if err == nil {
		t.Error("expected error for missing webhook URL")
	}
	if got := d.Sinks(); len(got) != 1 || got[0] != "log" {
		t.Errorf("Sinks() = %v", got)
	}
}

// =============================================================================
// Webhook Sink Tests
// =============================================================================

// TestWebhookSink_Send verifies the Slack attachment payload.
func TestWebhookSink_Send(t *testing.T) {
	var payload slackPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	t.Setenv("TEST_WEBHOOK_URL", server.URL)
	cfg := DefaultWebhookConfig()
	cfg.URLEnv = "TEST_WEBHOOK_URL"
	sink, err := NewWebhookSink(cfg)
	if err != nil {
		t.Fatalf("NewWebhookSink: %v", err)
	}

	if err := sink.Send(context.Background(), Format(testFinding())); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(payload.Attachments) != 1 {
		t.Fatalf("attachments = %d", len(payload.Attachments))
	}
	att := payload.Attachments[0]
	if att.Color != "#ff0000" {
		t.Errorf("color = %s", att.Color)
	}
	if att.Footer != "darkwatch" {
		t.Errorf("footer = %s", att.Footer)
	}
	if !strings.Contains(att.Text, "example.com") {
		t.Error("attachment text missing target")
	}
}

// TestWebhookSink_RetriesThenFails verifies non-2xx responses are retried.
func TestWebhookSink_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	sink := newWebhookSink(WebhookConfig{RetryCount: 2, Backoff: time.Millisecond}, server.URL)
	err := sink.Send(context.Background(), Format(testFinding()))
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

// TestWebhookSink_RetryRecovers verifies a later attempt can succeed.
func TestWebhookSink_RetryRecovers(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink := newWebhookSink(WebhookConfig{RetryCount: 2, Backoff: time.Millisecond}, server.URL)
	if err := sink.Send(context.Background(), Format(testFinding())); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// TestSendWithRetry_ContextCancelled verifies backoff stops on cancellation.
func TestSendWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := sendWithRetry(ctx, 5, time.Hour, func() error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d", calls)
	}
}

// =============================================================================
// Splunk Sink Tests
// =============================================================================

// TestSplunkSink_Send verifies HEC path, auth header and event fields.
func TestSplunkSink_Send(t *testing.T) {
	var event HECEvent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/collector/event" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Splunk hec-token" {
			t.Errorf("auth = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decoding event: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	t.Setenv("TEST_HEC_TOKEN", "hec-token")
	cfg := DefaultSplunkConfig()
	cfg.HECURL = server.URL + "/"
	cfg.TokenEnv = "TEST_HEC_TOKEN"
	sink, err := NewSplunkSink(cfg)
	if err != nil {
		t.Fatalf("NewSplunkSink: %v", err)
	}

	if err := sink.Send(context.Background(), Format(testFinding())); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if event.Index != "darkwatch" || event.SourceType != "darkwatch:alert" {
		t.Errorf("unexpected event metadata %+v", event)
	}
	if event.Fields["severity"] != "HIGH" {
		t.Errorf("severity field = %v", event.Fields["severity"])
	}
	if stats := sink.Stats(); stats.EventsSent != 1 || stats.BytesSent == 0 {
		t.Errorf("stats = %+v", stats)
	}
}

// TestSplunkSink_FailureCounted verifies failed sends are counted.
func TestSplunkSink_FailureCounted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	t.Setenv("TEST_HEC_TOKEN", "hec-token")
	sink, err := NewSplunkSink(SplunkConfig{HECURL: server.URL, TokenEnv: "TEST_HEC_TOKEN", Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("NewSplunkSink: %v", err)
	}

	if err := sink.Send(context.Background(), Format(testFinding())); err == nil {
		t.Fatal("expected error")
	}
	if stats := sink.Stats(); stats.EventsFailed != 1 || stats.EventsSent != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

// TestNewSplunkSink_MissingToken verifies the token is required.
func TestNewSplunkSink_MissingToken(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", "")
	if _, err := NewSplunkSink(SplunkConfig{HECURL: "http://localhost", TokenEnv: "TEST_HEC_TOKEN"}); err == nil {
		t.Error("expected error when token is missing")
	}
}

// =============================================================================
// Kafka Sink Tests
// =============================================================================

// TestKafkaSink_Send verifies the message key and JSON value.
func TestKafkaSink_Send(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "abc123" {
			return errors.New("unexpected key " + string(key))
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var alert Alert
		if err := json.Unmarshal(value, &alert); err != nil {
			return err
		}
		if alert.Finding.MatchedTarget != "example.com" {
			return errors.New("unexpected target " + alert.Finding.MatchedTarget)
		}
		return nil
	})

	sink := NewKafkaSinkWithProducer(producer, "alerts")
	if err := sink.Send(context.Background(), Format(testFinding())); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// TestKafkaSink_SendFails verifies producer errors surface.
func TestKafkaSink_SendFails(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sink := NewKafkaSinkWithProducer(producer, "alerts")
	err := sink.Send(context.Background(), Format(testFinding()))
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("err = %v", err)
	}
	_ = sink.Close()
}
