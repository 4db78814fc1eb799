package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lvonguyen/darkwatch/internal/targets"
)

func watchSet(t *testing.T) *targets.Set {
	t.Helper()
	set, err := targets.New([]string{"Sample Corp"}, []string{"sample.co.jp"}, []string{"sample leak"}, nil, nil)
	if err != nil {
		t.Fatalf("targets.New: %v", err)
	}
	return set
}

// =============================================================================
// Error Classification Tests
// =============================================================================

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", Transient(errors.New("x")), true},
		{"malformed", Malformed(errors.New("x")), false},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Registry Tests
// =============================================================================

func TestRegistry_Build(t *testing.T) {
	r := NewRegistry()
	r.Register("ok", func(set *targets.Set) (Source, error) { return NewSyntheticSource(set), nil })
	r.Register("broken", func(*targets.Set) (Source, error) { return nil, ErrNotConfigured })

	srcs, err := r.Build([]string{"ok", "broken", "missing", "ok"}, watchSet(t))
	if len(srcs) != 1 || srcs[0].Name() != SyntheticName {
		t.Fatalf("expected the buildable source only, got %d", len(srcs))
	}
	if !errors.Is(err, ErrNotConfigured) || !errors.Is(err, ErrUnknownSource) {
		t.Errorf("expected joined build errors, got %v", err)
	}
	if names := r.Names(); len(names) != 2 || names[0] != "broken" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestNewDefaultRegistry_CredentiallessSourcesBuild(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("OTX_API_KEY", "")

	r := NewDefaultRegistry(DefaultConfig())
	srcs, err := r.Build([]string{"rss", "ahmia", "hibp", "urlhaus", "github", "otx"}, watchSet(t))
	if len(srcs) != 4 {
		t.Errorf("expected 4 sources without credentials, got %d", len(srcs))
	}
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("missing credentials should report ErrNotConfigured, got %v", err)
	}
}

// =============================================================================
// Synthetic Tests
// =============================================================================

func TestGenerate_Deterministic(t *testing.T) {
	set := watchSet(t)
	a, b := Generate(set), Generate(set)
	if len(a) != set.Len() {
		t.Fatalf("expected one candidate per target, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("candidate %d differs between runs", i)
		}
		if !a[i].Synthetic || a[i].Source != SyntheticName {
			t.Errorf("candidate %d not marked synthetic", i)
		}
	}
	if !strings.Contains(a[0].Text, "Sample Corp") {
		t.Errorf("candidate should mention its target: %q", a[0].Text)
	}
}

func TestGenerate_EmptySetStillProduces(t *testing.T) {
	empty, _ := targets.New(nil, nil, nil, nil, nil)
	if got := Generate(empty); len(got) == 0 {
		t.Error("fallback must produce at least one candidate")
	}
	if got := Generate(nil); len(got) == 0 {
		t.Error("fallback must handle a nil set")
	}
}

// =============================================================================
// RSS Tests
// =============================================================================

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Breaches</title>
<item><title>Sample Corp breach</title><link>https://news.example/1</link>
<description>&lt;p&gt;sample.co.jp leaked credentials&lt;/p&gt;</description>
<pubDate>Mon, 02 Jan 2026 15:04:05 GMT</pubDate></item>
<item><title>Other</title><link>https://news.example/2</link><description>weather</description></item>
</channel></rss>`

func TestRSSSource_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(testFeed))
	}))
	defer server.Close()

	src, err := NewRSSSource(RSSConfig{Feeds: []string{server.URL + "/feed", server.URL + "/down"}})
	if err != nil {
		t.Fatalf("NewRSSSource: %v", err)
	}

	got, err := src.Fetch(context.Background())
	if len(got) != 2 {
		t.Fatalf("expected partial results from the healthy feed, got %d", len(got))
	}
	if !IsTransient(err) {
		t.Errorf("503 feed should surface a transient error, got %v", err)
	}
	if got[0].Text != "sample.co.jp leaked credentials" {
		t.Errorf("HTML should be stripped from description, got %q", got[0].Text)
	}
	if got[0].Timestamp.IsZero() || got[0].URL != "https://news.example/1" {
		t.Errorf("unexpected candidate %+v", got[0])
	}
}

func TestNewRSSSource_NoFeeds(t *testing.T) {
	if _, err := NewRSSSource(RSSConfig{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

// =============================================================================
// Ahmia Tests
// =============================================================================

const testAhmiaHTML = `<html><body><ol>
<li class="result">
  <h4><a href="/search/redirect?search_term=sample&redirect_url=http://abc123.onion/dump">Sample Corp dump</a></h4>
  <p>Full customer table of sample.co.jp</p>
  <cite>abc123.onion</cite>
</li>
<li class="result">
  <h4><a href="http://def456.onion/">Forum</a></h4>
  <p>General chatter</p>
</li>
</ol></body></html>`

func TestAhmiaSource_Fetch(t *testing.T) {
	var queries []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		queries = append(queries, r.URL.Query().Get("q"))
		w.Write([]byte(testAhmiaHTML))
	}))
	defer server.Close()

	src, _ := NewAhmiaSource(AhmiaConfig{BaseURL: server.URL, MaxQueries: 1}, watchSet(t))
	got, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(queries) != 1 || queries[0] != "sample.co.jp" {
		t.Errorf("expected one query for the first domain, got %v", queries)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].URL != "http://abc123.onion/dump" {
		t.Errorf("redirect not unwrapped: %q", got[0].URL)
	}
	if got[0].Title != "Sample Corp dump" || got[0].Text != "Full customer table of sample.co.jp" {
		t.Errorf("unexpected candidate %+v", got[0])
	}
}

func TestAhmiaSource_ClientErrorIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	src, _ := NewAhmiaSource(AhmiaConfig{BaseURL: server.URL, MaxQueries: 1}, watchSet(t))
	_, err := src.Fetch(context.Background())
	if !errors.Is(err, ErrMalformed) || IsTransient(err) {
		t.Errorf("403 should be a non-retryable error, got %v", err)
	}
}

// =============================================================================
// GitHub Tests
// =============================================================================

func TestGitHubSource_Fetch(t *testing.T) {
	t.Setenv("TEST_GH_TOKEN", "ghp_test")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/code" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ghp_test" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if q := r.URL.Query().Get("q"); !strings.Contains(q, `"sample.co.jp"`) || !strings.Contains(q, "password") {
			t.Errorf("unexpected query %q", q)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"total_count":1,"items":[{"name":".env","path":"config/.env",
			"html_url":"https://github.com/acme/app/blob/main/config/.env",
			"repository":{"name":"app","full_name":"acme/app"}}]}`))
	}))
	defer server.Close()

	src, err := NewGitHubSource(GitHubConfig{TokenEnv: "TEST_GH_TOKEN", BaseURL: server.URL, MaxQueries: 1}, watchSet(t))
	if err != nil {
		t.Fatalf("NewGitHubSource: %v", err)
	}
	got, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	if !strings.Contains(got[0].Text, "acme/app") || !strings.Contains(got[0].Text, "config/.env") {
		t.Errorf("unexpected text %q", got[0].Text)
	}
}

func TestGitHubSource_ServerErrorIsTransient(t *testing.T) {
	t.Setenv("TEST_GH_TOKEN", "ghp_test")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"message":"bad gateway"}`))
	}))
	defer server.Close()

	src, _ := NewGitHubSource(GitHubConfig{TokenEnv: "TEST_GH_TOKEN", BaseURL: server.URL, MaxQueries: 1}, watchSet(t))
	if _, err := src.Fetch(context.Background()); !IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

// =============================================================================
// HIBP Tests
// =============================================================================

func TestHIBPSource_FiltersWatchedDomains(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/breaches" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`[
			{"Name":"Sample","Title":"Sample Corp","Domain":"shop.sample.co.jp","BreachDate":"2025-12-01",
			 "AddedDate":"2026-01-05T10:00:00Z","PwnCount":1200,"Description":"<a href=\"#\">Sample</a> was breached",
			 "DataClasses":["Email addresses","Passwords"]},
			{"Name":"Other","Title":"Other","Domain":"other.example","AddedDate":"2026-01-05T10:00:00Z"}
		]`))
	}))
	defer server.Close()

	src, _ := NewHIBPSource(HIBPConfig{BaseURL: server.URL, UserAgent: "test"}, watchSet(t))
	got, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the watched breach, got %d", len(got))
	}
	if strings.Contains(got[0].Text, "<a") || !strings.Contains(got[0].Text, "Passwords") {
		t.Errorf("unexpected text %q", got[0].Text)
	}
	if !got[0].Timestamp.Equal(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected timestamp %v", got[0].Timestamp)
	}
}

func TestHIBPSource_BadJSONIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	src, _ := NewHIBPSource(HIBPConfig{BaseURL: server.URL}, watchSet(t))
	if _, err := src.Fetch(context.Background()); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

// =============================================================================
// URLhaus Tests
// =============================================================================

func TestURLhausSource_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/host/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		r.ParseForm()
		if r.PostForm.Get("host") != "sample.co.jp" {
			t.Errorf("unexpected host %q", r.PostForm.Get("host"))
		}
		w.Write([]byte(`{"query_status":"ok","urls":[{"url":"http://sample.co.jp/x.exe","url_status":"online",
			"threat":"malware_download","date_added":"2026-01-02 03:04:05 UTC","tags":["exe"],
			"urlhaus_reference":"https://urlhaus.abuse.ch/url/1/"}]}`))
	}))
	defer server.Close()

	src, _ := NewURLhausSource(URLhausConfig{BaseURL: server.URL}, watchSet(t))
	got, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 || got[0].URL != "https://urlhaus.abuse.ch/url/1/" {
		t.Fatalf("unexpected results %+v", got)
	}
	if !strings.Contains(got[0].Text, "malware_download") {
		t.Errorf("threat missing from text %q", got[0].Text)
	}
}

func TestURLhausSource_NoResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"query_status":"no_results"}`))
	}))
	defer server.Close()

	src, _ := NewURLhausSource(URLhausConfig{BaseURL: server.URL}, watchSet(t))
	got, err := src.Fetch(context.Background())
	if err != nil || len(got) != 0 {
		t.Errorf("expected empty result, got %d, %v", len(got), err)
	}
}

// =============================================================================
// OTX Tests
// =============================================================================

func TestNewOTXSource_MissingAPIKey(t *testing.T) {
	t.Setenv("TEST_OTX_KEY", "")
	_, err := NewOTXSource(OTXConfig{APIKeyEnv: "TEST_OTX_KEY"}, watchSet(t))
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestOTXSource_FetchAndCache(t *testing.T) {
	t.Setenv("TEST_OTX_KEY", "otx-key")

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/api/v1/indicators/domain/sample.co.jp/general" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-OTX-API-KEY") != "otx-key" {
			t.Error("missing API key header")
		}
		w.Header().Set("X-RateLimit-Remaining", "42")
		w.Header().Set("X-RateLimit-Limit", "60")
		w.Write([]byte(`{"indicator":"sample.co.jp","pulse_info":{"count":1,"pulses":[
			{"id":"p1","name":"Phishing kit targeting sample.co.jp","description":"Lookalike login pages",
			 "modified":"2026-02-03T04:05:06.000000","tags":["phishing"]}]}}`))
	}))
	defer server.Close()

	src, err := NewOTXSource(OTXConfig{APIKeyEnv: "TEST_OTX_KEY", BaseURL: server.URL, CacheTTL: time.Hour}, watchSet(t))
	if err != nil {
		t.Fatalf("NewOTXSource: %v", err)
	}

	for i := 0; i < 2; i++ {
		got, err := src.Fetch(context.Background())
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(got) != 1 || got[0].URL != server.URL+"/pulse/p1" {
			t.Fatalf("unexpected results %+v", got)
		}
		if !strings.Contains(got[0].Text, "phishing") {
			t.Errorf("tags missing from text %q", got[0].Text)
		}
	}
	if calls != 1 {
		t.Errorf("second fetch should hit the cache, got %d calls", calls)
	}
	if rl := src.RateLimit(); rl.Remaining != 42 || rl.Limit != 60 {
		t.Errorf("rate limit not tracked: %+v", rl)
	}
}

func TestOTXSource_NotFoundIsEmpty(t *testing.T) {
	t.Setenv("TEST_OTX_KEY", "otx-key")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	src, _ := NewOTXSource(OTXConfig{APIKeyEnv: "TEST_OTX_KEY", BaseURL: server.URL}, watchSet(t))
	got, err := src.Fetch(context.Background())
	if err != nil || len(got) != 0 {
		t.Errorf("404 should yield no candidates and no error, got %d, %v", len(got), err)
	}
}

// TestFetch_HonorsCancellation verifies adapters stop when ctx is done.
func TestFetch_HonorsCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	src, _ := NewAhmiaSource(AhmiaConfig{BaseURL: server.URL}, watchSet(t))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := src.Fetch(ctx)
	if err == nil {
		t.Fatal("expected error after deadline")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("fetch did not observe the deadline")
	}
}
