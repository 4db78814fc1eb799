package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lvonguyen/darkwatch/internal/finding"
	"github.com/lvonguyen/darkwatch/internal/targets"
)

const (
	otxDefaultBaseURL = "https://otx.alienvault.com"
	otxAPIPath        = "/api/v1"
	otxTimeLayout     = "2006-01-02T15:04:05.999999"
)

// OTXConfig holds AlienVault OTX settings.
type OTXConfig struct {
	APIKeyEnv  string        `yaml:"api_key_env"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	PulseLimit int           `yaml:"pulse_limit"` // Max pulses kept per domain
}

// DefaultOTXConfig returns sensible defaults for OTX.
func DefaultOTXConfig() OTXConfig {
	return OTXConfig{
		APIKeyEnv:  "OTX_API_KEY",
		BaseURL:    otxDefaultBaseURL,
		Timeout:    30 * time.Second,
		CacheTTL:   time.Hour,
		PulseLimit: 20,
	}
}

// RateLimitStatus is the provider's view of its remaining API budget.
type RateLimitStatus struct {
	Remaining int `json:"remaining"`
	Limit     int `json:"limit"`
}

// OTXSource looks up each watched domain's pulse associations in OTX. Pulses
// are threat reports that reference the domain, which is what surfaces a
// watched company in campaign or phishing write-ups.
type OTXSource struct {
	config     OTXConfig
	apiKey     string
	httpClient *http.Client
	domains    []string
	cache      *otxCache

	mu        sync.RWMutex
	rateLimit RateLimitStatus
}

// OTXGeneralResponse is the response from /indicators/domain/{domain}/general.
type OTXGeneralResponse struct {
	Indicator string       `json:"indicator"`
	Type      string       `json:"type"`
	PulseInfo OTXPulseInfo `json:"pulse_info"`
}

// OTXPulseInfo contains pulse association info.
type OTXPulseInfo struct {
	Count  int        `json:"count"`
	Pulses []OTXPulse `json:"pulses"`
}

// OTXPulse represents an OTX pulse (threat report).
type OTXPulse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Created     string   `json:"created"`
	Modified    string   `json:"modified"`
	Tags        []string `json:"tags"`
	Adversary   string   `json:"adversary,omitempty"`
	Industries  []string `json:"industries,omitempty"`
}

// otxCache remembers per-domain lookups so a short interval does not
// re-query OTX every cycle. Expired entries are ignored on read.
type otxCache struct {
	mu      sync.RWMutex
	entries map[string]otxCacheEntry
	ttl     time.Duration
}

type otxCacheEntry struct {
	pulses    []OTXPulse
	expiresAt time.Time
}

func newOTXCache(ttl time.Duration) *otxCache {
	return &otxCache{entries: make(map[string]otxCacheEntry), ttl: ttl}
}

func (c *otxCache) get(key string, now time.Time) ([]OTXPulse, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[strings.ToLower(key)]
	if !ok || now.After(entry.expiresAt) {
		return nil, false
	}
	return entry.pulses, true
}

func (c *otxCache) set(key string, pulses []OTXPulse, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[strings.ToLower(key)] = otxCacheEntry{pulses: pulses, expiresAt: now.Add(c.ttl)}
}

// NewOTXSource creates an OTX source for the watched domains.
func NewOTXSource(cfg OTXConfig, set *targets.Set) (*OTXSource, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: OTX API key not found in env var: %s", ErrNotConfigured, cfg.APIKeyEnv)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = otxDefaultBaseURL
	}
	if cfg.PulseLimit <= 0 {
		cfg.PulseLimit = 20
	}

	var domains []string
	if set != nil {
		domains = append(domains, set.Domains...)
	}

	return &OTXSource{
		config:     cfg,
		apiKey:     apiKey,
		httpClient: defaultHTTPClient(cfg.Timeout),
		domains:    domains,
		cache:      newOTXCache(cfg.CacheTTL),
	}, nil
}

// Name returns the source identifier.
func (s *OTXSource) Name() string { return "otx" }

// RateLimit returns the last rate limit reported by OTX.
func (s *OTXSource) RateLimit() RateLimitStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateLimit
}

// Fetch returns one candidate per pulse referencing a watched domain.
func (s *OTXSource) Fetch(ctx context.Context) ([]finding.RawCandidate, error) {
	var (
		out  []finding.RawCandidate
		errs []error
	)
	for _, domain := range s.domains {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		pulses, err := s.domainPulses(ctx, domain)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, p := range pulses {
			out = append(out, s.pulseToCandidate(domain, p))
		}
	}
	return out, errors.Join(errs...)
}

func (s *OTXSource) domainPulses(ctx context.Context, domain string) ([]OTXPulse, error) {
	now := time.Now()
	if pulses, ok := s.cache.get(domain, now); ok {
		return pulses, nil
	}

	req, err := s.newRequest(ctx, http.MethodGet, "/indicators/domain/"+url.PathEscape(domain)+"/general", nil)
	if err != nil {
		return nil, fmt.Errorf("creating OTX request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, requestError("OTX", err)
	}
	defer resp.Body.Close()

	s.updateRateLimit(resp)

	// 404 means OTX has never seen the domain
	if resp.StatusCode == http.StatusNotFound {
		s.cache.set(domain, nil, now)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("OTX", resp)
	}

	var general OTXGeneralResponse
	if err := json.NewDecoder(resp.Body).Decode(&general); err != nil {
		return nil, Malformed(fmt.Errorf("decoding OTX response: %w", err))
	}

	pulses := general.PulseInfo.Pulses
	if len(pulses) > s.config.PulseLimit {
		pulses = pulses[:s.config.PulseLimit]
	}
	s.cache.set(domain, pulses, now)
	return pulses, nil
}

func (s *OTXSource) pulseToCandidate(domain string, p OTXPulse) finding.RawCandidate {
	text := fmt.Sprintf("OTX pulse %q references %s. %s", p.Name, domain, p.Description)
	if p.Adversary != "" {
		text += " Adversary: " + p.Adversary + "."
	}
	if len(p.Tags) > 0 {
		text += " Tags: " + strings.Join(p.Tags, ", ") + "."
	}

	ts := parseOTXTime(p.Modified)
	if ts.IsZero() {
		ts = parseOTXTime(p.Created)
	}

	return finding.RawCandidate{
		Source:    s.Name(),
		URL:       strings.TrimSuffix(s.config.BaseURL, "/") + "/pulse/" + p.ID,
		Title:     p.Name,
		Text:      text,
		Timestamp: ts,
	}
}

// newRequest creates an authenticated OTX API request.
func (s *OTXSource) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	fullURL := strings.TrimSuffix(s.config.BaseURL, "/") + otxAPIPath + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("X-OTX-API-KEY", s.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "darkwatch/1.0")

	return req, nil
}

// updateRateLimit updates rate limit from response headers.
func (s *OTXSource) updateRateLimit(resp *http.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining")); err == nil {
		s.rateLimit.Remaining = v
	}
	if v, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit")); err == nil {
		s.rateLimit.Limit = v
	}
}

func parseOTXTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(otxTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
