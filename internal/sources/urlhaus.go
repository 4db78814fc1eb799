package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/lvonguyen/darkwatch/internal/finding"
	"github.com/lvonguyen/darkwatch/internal/targets"
)

const urlhausDefaultBaseURL = "https://urlhaus-api.abuse.ch/v1"

// URLhausConfig configures the malicious-URL host lookup.
type URLhausConfig struct {
	BaseURL    string        `yaml:"base_url"`
	AuthKeyEnv string        `yaml:"auth_key_env"`
	MaxURLs    int           `yaml:"max_urls"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultURLhausConfig returns defaults for abuse.ch.
func DefaultURLhausConfig() URLhausConfig {
	return URLhausConfig{
		BaseURL:    urlhausDefaultBaseURL,
		AuthKeyEnv: "URLHAUS_AUTH_KEY",
		MaxURLs:    20,
		Timeout:    30 * time.Second,
	}
}

type urlhausHostResponse struct {
	QueryStatus string       `json:"query_status"`
	Host        string       `json:"host"`
	URLs        []urlhausURL `json:"urls"`
}

type urlhausURL struct {
	URL              string   `json:"url"`
	URLStatus        string   `json:"url_status"`
	Threat           string   `json:"threat"`
	DateAdded        string   `json:"date_added"`
	Tags             []string `json:"tags"`
	URLhausReference string   `json:"urlhaus_reference"`
}

// URLhausSource checks each watched domain for URLs abused to host malware.
type URLhausSource struct {
	config     URLhausConfig
	httpClient *http.Client
	domains    []string
}

// NewURLhausSource creates a URLhaus source.
func NewURLhausSource(cfg URLhausConfig, set *targets.Set) (*URLhausSource, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = urlhausDefaultBaseURL
	}
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = 20
	}
	var domains []string
	if set != nil {
		domains = append(domains, set.Domains...)
	}
	return &URLhausSource{
		config:     cfg,
		httpClient: defaultHTTPClient(cfg.Timeout),
		domains:    domains,
	}, nil
}

// Name returns the source identifier.
func (s *URLhausSource) Name() string { return "urlhaus" }

// Fetch queries each domain.
func (s *URLhausSource) Fetch(ctx context.Context) ([]finding.RawCandidate, error) {
	var (
		out  []finding.RawCandidate
		errs []error
	)
	for _, domain := range s.domains {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		results, err := s.lookupHost(ctx, domain)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, results...)
	}
	return out, errors.Join(errs...)
}

func (s *URLhausSource) lookupHost(ctx context.Context, domain string) ([]finding.RawCandidate, error) {
	form := url.Values{"host": {domain}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(s.config.BaseURL, "/")+"/host/", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating urlhaus request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if key := os.Getenv(s.config.AuthKeyEnv); s.config.AuthKeyEnv != "" && key != "" {
		req.Header.Set("Auth-Key", key)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, requestError("urlhaus", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("urlhaus", resp)
	}

	var body urlhausHostResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, Malformed(fmt.Errorf("decoding urlhaus response: %w", err))
	}

	switch body.QueryStatus {
	case "ok":
	case "no_results", "invalid_host":
		return nil, nil
	default:
		return nil, Malformed(fmt.Errorf("urlhaus query_status %q for %s", body.QueryStatus, domain))
	}

	urls := body.URLs
	if len(urls) > s.config.MaxURLs {
		urls = urls[:s.config.MaxURLs]
	}
	out := make([]finding.RawCandidate, 0, len(urls))
	for _, u := range urls {
		link := u.URLhausReference
		if link == "" {
			link = u.URL
		}
		out = append(out, finding.RawCandidate{
			Source: s.Name(),
			URL:    link,
			Title:  fmt.Sprintf("Malicious URL hosted on %s", domain),
			Text: fmt.Sprintf("Malicious URL detected on %s: %s. Threat: %s, status: %s, tags: %s",
				domain, u.URL, u.Threat, u.URLStatus, strings.Join(u.Tags, ", ")),
			Timestamp: parseURLhausDate(u.DateAdded),
		})
	}
	return out, nil
}

func parseURLhausDate(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05 MST", s)
	if err != nil {
		return time.Time{}
	}
	return t
}
