package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lvonguyen/darkwatch/internal/finding"
	"github.com/lvonguyen/darkwatch/internal/targets"
)

const hibpDefaultBaseURL = "https://haveibeenpwned.com/api/v3"

// HIBPConfig configures the breach catalogue adapter.
type HIBPConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKeyEnv string        `yaml:"api_key_env"` // optional; the breach list is public
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// DefaultHIBPConfig returns defaults for haveibeenpwned.com.
func DefaultHIBPConfig() HIBPConfig {
	return HIBPConfig{
		BaseURL:   hibpDefaultBaseURL,
		APIKeyEnv: "HIBP_API_KEY",
		Timeout:   30 * time.Second,
		UserAgent: "darkwatch",
	}
}

// HIBPBreach is one entry of the public breach catalogue.
type HIBPBreach struct {
	Name        string   `json:"Name"`
	Title       string   `json:"Title"`
	Domain      string   `json:"Domain"`
	BreachDate  string   `json:"BreachDate"`
	AddedDate   string   `json:"AddedDate"`
	PwnCount    int      `json:"PwnCount"`
	Description string   `json:"Description"`
	DataClasses []string `json:"DataClasses"`
}

// HIBPSource downloads the breach catalogue once per fetch and keeps the
// breaches whose domain is watched.
type HIBPSource struct {
	config     HIBPConfig
	httpClient *http.Client
	domains    []string
}

// NewHIBPSource creates a breach catalogue source.
func NewHIBPSource(cfg HIBPConfig, set *targets.Set) (*HIBPSource, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = hibpDefaultBaseURL
	}
	var domains []string
	if set != nil {
		for _, d := range set.Domains {
			domains = append(domains, strings.ToLower(d))
		}
	}
	return &HIBPSource{
		config:     cfg,
		httpClient: defaultHTTPClient(cfg.Timeout),
		domains:    domains,
	}, nil
}

// Name returns the source identifier.
func (s *HIBPSource) Name() string { return "hibp" }

// Fetch lists breaches and filters them by watched domain.
func (s *HIBPSource) Fetch(ctx context.Context) ([]finding.RawCandidate, error) {
	if len(s.domains) == 0 {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.config.BaseURL, "/")+"/breaches", nil)
	if err != nil {
		return nil, fmt.Errorf("creating hibp request: %w", err)
	}
	req.Header.Set("User-Agent", s.config.UserAgent)
	if key := os.Getenv(s.config.APIKeyEnv); s.config.APIKeyEnv != "" && key != "" {
		req.Header.Set("hibp-api-key", key)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, requestError("hibp", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("hibp", resp)
	}

	var breaches []HIBPBreach
	if err := json.NewDecoder(resp.Body).Decode(&breaches); err != nil {
		return nil, Malformed(fmt.Errorf("decoding hibp breaches: %w", err))
	}

	var out []finding.RawCandidate
	for _, b := range breaches {
		if !s.watched(b.Domain) {
			continue
		}
		out = append(out, finding.RawCandidate{
			Source: s.Name(),
			URL:    "https://haveibeenpwned.com/breach/" + b.Name,
			Title:  fmt.Sprintf("%s breach disclosed", b.Title),
			Text: fmt.Sprintf("%s (%s) breached on %s, %d accounts. Data: %s. %s",
				b.Title, b.Domain, b.BreachDate, b.PwnCount,
				strings.Join(b.DataClasses, ", "), htmlText(b.Description)),
			Timestamp: parseHIBPDate(b.AddedDate),
		})
	}
	return out, nil
}

// watched reports whether domain equals or is a subdomain of a watched domain.
func (s *HIBPSource) watched(domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}
	for _, d := range s.domains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

func parseHIBPDate(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
