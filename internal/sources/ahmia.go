package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/lvonguyen/darkwatch/internal/finding"
	"github.com/lvonguyen/darkwatch/internal/targets"
)

const ahmiaDefaultBaseURL = "https://ahmia.fi"

// AhmiaConfig configures the onion search adapter.
type AhmiaConfig struct {
	BaseURL    string        `yaml:"base_url"`
	MaxQueries int           `yaml:"max_queries"`
	MaxResults int           `yaml:"max_results"`
	Timeout    time.Duration `yaml:"timeout"`
	UserAgent  string        `yaml:"user_agent"`
}

// DefaultAhmiaConfig returns defaults for ahmia.fi.
func DefaultAhmiaConfig() AhmiaConfig {
	return AhmiaConfig{
		BaseURL:    ahmiaDefaultBaseURL,
		MaxQueries: 20,
		MaxResults: 50,
		Timeout:    30 * time.Second,
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	}
}

// AhmiaSource searches the Ahmia Tor index for each watched term.
type AhmiaSource struct {
	config     AhmiaConfig
	httpClient *http.Client
	terms      []string
}

// NewAhmiaSource creates an Ahmia source for the watch targets.
func NewAhmiaSource(cfg AhmiaConfig, set *targets.Set) (*AhmiaSource, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ahmiaDefaultBaseURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	return &AhmiaSource{
		config:     cfg,
		httpClient: defaultHTTPClient(cfg.Timeout),
		terms:      queryTerms(set, cfg.MaxQueries),
	}, nil
}

// Name returns the source identifier.
func (s *AhmiaSource) Name() string { return "ahmia" }

// Fetch runs one search per watched term.
func (s *AhmiaSource) Fetch(ctx context.Context) ([]finding.RawCandidate, error) {
	var (
		out  []finding.RawCandidate
		errs []error
	)
	for _, term := range s.terms {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		results, err := s.search(ctx, term)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, results...)
	}
	return out, errors.Join(errs...)
}

func (s *AhmiaSource) search(ctx context.Context, term string) ([]finding.RawCandidate, error) {
	endpoint := strings.TrimRight(s.config.BaseURL, "/") + "/search/?" + url.Values{"q": {term}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating ahmia request: %w", err)
	}
	if s.config.UserAgent != "" {
		req.Header.Set("User-Agent", s.config.UserAgent)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, requestError("ahmia", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("ahmia", resp)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, Malformed(fmt.Errorf("parsing ahmia results: %w", err))
	}
	return s.parseResults(doc), nil
}

func (s *AhmiaSource) parseResults(doc *goquery.Document) []finding.RawCandidate {
	var out []finding.RawCandidate
	doc.Find("li.result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Find("a").First().Attr("href")
		link := resolveAhmiaLink(href)
		title := strings.TrimSpace(sel.Find("h4").First().Text())
		desc := strings.TrimSpace(sel.Find("p").First().Text())
		if link == "" && desc == "" && title == "" {
			return true
		}

		out = append(out, finding.RawCandidate{
			Source: s.Name(),
			URL:    link,
			Title:  title,
			Text:   desc,
		})
		return len(out) < s.config.MaxResults
	})
	return out
}

// resolveAhmiaLink unwraps Ahmia's click-tracking redirect to the onion URL.
func resolveAhmiaLink(href string) string {
	href = strings.TrimSpace(href)
	if !strings.Contains(href, "redirect_url=") {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("redirect_url"); target != "" {
		return target
	}
	return href
}
