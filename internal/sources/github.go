package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/go-github/v53/github"
	"golang.org/x/oauth2"

	"github.com/lvonguyen/darkwatch/internal/finding"
	"github.com/lvonguyen/darkwatch/internal/targets"
)

// leakQualifier narrows code search to files that look like credential dumps.
const leakQualifier = "(password OR api_key OR secret OR token OR credential)"

// GitHubConfig configures the code-search adapter.
type GitHubConfig struct {
	TokenEnv   string        `yaml:"token_env"`
	BaseURL    string        `yaml:"base_url"` // GitHub Enterprise or test server
	MaxQueries int           `yaml:"max_queries"`
	PerPage    int           `yaml:"per_page"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultGitHubConfig returns defaults for public GitHub.
func DefaultGitHubConfig() GitHubConfig {
	return GitHubConfig{
		TokenEnv:   "GITHUB_TOKEN",
		MaxQueries: 10,
		PerPage:    30,
		Timeout:    30 * time.Second,
	}
}

// GitHubSource searches public code for watched domains and names near
// credential-looking keywords.
type GitHubSource struct {
	config GitHubConfig
	client *github.Client
	terms  []string
}

// NewGitHubSource creates a code-search source. Code search requires an
// authenticated token.
func NewGitHubSource(cfg GitHubConfig, set *targets.Set) (*GitHubSource, error) {
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("%w: GitHub token not found in env var: %s", ErrNotConfigured, cfg.TokenEnv)
	}
	if cfg.PerPage <= 0 || cfg.PerPage > 100 {
		cfg.PerPage = 30
	}

	base := defaultHTTPClient(cfg.Timeout)
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	tc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))

	client := github.NewClient(tc)
	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL: %w", err)
		}
		client.BaseURL = u
	}

	var terms []string
	if set != nil {
		terms = append(terms, set.Domains...)
		terms = append(terms, set.Names...)
	}
	if cfg.MaxQueries > 0 && len(terms) > cfg.MaxQueries {
		terms = terms[:cfg.MaxQueries]
	}

	return &GitHubSource{config: cfg, client: client, terms: terms}, nil
}

// Name returns the source identifier.
func (s *GitHubSource) Name() string { return "github" }

// Fetch runs one code search per term.
func (s *GitHubSource) Fetch(ctx context.Context) ([]finding.RawCandidate, error) {
	var (
		out  []finding.RawCandidate
		errs []error
	)
	for _, term := range s.terms {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		results, err := s.searchCode(ctx, term)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, results...)
	}
	return out, errors.Join(errs...)
}

func (s *GitHubSource) searchCode(ctx context.Context, term string) ([]finding.RawCandidate, error) {
	query := fmt.Sprintf("%q %s", term, leakQualifier)
	opts := &github.SearchOptions{
		Sort:        "indexed",
		Order:       "desc",
		ListOptions: github.ListOptions{PerPage: s.config.PerPage},
	}

	res, _, err := s.client.Search.Code(ctx, query, opts)
	if err != nil {
		return nil, classifyGitHubError(err)
	}

	out := make([]finding.RawCandidate, 0, len(res.CodeResults))
	for _, item := range res.CodeResults {
		repo := item.GetRepository()
		out = append(out, finding.RawCandidate{
			Source: s.Name(),
			URL:    item.GetHTMLURL(),
			Title:  fmt.Sprintf("GitHub: potential exposure in %s", repo.GetFullName()),
			Text: fmt.Sprintf("Found %q in %s: %s. Path: %s",
				term, repo.GetFullName(), item.GetName(), item.GetPath()),
		})
	}
	return out, nil
}

func classifyGitHubError(err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	var respErr *github.ErrorResponse

	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		return Transient(fmt.Errorf("github rate limited: %w", err))
	case errors.As(err, &respErr) && respErr.Response != nil:
		code := respErr.Response.StatusCode
		if code == http.StatusTooManyRequests || code >= 500 {
			return Transient(fmt.Errorf("github search failed: %w", err))
		}
		return Malformed(fmt.Errorf("github search rejected: %w", err))
	default:
		return requestError("github", err)
	}
}
