package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/lvonguyen/darkwatch/internal/finding"
)

// RSSConfig lists the feeds to poll.
type RSSConfig struct {
	Feeds      []string      `yaml:"feeds"`
	MaxPerFeed int           `yaml:"max_per_feed"`
	Timeout    time.Duration `yaml:"timeout"`
	UserAgent  string        `yaml:"user_agent"`
}

// DefaultRSSConfig returns security news and breach-disclosure feeds.
func DefaultRSSConfig() RSSConfig {
	return RSSConfig{
		Feeds: []string{
			"https://www.bleepingcomputer.com/feed/",
			"https://feeds.feedburner.com/TheHackersNews",
			"https://krebsonsecurity.com/feed/",
			"https://www.databreaches.net/feed/",
			"https://feeds.feedburner.com/HaveIBeenPwnedLatestBreaches",
		},
		MaxPerFeed: 50,
		Timeout:    30 * time.Second,
		UserAgent:  "darkwatch/1.0",
	}
}

// RSSSource reads every configured feed once per fetch.
type RSSSource struct {
	config RSSConfig
	parser *gofeed.Parser
}

// NewRSSSource creates an RSS/Atom source.
func NewRSSSource(cfg RSSConfig) (*RSSSource, error) {
	if len(cfg.Feeds) == 0 {
		return nil, fmt.Errorf("%w: no feeds", ErrNotConfigured)
	}
	if cfg.MaxPerFeed <= 0 {
		cfg.MaxPerFeed = 50
	}
	parser := gofeed.NewParser()
	parser.Client = defaultHTTPClient(cfg.Timeout)
	if cfg.UserAgent != "" {
		parser.UserAgent = cfg.UserAgent
	}
	return &RSSSource{config: cfg, parser: parser}, nil
}

// Name returns the source identifier.
func (s *RSSSource) Name() string { return "rss" }

// Fetch parses each feed. A failing feed does not stop the others; its error
// is joined into the returned error alongside the items that did arrive.
func (s *RSSSource) Fetch(ctx context.Context) ([]finding.RawCandidate, error) {
	var (
		out  []finding.RawCandidate
		errs []error
	)
	for _, feedURL := range s.config.Feeds {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		items, err := s.fetchFeed(ctx, feedURL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, items...)
	}
	return out, errors.Join(errs...)
}

func (s *RSSSource) fetchFeed(ctx context.Context, feedURL string) ([]finding.RawCandidate, error) {
	feed, err := s.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		var httpErr gofeed.HTTPError
		switch {
		case errors.As(err, &httpErr):
			e := fmt.Errorf("feed %s returned %d", feedURL, httpErr.StatusCode)
			if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
				return nil, Transient(e)
			}
			return nil, Malformed(e)
		case errors.Is(err, gofeed.ErrFeedTypeNotDetected):
			return nil, Malformed(fmt.Errorf("feed %s: %w", feedURL, err))
		default:
			return nil, requestError("feed "+feedURL, err)
		}
	}

	count := len(feed.Items)
	if count > s.config.MaxPerFeed {
		count = s.config.MaxPerFeed
	}
	out := make([]finding.RawCandidate, 0, count)
	for _, item := range feed.Items[:count] {
		text := item.Description
		if text == "" {
			text = item.Content
		}

		var ts time.Time
		if item.PublishedParsed != nil {
			ts = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			ts = *item.UpdatedParsed
		}

		link := item.Link
		if link == "" {
			link = item.GUID
		}

		out = append(out, finding.RawCandidate{
			Source:    s.Name(),
			URL:       link,
			Title:     item.Title,
			Text:      htmlText(text),
			Timestamp: ts,
		})
	}
	return out, nil
}
