// Package sources contains the adapters that pull candidate records from
// external feeds, search engines and threat-intel APIs.
package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/lvonguyen/darkwatch/internal/finding"
	"github.com/lvonguyen/darkwatch/internal/targets"
)

// Common errors.
var (
	// ErrTransient marks failures worth retrying: timeouts, network errors,
	// throttling and 5xx responses.
	ErrTransient = errors.New("transient source error")
	// ErrMalformed marks responses that cannot be used; retrying will not help.
	ErrMalformed = errors.New("malformed source response")
	// ErrUnknownSource is returned when a configured source is not registered.
	ErrUnknownSource = errors.New("unknown source")
	// ErrNotConfigured is returned by factories missing required settings.
	ErrNotConfigured = errors.New("source not configured")
)

// Source fetches raw candidates from one external system. Fetch must honor
// ctx and may return partial results together with an error.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]finding.RawCandidate, error)
}

// Transient wraps err as retryable.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Malformed wraps err as not retryable.
func Malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformed, err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformed) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// statusError classifies a non-2xx response.
func statusError(source string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s returned %d: %s", source, resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Transient(err)
	}
	return Malformed(err)
}

// requestError classifies a failed round trip. Cancellation of the caller's
// context is passed through untouched.
func requestError(source string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return Transient(fmt.Errorf("%s request failed: %w", source, err))
}

// htmlText extracts visible text from an HTML fragment.
func htmlText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return fragment
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}
	return strings.TrimSpace(doc.Text())
}

// defaultHTTPClient returns a client with the given timeout, falling back to 30s.
func defaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// =============================================================================
// Registry
// =============================================================================

// Factory builds a source bound to the watch targets of one cycle.
type Factory func(set *targets.Set) (Source, error)

// Registry maps source names to factories. Enabling a source is a matter of
// naming it in configuration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the named sources for set. Sources that fail to build are
// skipped and reported in the joined error; the rest are still returned.
func (r *Registry) Build(names []string, set *targets.Set) ([]Source, error) {
	var (
		out  []Source
		errs []error
		seen = make(map[string]struct{}, len(names))
	)
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		factory, ok := r.factories[name]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownSource, name))
			continue
		}
		src, err := factory(set)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %q: %w", name, err))
			continue
		}
		out = append(out, src)
	}
	return out, errors.Join(errs...)
}

// queryTerms returns the target strings adapters search for: domains first,
// then names and keywords, capped at limit when limit > 0.
func queryTerms(set *targets.Set, limit int) []string {
	if set == nil {
		return nil
	}
	var terms []string
	terms = append(terms, set.Domains...)
	terms = append(terms, set.Names...)
	terms = append(terms, set.Keywords...)
	if limit > 0 && len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}
