// Package targets holds the set of organizations, domains, and keywords being
// watched, along with per-target priority and category overrides.
package targets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/darkwatch/internal/finding"
)

// Common errors.
var (
	ErrInvalidPriority = errors.New("invalid priority")
	ErrEmptyTarget     = errors.New("target must not be empty")
)

// Priority is an explicit per-target override.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Rank orders priorities for tie-breaking; unset ranks 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Severity maps a priority onto the matching alert severity.
func (p Priority) Severity() finding.Severity {
	switch p {
	case PriorityHigh:
		return finding.SeverityHigh
	case PriorityMedium:
		return finding.SeverityMedium
	case PriorityLow:
		return finding.SeverityLow
	default:
		return ""
	}
}

// ParsePriority accepts HIGH, MEDIUM or LOW in any case.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if p.Rank() == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
	return p, nil
}

// Entry is one watch target with its registration order.
type Entry struct {
	Value string
	Kind  finding.TargetKind
	Order int
}

// Set is an immutable snapshot of watch targets. It is safe for concurrent
// reads; changes produce a new Set.
type Set struct {
	Names      []string            `yaml:"company_names" json:"company_names"`
	Domains    []string            `yaml:"domains" json:"domains"`
	Keywords   []string            `yaml:"keywords" json:"keywords"`
	Priorities map[string]Priority `yaml:"priority_targets" json:"priority_targets"`
	Categories map[string]string   `yaml:"categories" json:"categories"`

	entries []Entry
}

// Load reads a targets file. YAML and JSON are both accepted.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets file: %w", err)
	}
	return Parse(data)
}

// Parse decodes target definitions and builds the ordered entry list.
func Parse(data []byte) (*Set, error) {
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse targets: %w", err)
	}
	return New(s.Names, s.Domains, s.Keywords, s.Priorities, s.Categories)
}

// New builds a Set, dropping blank and duplicate entries within each list.
func New(names, domains, keywords []string, priorities map[string]Priority, categories map[string]string) (*Set, error) {
	s := &Set{
		Names:      dedupe(names),
		Domains:    dedupe(domains),
		Keywords:   dedupe(keywords),
		Priorities: make(map[string]Priority, len(priorities)),
		Categories: make(map[string]string, len(categories)),
	}

	for target, p := range priorities {
		parsed, err := ParsePriority(string(p))
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", target, err)
		}
		s.Priorities[target] = parsed
	}
	for target, c := range categories {
		s.Categories[target] = c
	}

	order := 0
	add := func(values []string, kind finding.TargetKind) {
		for _, v := range values {
			s.entries = append(s.entries, Entry{Value: v, Kind: kind, Order: order})
			order++
		}
	}
	add(s.Names, finding.KindName)
	add(s.Domains, finding.KindDomain)
	add(s.Keywords, finding.KindKeyword)

	return s, nil
}

// Entries returns targets in matching order: names, domains, then keywords.
func (s *Set) Entries() []Entry {
	if s == nil {
		return nil
	}
	return s.entries
}

// Len returns the number of distinct targets.
func (s *Set) Len() int {
	return len(s.Entries())
}

// PriorityOf returns the explicit priority for a target, if any. Overrides
// keyed by a string that is not a registered target are ignored.
func (s *Set) PriorityOf(target string) (Priority, bool) {
	if s == nil || !s.contains(target) {
		return "", false
	}
	p, ok := s.Priorities[target]
	return p, ok
}

// CategoryOf returns the category label for a target, if any.
func (s *Set) CategoryOf(target string) (string, bool) {
	if s == nil || !s.contains(target) {
		return "", false
	}
	c, ok := s.Categories[target]
	return c, ok
}

// Values returns every target string in matching order.
func (s *Set) Values() []string {
	out := make([]string, 0, s.Len())
	for _, e := range s.Entries() {
		out = append(out, e.Value)
	}
	return out
}

func (s *Set) contains(target string) bool {
	for _, e := range s.entries {
		if e.Value == target {
			return true
		}
	}
	return false
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
