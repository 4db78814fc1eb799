// Package matching scores normalized findings against the watch target set.
package matching

import (
	"strings"

	"github.com/lvonguyen/darkwatch/internal/finding"
	"github.com/lvonguyen/darkwatch/internal/targets"
)

// DefaultMinScore is the similarity floor below which a target does not match.
const DefaultMinScore = 50

// EngineConfig holds match configuration.
type EngineConfig struct {
	MinScore int `yaml:"min_score"`
}

// Engine matches finding text against watch targets.
type Engine struct {
	minScore int
}

// NewEngine creates a match engine; a zero floor falls back to DefaultMinScore.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MinScore <= 0 {
		cfg.MinScore = DefaultMinScore
	}
	return &Engine{minScore: cfg.MinScore}
}

// candidate is one target's score against the text.
type candidate struct {
	entry    targets.Entry
	score    int
	exact    bool
	priority int
	fragment string
}

// better applies the tie-break order: score, explicit priority, exact
// containment, then registration order.
func (c candidate) better(o candidate) bool {
	if c.score != o.score {
		return c.score > o.score
	}
	if c.priority != o.priority {
		return c.priority > o.priority
	}
	if c.exact != o.exact {
		return c.exact
	}
	return c.entry.Order < o.entry.Order
}

// Score attaches the best matching target to f. It returns false when no
// target clears the floor; that is an expected outcome, not an error.
func (e *Engine) Score(f finding.Finding, set *targets.Set) (finding.Finding, bool) {
	text := strings.TrimSpace(f.Title + " " + f.Text)
	textTokens := Tokenize(text)
	lowerText := strings.ToLower(text)
	if len(textTokens) == 0 {
		return f, false
	}

	var best *candidate
	for _, entry := range set.Entries() {
		c := e.scoreEntry(entry, textTokens, lowerText)
		if c.score < e.minScore {
			continue
		}
		if p, ok := set.PriorityOf(entry.Value); ok {
			c.priority = p.Rank()
		}
		if best == nil || c.better(*best) {
			cc := c
			best = &cc
		}
	}

	if best == nil {
		return f, false
	}

	f.MatchedTarget = best.entry.Value
	f.MatchedKind = best.entry.Kind
	f.MatchedKeyword = best.fragment
	f.Confidence = best.score
	f.Exact = best.exact
	if p, ok := set.PriorityOf(best.entry.Value); ok {
		f.Priority = string(p)
	}
	if c, ok := set.CategoryOf(best.entry.Value); ok {
		f.Category = c
	}
	return f, true
}

func (e *Engine) scoreEntry(entry targets.Entry, textTokens []string, lowerText string) candidate {
	c := candidate{entry: entry}
	target := strings.TrimSpace(entry.Value)
	targetTokens := Tokenize(target)
	if len(targetTokens) == 0 {
		return c
	}

	lowerTarget := strings.ToLower(target)
	if containsTokens(textTokens, targetTokens) ||
		containsAtBoundary(lowerText, lowerTarget) ||
		(hasCJK(target) && strings.Contains(lowerText, lowerTarget)) {
		c.score, c.exact, c.fragment = 100, true, target
		return c
	}

	c.score, c.fragment = bestScore(targetTokens, textTokens)
	return c
}
