// Package classification assigns an operator-facing severity to matched
// findings.
package classification

import (
	"strings"

	"github.com/lvonguyen/darkwatch/internal/finding"
	"github.com/lvonguyen/darkwatch/internal/targets"
)

// CategoryRule adjusts severity for every target in a category.
type CategoryRule struct {
	// AlertAll forces HIGH for any finding in the category.
	AlertAll bool `yaml:"alert_all"`
	// FocusKeywords escalate one step when present in the finding text.
	FocusKeywords []string `yaml:"focus_keywords"`
}

// ClassifierConfig holds classification settings.
type ClassifierConfig struct {
	HighConfidence   int                     `yaml:"high_confidence"`
	MediumConfidence int                     `yaml:"medium_confidence"`
	CategoryRules    map[string]CategoryRule `yaml:"category_rules"`
}

// DefaultClassifierConfig returns the default confidence bands.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		HighConfidence:   90,
		MediumConfidence: 75,
	}
}

// Classifier maps findings to severities. It is pure and safe for concurrent use.
type Classifier struct {
	config ClassifierConfig
}

// NewClassifier creates a classifier, filling unset bands with defaults.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	defaults := DefaultClassifierConfig()
	if cfg.HighConfidence <= 0 {
		cfg.HighConfidence = defaults.HighConfidence
	}
	if cfg.MediumConfidence <= 0 {
		cfg.MediumConfidence = defaults.MediumConfidence
	}
	return &Classifier{config: cfg}
}

// Classify returns the severity for a matched finding. Explicit priority comes
// first, then category rules, then the confidence band.
func (c *Classifier) Classify(f finding.Finding) finding.Severity {
	severity := c.base(f)

	rule, ok := c.config.CategoryRules[f.Category]
	if f.Category == "" || !ok {
		return severity
	}
	if rule.AlertAll {
		return finding.SeverityHigh
	}
	if containsAny(f.Title+" "+f.Text, rule.FocusKeywords) {
		return severity.Escalate()
	}
	return severity
}

func (c *Classifier) base(f finding.Finding) finding.Severity {
	if f.Priority != "" {
		if p, err := targets.ParsePriority(f.Priority); err == nil {
			return p.Severity()
		}
	}
	switch {
	case f.Confidence >= c.config.HighConfidence:
		return finding.SeverityHigh
	case f.Confidence >= c.config.MediumConfidence:
		return finding.SeverityMedium
	default:
		return finding.SeverityLow
	}
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
