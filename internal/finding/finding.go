// Package finding defines the candidate and finding records that flow through
// the monitoring pipeline.
package finding

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// SyntheticNamespace prefixes identifiers of fallback-generated findings so they
// never collide with identifiers of real source content.
const SyntheticNamespace = "synthetic:"

// Severity is the operator-facing urgency tier.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// Rank orders severities for sorting; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Escalate returns the next tier up, saturating at HIGH.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium, SeverityHigh:
		return SeverityHigh
	default:
		return SeverityLow
	}
}

// TargetKind identifies which list of the watch set produced a match.
type TargetKind string

const (
	KindName    TargetKind = "company_name"
	KindDomain  TargetKind = "domain"
	KindKeyword TargetKind = "keyword"
)

// RawCandidate is a record as produced by a source adapter.
type RawCandidate struct {
	Source    string    `json:"source"`
	URL       string    `json:"url,omitempty"`
	Title     string    `json:"title,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Synthetic bool      `json:"synthetic,omitempty"`
}

// Finding is a normalized candidate, populated further by matching and
// classification.
type Finding struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	URL    string `json:"url,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text"`

	MatchedTarget  string     `json:"matched_target,omitempty"`
	MatchedKind    TargetKind `json:"matched_kind,omitempty"`
	MatchedKeyword string     `json:"matched_keyword,omitempty"`
	Confidence     int        `json:"confidence"`
	Exact          bool       `json:"exact"`

	Category string   `json:"category,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Severity Severity `json:"severity,omitempty"`

	// Techniques are MITRE ATT&CK technique IDs.
	Techniques []string `json:"techniques,omitempty"`

	DiscoveredAt time.Time `json:"discovered_at"`
	Synthetic    bool      `json:"synthetic,omitempty"`
}

// Matched reports whether a watch target has been attached.
func (f *Finding) Matched() bool {
	return f.MatchedTarget != ""
}

// Link returns the URL when known, otherwise the identifier.
func (f *Finding) Link() string {
	if f.URL != "" {
		return f.URL
	}
	return f.ID
}

// NewIdentifier derives the stable dedup identifier for content from a source.
// The source name is part of the hashed material so identical URLs from
// different sources stay distinct.
func NewIdentifier(source, urlOrText string, synthetic bool) string {
	data := strings.Join([]string{strings.ToLower(strings.TrimSpace(source)), urlOrText}, "|")
	hash := sha256.Sum256([]byte(data))
	id := hex.EncodeToString(hash[:16])
	if synthetic {
		return SyntheticNamespace + id
	}
	return id
}

// IsSyntheticID reports whether id belongs to the synthetic namespace.
func IsSyntheticID(id string) bool {
	return strings.HasPrefix(id, SyntheticNamespace)
}
