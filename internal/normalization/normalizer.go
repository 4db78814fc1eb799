// Package normalization converts heterogeneous source records into the
// canonical Finding shape.
package normalization

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/lvonguyen/darkwatch/internal/finding"
)

// NormalizerConfig holds configuration for normalization.
type NormalizerConfig struct {
	// MaxTextLength truncates oversized payloads (runes). 0 disables.
	MaxTextLength int `yaml:"max_text_length"`
}

// Normalizer builds in-progress findings. It never fails: malformed fields
// degrade to defaults.
type Normalizer struct {
	config NormalizerConfig
	now    func() time.Time
}

// NewNormalizer creates a new normalizer.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	return &Normalizer{config: cfg, now: time.Now}
}

// Normalize converts a raw candidate into a finding with identifier, source,
// text and timestamp populated. Match fields are left empty.
func (n *Normalizer) Normalize(raw finding.RawCandidate, sourceName string) finding.Finding {
	source := strings.TrimSpace(sourceName)
	if source == "" {
		source = strings.TrimSpace(raw.Source)
	}
	if source == "" {
		source = "unknown"
	}

	title := n.cleanText(raw.Title)
	text := n.cleanText(raw.Text)
	url := strings.TrimSpace(raw.URL)

	discovered := raw.Timestamp
	if discovered.IsZero() {
		discovered = n.now()
	}

	return finding.Finding{
		ID:           finding.NewIdentifier(source, identityMaterial(url, title, text), raw.Synthetic),
		Source:       source,
		URL:          url,
		Title:        title,
		Text:         text,
		DiscoveredAt: discovered.UTC(),
		Synthetic:    raw.Synthetic,
	}
}

// identityMaterial picks what the dedup identifier is hashed over: the URL when
// present, otherwise the collapsed content.
func identityMaterial(url, title, text string) string {
	if url != "" {
		return url
	}
	return strings.ToLower(strings.Join(strings.Fields(title+" "+text), " "))
}

// cleanText repairs invalid UTF-8, strips control characters and collapses
// whitespace.
func (n *Normalizer) cleanText(s string) string {
	if s == "" {
		return ""
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}

	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")

	if n.config.MaxTextLength > 0 && utf8.RuneCountInString(s) > n.config.MaxTextLength {
		s = string([]rune(s)[:n.config.MaxTextLength])
	}
	return s
}
