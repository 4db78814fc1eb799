// Package alerting formats findings into operator alerts and delivers them to
// the configured notification sinks.
package alerting

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/lvonguyen/darkwatch/internal/finding"
)

// SnippetContext is how many characters are kept on each side of the match.
const SnippetContext = 200

// Alert is the human-readable rendering of one finding.
type Alert struct {
	Title    string           `json:"title"`
	Text     string           `json:"text"`
	Severity finding.Severity `json:"severity"`
	Finding  finding.Finding  `json:"finding"`
}

// Format renders f into an alert.
func Format(f finding.Finding) Alert {
	term := f.MatchedKeyword
	if term == "" {
		term = f.MatchedTarget
	}
	category := f.Category
	if category == "" {
		category = "Unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*Matched Target:* %s (%s)\n", f.MatchedTarget, f.MatchedKind)
	fmt.Fprintf(&b, "*Matched Keyword:* %s\n", term)
	fmt.Fprintf(&b, "*Category:* %s\n", category)
	fmt.Fprintf(&b, "*Confidence Score:* %d%%\n", f.Confidence)
	fmt.Fprintf(&b, "*Source:* %s\n", f.Source)
	fmt.Fprintf(&b, "*URL:* %s\n", f.Link())
	if len(f.Techniques) > 0 {
		fmt.Fprintf(&b, "*ATT&CK:* %s\n", strings.Join(f.Techniques, ", "))
	}
	fmt.Fprintf(&b, "*Detection Time:* %s\n", f.DiscoveredAt.UTC().Format(time.RFC3339))
	if f.Synthetic {
		b.WriteString("*Note:* synthetic fallback finding\n")
	}
	fmt.Fprintf(&b, "\n*Context Snippet:*\n```\n%s\n```", Snippet(f.Title+" "+f.Text, term, SnippetContext))

	return Alert{
		Title:    fmt.Sprintf("Darkweb Alert - %s Severity: %s", f.Severity, f.MatchedTarget),
		Text:     b.String(),
		Severity: f.Severity,
		Finding:  f,
	}
}

// Snippet returns up to context characters either side of the first
// case-insensitive occurrence of term, with ellipses where text was cut. When
// term is absent the start of the text is returned.
func Snippet(text, term string, context int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "No content available"
	}

	runes := []rune(text)
	pos := indexFold(runes, []rune(term))
	if pos < 0 {
		if len(runes) > context*2 {
			return string(runes[:context*2]) + "..."
		}
		return text
	}

	start := pos - context
	if start < 0 {
		start = 0
	}
	end := pos + len([]rune(term)) + context
	if end > len(runes) {
		end = len(runes)
	}

	snippet := string(runes[start:end])
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(runes) {
		snippet += "..."
	}
	return snippet
}

// indexFold finds needle in haystack ignoring case, rune by rune.
func indexFold(haystack, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j, r := range needle {
			if unicode.ToLower(haystack[i+j]) != unicode.ToLower(r) {
				continue outer
			}
		}
		return i
	}
	return -1
}

// severityColor maps severity onto Slack attachment colors.
func severityColor(s finding.Severity) string {
	switch s {
	case finding.SeverityHigh:
		return "#ff0000"
	case finding.SeverityMedium:
		return "#ff9900"
	case finding.SeverityLow:
		return "#ffcc00"
	default:
		return "#808080"
	}
}
