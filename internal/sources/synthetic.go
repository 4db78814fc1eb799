package sources

import (
	"context"
	"fmt"
	"strings"

	"github.com/lvonguyen/darkwatch/internal/finding"
	"github.com/lvonguyen/darkwatch/internal/targets"
)

// SyntheticName is the source name carried by fallback candidates.
const SyntheticName = "synthetic"

// maxSyntheticTargets caps how many targets get a generated candidate.
const maxSyntheticTargets = 10

type syntheticTemplate struct {
	title   string
	content string
}

var syntheticTemplates = []syntheticTemplate{
	{
		title:   "%s Database Leak Found on Dark Web Forum",
		content: "A database containing %s records from %s has been discovered on a dark web forum. The data includes email addresses, hashed passwords, and user information.",
	},
	{
		title:   "Credentials for %s Employees Exposed",
		content: "Employee credentials for %[2]s were found in a recent combo list release. The list contains %[1]s email/password combinations.",
	},
	{
		title:   "%s Mentioned in Underground Forum",
		content: "Discussion about %[2]s security practices observed in a hacking forum (%[1]s views). No immediate threat identified.",
	},
	{
		title:   "Vulnerability in %s Systems Discussed",
		content: "Researchers discussing a potential vulnerability in %[2]s infrastructure, %[1]s hosts possibly affected. Patch status unknown.",
	},
}

var syntheticVolumes = []string{"1,000", "5,000", "10,000", "50,000", "100,000", "500,000"}

// Generate produces deterministic candidates that mention the watch targets,
// so the pipeline is exercised end to end when every live source comes back
// empty. It always returns at least one candidate.
func Generate(set *targets.Set) []finding.RawCandidate {
	entries := set.Entries()
	if len(entries) > maxSyntheticTargets {
		entries = entries[:maxSyntheticTargets]
	}

	if len(entries) == 0 {
		return []finding.RawCandidate{{
			Source:    SyntheticName,
			URL:       "synthetic://heartbeat",
			Title:     "darkwatch pipeline heartbeat",
			Text:      "No watch targets configured; synthetic heartbeat candidate.",
			Synthetic: true,
		}}
	}

	out := make([]finding.RawCandidate, 0, len(entries))
	for i, e := range entries {
		tmpl := syntheticTemplates[i%len(syntheticTemplates)]
		volume := syntheticVolumes[i%len(syntheticVolumes)]
		out = append(out, finding.RawCandidate{
			Source:    SyntheticName,
			URL:       fmt.Sprintf("synthetic://%s/%d", slug(e.Value), i),
			Title:     fmt.Sprintf(tmpl.title, e.Value),
			Text:      fmt.Sprintf(tmpl.content, volume, e.Value),
			Synthetic: true,
		})
	}
	return out
}

func slug(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}

// SyntheticSource exposes Generate through the Source interface so the
// fallback can be selected and logged like any other adapter.
type SyntheticSource struct {
	set *targets.Set
}

// NewSyntheticSource creates the fallback source for set.
func NewSyntheticSource(set *targets.Set) *SyntheticSource {
	return &SyntheticSource{set: set}
}

// Name returns the source identifier.
func (s *SyntheticSource) Name() string { return SyntheticName }

// Fetch never fails.
func (s *SyntheticSource) Fetch(context.Context) ([]finding.RawCandidate, error) {
	return Generate(s.set), nil
}
