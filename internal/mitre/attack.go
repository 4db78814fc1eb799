// Package mitre tags findings with the MITRE ATT&CK techniques an adversary
// would be exercising when the finding's material is out in the wild.
package mitre

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lvonguyen/darkwatch/internal/finding"
)

// Technique represents a MITRE ATT&CK technique
type Technique struct {
	ID     string `json:"id"`   // e.g., "T1589.001"
	Name   string `json:"name"` // e.g., "Credentials"
	Tactic string `json:"tactic"`
	URL    string `json:"url"`
}

// Mapping is one technique attached to a finding.
type Mapping struct {
	TechniqueID   string  `json:"technique_id"`
	TechniqueName string  `json:"technique_name"`
	TacticName    string  `json:"tactic_name"`
	Confidence    float64 `json:"confidence"` // 0.0 - 1.0
	Evidence      string  `json:"evidence"`
}

type keywordRule struct {
	technique  string
	keywords   []string
	confidence float64
}

// Mapper maps findings onto techniques. It is read-only after construction
// and safe for concurrent use.
type Mapper struct {
	techniques map[string]Technique
	bySource   map[string]string
	rules      []keywordRule
	// MinConfidence drops weaker mappings from Tag.
	MinConfidence float64
}

// NewMapper creates a mapper with the built-in catalogue.
func NewMapper() *Mapper {
	m := &Mapper{
		techniques:    make(map[string]Technique),
		MinConfidence: 0.5,
	}

	for _, t := range []Technique{
		{ID: "T1589", Name: "Gather Victim Identity Information", Tactic: "reconnaissance"},
		{ID: "T1589.001", Name: "Credentials", Tactic: "reconnaissance"},
		{ID: "T1589.002", Name: "Email Addresses", Tactic: "reconnaissance"},
		{ID: "T1593.003", Name: "Code Repositories", Tactic: "reconnaissance"},
		{ID: "T1597", Name: "Search Closed Sources", Tactic: "reconnaissance"},
		{ID: "T1597.002", Name: "Purchase Technical Data", Tactic: "reconnaissance"},
		{ID: "T1583.001", Name: "Domains", Tactic: "resource-development"},
		{ID: "T1608.005", Name: "Link Target", Tactic: "resource-development"},
		{ID: "T1566.002", Name: "Spearphishing Link", Tactic: "initial-access"},
		{ID: "T1078", Name: "Valid Accounts", Tactic: "initial-access"},
		{ID: "T1552.001", Name: "Credentials In Files", Tactic: "credential-access"},
		{ID: "T1486", Name: "Data Encrypted for Impact", Tactic: "impact"},
		{ID: "T1657", Name: "Financial Theft", Tactic: "impact"},
	} {
		t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.ID, ".", "/"))
		m.techniques[t.ID] = t
	}

	// What the source itself implies about the material.
	m.bySource = map[string]string{
		"ahmia":   "T1597",
		"github":  "T1593.003",
		"hibp":    "T1589",
		"urlhaus": "T1608.005",
		"otx":     "T1583.001",
	}

	m.rules = []keywordRule{
		{"T1589.001", []string{"password", "credential", "combolist", "combo list", "login dump", "stealer log"}, 0.8},
		{"T1589.002", []string{"email list", "emails leaked", "mailing list dump"}, 0.6},
		{"T1597.002", []string{"for sale", "selling access", "initial access broker", "marketplace", "auction"}, 0.7},
		{"T1078", []string{"vpn access", "rdp access", "access to network", "admin access"}, 0.7},
		{"T1566.002", []string{"phishing", "phish kit", "lookalike domain"}, 0.7},
		{"T1552.001", []string{"api key", "secret key", "aws_secret", "private key", ".env"}, 0.7},
		{"T1486", []string{"ransomware", "encrypted our", "leak site"}, 0.8},
		{"T1657", []string{"wire fraud", "invoice fraud", "bec scam"}, 0.6},
	}

	return m
}

// Technique looks up a catalogued technique.
func (m *Mapper) Technique(id string) (Technique, bool) {
	t, ok := m.techniques[id]
	return t, ok
}

// Map returns every technique suggested by f's source and text, strongest
// first.
func (m *Mapper) Map(f finding.Finding) []Mapping {
	var mappings []Mapping
	seen := make(map[string]int)

	add := func(id string, confidence float64, evidence string) {
		t, ok := m.techniques[id]
		if !ok {
			return
		}
		if i, dup := seen[id]; dup {
			if confidence > mappings[i].Confidence {
				mappings[i].Confidence = confidence
				mappings[i].Evidence = evidence
			}
			return
		}
		seen[id] = len(mappings)
		mappings = append(mappings, Mapping{
			TechniqueID:   t.ID,
			TechniqueName: t.Name,
			TacticName:    t.Tactic,
			Confidence:    confidence,
			Evidence:      evidence,
		})
	}

	if id, ok := m.bySource[f.Source]; ok {
		add(id, 0.6, fmt.Sprintf("reported by %s", f.Source))
	}

	text := strings.ToLower(f.Title + " " + f.Text)
	for _, rule := range m.rules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				add(rule.technique, rule.confidence, fmt.Sprintf("mentions %q", kw))
				break
			}
		}
	}

	sort.SliceStable(mappings, func(i, j int) bool {
		return mappings[i].Confidence > mappings[j].Confidence
	})
	return mappings
}

// Tag returns the IDs of mappings at or above MinConfidence.
func (m *Mapper) Tag(f finding.Finding) []string {
	var ids []string
	for _, mapping := range m.Map(f) {
		if mapping.Confidence >= m.MinConfidence {
			ids = append(ids, mapping.TechniqueID)
		}
	}
	return ids
}
