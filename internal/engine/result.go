package engine

import (
	"time"

	"github.com/lvonguyen/darkwatch/internal/alerting"
	"github.com/lvonguyen/darkwatch/internal/finding"
)

// Source error kinds.
const (
	KindTransient = "transient"
	KindMalformed = "malformed"
	KindTimeout   = "timeout"
	KindCancelled = "cancelled"
)

// Suppression reasons.
const ReasonCap = "cap"

// SourceError records one source's failure for one cycle.
type SourceError struct {
	Source   string `json:"source"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
}

// SuppressedFinding is a finding that passed every filter but was withheld.
type SuppressedFinding struct {
	ID            string           `json:"id"`
	Source        string           `json:"source"`
	MatchedTarget string           `json:"matched_target"`
	Confidence    int              `json:"confidence"`
	Severity      finding.Severity `json:"severity"`
	Reason        string           `json:"reason"`
}

// AlertSummary describes one finding handed to the dispatcher.
type AlertSummary struct {
	ID            string           `json:"id"`
	Source        string           `json:"source"`
	URL           string           `json:"url,omitempty"`
	MatchedTarget string           `json:"matched_target"`
	Confidence    int              `json:"confidence"`
	Severity      finding.Severity `json:"severity"`
	Techniques    []string         `json:"techniques,omitempty"`
	Synthetic     bool             `json:"synthetic,omitempty"`
	Delivered     bool             `json:"delivered"`
}

// DeliveryFailure lists the sinks that rejected one finding.
type DeliveryFailure struct {
	FindingID string               `json:"finding_id"`
	Failures  []alerting.SinkError `json:"failures"`
}

// CycleResult is the observable outcome of one cycle.
type CycleResult struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Sources      []string       `json:"sources"`
	Candidates   map[string]int `json:"candidates"`
	SourceErrors []SourceError  `json:"source_errors,omitempty"`
	Fallback     bool           `json:"fallback"`

	Normalized     int `json:"normalized"`
	Matched        int `json:"matched"`
	BelowThreshold int `json:"below_threshold"`
	Duplicates     int `json:"duplicates"`
	AfterDedup     int `json:"after_dedup"`
	StoreErrors    int `json:"store_errors"`

	// Dispatched counts alerts attempted, delivered or not.
	Dispatched       int                 `json:"dispatched"`
	Delivered        int                 `json:"delivered"`
	Alerts           []AlertSummary      `json:"alerts,omitempty"`
	Suppressed       []SuppressedFinding `json:"suppressed,omitempty"`
	DeliveryFailures []DeliveryFailure   `json:"delivery_failures,omitempty"`

	RecordError string `json:"record_error,omitempty"`
}

// DedupRate is the share of confident findings that were duplicates.
func (r *CycleResult) DedupRate() float64 {
	total := r.Duplicates + r.AfterDedup
	if total == 0 {
		return 0
	}
	return float64(r.Duplicates) / float64(total)
}

// Duration is the wall time of the cycle.
func (r *CycleResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// TotalCandidates sums candidates across sources.
func (r *CycleResult) TotalCandidates() int {
	n := 0
	for _, c := range r.Candidates {
		n += c
	}
	return n
}

// Failed reports whether source failed this cycle.
func (r *CycleResult) Failed(source string) bool {
	for _, e := range r.SourceErrors {
		if e.Source == source {
			return true
		}
	}
	return false
}
