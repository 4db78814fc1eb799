package scheduler

import (
	"github.com/lvonguyen/darkwatch/internal/finding"
	"github.com/lvonguyen/darkwatch/internal/targets"
)

type scorerStub struct{}

func (scorerStub) Score(f finding.Finding, set *targets.Set) (finding.Finding, bool) {
	values := set.Values()
	if len(values) == 0 {
		return f, false
	}
	f.MatchedTarget = values[0]
	f.Confidence = 95
	return f, true
}

type classifierStub struct{}

func (classifierStub) Classify(finding.Finding) finding.Severity { return finding.SeverityHigh }
