package alerting

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes alerts to the structured log. It is the fallback when no
// other sink is configured and never fails.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("alert")}
}

// Name returns the sink identifier.
func (l *LogSink) Name() string { return "log" }

// Send logs the alert at warn level.
func (l *LogSink) Send(_ context.Context, alert Alert) error {
	f := alert.Finding
	l.logger.Warn(alert.Title,
		zap.String("severity", string(alert.Severity)),
		zap.String("finding_id", f.ID),
		zap.String("matched_target", f.MatchedTarget),
		zap.String("matched_keyword", f.MatchedKeyword),
		zap.Int("confidence", f.Confidence),
		zap.String("source", f.Source),
		zap.String("link", f.Link()),
		zap.Bool("synthetic", f.Synthetic),
	)
	return nil
}
