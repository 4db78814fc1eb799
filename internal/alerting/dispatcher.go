package alerting

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/darkwatch/internal/finding"
)

// ErrNoSinkAccepted is returned when every sink rejected an alert.
var ErrNoSinkAccepted = errors.New("no sink accepted the alert")

// Sink delivers formatted alerts to one notification channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// SinkError records one sink's failure for one alert.
type SinkError struct {
	Sink    string `json:"sink"`
	Message string `json:"message"`
}

// Delivery is the outcome of dispatching one finding.
type Delivery struct {
	FindingID string      `json:"finding_id"`
	Delivered bool        `json:"delivered"`
	Accepted  []string    `json:"accepted,omitempty"`
	Failures  []SinkError `json:"failures,omitempty"`
}

// Err summarizes a failed delivery as an error.
func (d Delivery) Err() error {
	if d.Delivered {
		return nil
	}
	return fmt.Errorf("%w: %d sink failures", ErrNoSinkAccepted, len(d.Failures))
}

// Dispatcher fans alerts out to every configured sink. A finding counts as
// delivered when at least one sink accepts it. The log sink only counts when
// it is the sole kind of sink configured, since it never fails.
type Dispatcher struct {
	sinks   []Sink
	logOnly bool
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher. With no sinks it falls back to logging.
func NewDispatcher(logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(sinks) == 0 {
		sinks = []Sink{NewLogSink(logger)}
	}
	logOnly := true
	for _, s := range sinks {
		if !isLogSink(s) {
			logOnly = false
			break
		}
	}
	return &Dispatcher{sinks: sinks, logOnly: logOnly, logger: logger}
}

func isLogSink(s Sink) bool {
	_, ok := s.(*LogSink)
	return ok
}

// Sinks returns the names of configured sinks.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Dispatch formats f and sends it to every sink. It never panics or returns
// an error; failures are reported in the Delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, f finding.Finding) Delivery {
	alert := Format(f)
	delivery := Delivery{FindingID: f.ID}

	for _, sink := range d.sinks {
		if err := sink.Send(ctx, alert); err != nil {
			d.logger.Warn("Alert delivery failed",
				zap.String("sink", sink.Name()),
				zap.String("finding_id", f.ID),
				zap.Error(err),
			)
			delivery.Failures = append(delivery.Failures, SinkError{Sink: sink.Name(), Message: err.Error()})
			continue
		}
		delivery.Accepted = append(delivery.Accepted, sink.Name())
		if d.logOnly || !isLogSink(sink) {
			delivery.Delivered = true
		}
	}
	return delivery
}

// Close releases sinks that hold connections.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, s := range d.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
