package alerting

import (
	"errors"

	"go.uber.org/zap"
)

// Config selects the notification sinks.
type Config struct {
	Webhook WebhookConfig `yaml:"webhook"`
	Splunk  SplunkConfig  `yaml:"splunk"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	// Log keeps the log sink even when other sinks are configured. It does not
	// count toward delivery while another sink is present.
	Log bool `yaml:"log"`
}

// DefaultConfig returns defaults with only the log sink enabled.
func DefaultConfig() Config {
	return Config{
		Webhook: DefaultWebhookConfig(),
		Splunk:  DefaultSplunkConfig(),
		Kafka:   DefaultKafkaConfig(),
		Log:     true,
	}
}

// NewDispatcherFromConfig builds every enabled sink. A sink that cannot be
// built is skipped and its error returned alongside the usable dispatcher.
func NewDispatcherFromConfig(cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	var (
		sinks []Sink
		errs  []error
	)

	if cfg.Webhook.Enabled {
		if s, err := NewWebhookSink(cfg.Webhook); err != nil {
			errs = append(errs, err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.Splunk.Enabled {
		if s, err := NewSplunkSink(cfg.Splunk); err != nil {
			errs = append(errs, err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.Kafka.Enabled {
		if s, err := NewKafkaSink(cfg.Kafka); err != nil {
			errs = append(errs, err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.Log {
		sinks = append(sinks, NewLogSink(logger))
	}

	return NewDispatcher(logger, sinks...), errors.Join(errs...)
}
