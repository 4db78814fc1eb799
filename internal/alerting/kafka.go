package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaConfig configures the Kafka alert topic.
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// DefaultKafkaConfig returns sensible defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:  []string{"localhost:9092"},
		Topic:    "darkwatch.alerts",
		ClientID: "darkwatch",
	}
}

// KafkaSink publishes alerts keyed by finding identifier so every alert for
// the same content lands on one partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink connects a synchronous producer to the configured brokers.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink requires brokers and topic")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_6_0_0
	saramaConfig.ClientID = cfg.ClientID
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(producer, cfg.Topic), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// Name returns the sink identifier.
func (k *KafkaSink) Name() string { return "kafka" }

// Send publishes the alert as JSON.
func (k *KafkaSink) Send(_ context.Context, alert Alert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encoding kafka message: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(alert.Finding.ID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("severity"), Value: []byte(alert.Severity)},
		},
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("publishing alert: %w", err)
	}
	return nil
}

// Close shuts the producer down.
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
