package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// KafkaConfig holds Kafka connection settings for the event source and
// the audit producer.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	EventTopic    string   `yaml:"event_topic"`
	AuditTopic    string   `yaml:"audit_topic"`
	ConsumerGroup string   `yaml:"consumer_group"`

	SASLMechanism string `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	SASLUsername  string `yaml:"sasl_username,omitempty"`
	SASLPassword  string `yaml:"sasl_password,omitempty"`

	ConsumerMinBytes int           `yaml:"consumer_min_bytes"`
	ConsumerMaxBytes int           `yaml:"consumer_max_bytes"`
	ConsumerMaxWait  time.Duration `yaml:"consumer_max_wait"`
	CommitInterval   time.Duration `yaml:"commit_interval"`

	ProducerBatchSize    int           `yaml:"producer_batch_size"`
	ProducerBatchTimeout time.Duration `yaml:"producer_batch_timeout"`
	RequiredAcks         int           `yaml:"required_acks"` // -1=all, 0=none, 1=leader
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:              []string{"localhost:9092"},
		EventTopic:           "security-events",
		AuditTopic:           "automation-audit",
		ConsumerGroup:        "automation-core",
		ConsumerMinBytes:     1,
		ConsumerMaxBytes:     10 * 1024 * 1024,
		ConsumerMaxWait:      500 * time.Millisecond,
		CommitInterval:       time.Second,
		ProducerBatchSize:    100,
		ProducerBatchTimeout: 10 * time.Millisecond,
		RequiredAcks:         -1,
	}
}

// Validate checks the configuration.
func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.EventTopic == "" {
		return errors.New("kafka: event_topic is required")
	}
	if c.SASLMechanism != "" && (c.SASLUsername == "" || c.SASLPassword == "") {
		return errors.New("kafka: SASL username and password required")
	}
	return nil
}

func (c *KafkaConfig) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "":
		return nil, nil
	case "PLAIN":
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return nil, fmt.Errorf("kafka: unsupported SASL mechanism: %s", c.SASLMechanism)
	}
}

// NewReader builds the event-topic reader.
func (c *KafkaConfig) NewReader() (*kafka.Reader, error) {
	mechanism, err := c.saslMechanism()
	if err != nil {
		return nil, err
	}
	dialer := &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		SASLMechanism: mechanism,
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.ConsumerGroup,
		Topic:          c.EventTopic,
		Dialer:         dialer,
		MinBytes:       c.ConsumerMinBytes,
		MaxBytes:       c.ConsumerMaxBytes,
		MaxWait:        c.ConsumerMaxWait,
		CommitInterval: c.CommitInterval,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	}), nil
}

// AuditProducer publishes pipeline outcomes to the audit topic so
// downstream systems see what the automation core did.
type AuditProducer struct {
	writer *kafka.Writer
}

// NewAuditProducer builds the audit-topic producer.
func NewAuditProducer(c KafkaConfig) (*AuditProducer, error) {
	mechanism, err := c.saslMechanism()
	if err != nil {
		return nil, err
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Topic:        c.AuditTopic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    c.ProducerBatchSize,
		BatchTimeout: c.ProducerBatchTimeout,
		RequiredAcks: kafka.RequiredAcks(c.RequiredAcks),
		Transport:    &kafka.Transport{SASL: mechanism},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}
	return &AuditProducer{writer: writer}, nil
}

// Publish marshals the value to JSON and writes it keyed by kind.
func (p *AuditProducer) Publish(ctx context.Context, kind string, key string, value any) error {
	data, err := json.Marshal(map[string]any{
		"kind":      kind,
		"timestamp": time.Now().UTC(),
		"data":      value,
	})
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal audit record: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(kind + ":" + key),
		Value: data,
		Time:  time.Now(),
	})
}

// Close closes the producer.
func (p *AuditProducer) Close() error {
	return p.writer.Close()
}
