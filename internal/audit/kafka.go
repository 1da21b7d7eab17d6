package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/issuebridge/issuebridge/internal/types"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes change events as JSON messages keyed by record id,
// so events of one record stay ordered within a partition.
type KafkaSink struct {
	w       messageWriter
	topic   string
	timeout time.Duration
}

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Timeout time.Duration
}

// NewKafkaSink creates a synchronous producer for cfg.Topic.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: timeout,
	}
	return &KafkaSink{w: w, topic: cfg.Topic, timeout: timeout}, nil
}

func encodeMessages(events []types.ChangeEvent) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal change event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.FormatInt(ev.RecordID, 10)),
			Value: body,
			Headers: []kafka.Header{
				{Key: "field", Value: []byte(ev.Field)},
				{Key: "origin", Value: []byte(ev.Origin)},
			},
		})
	}
	return msgs, nil
}

// Publish writes events in one batch.
func (s *KafkaSink) Publish(ctx context.Context, events []types.ChangeEvent) error {
	msgs, err := encodeMessages(events)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}
