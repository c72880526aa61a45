package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"clanforge/pkg/lifecycle"

	"github.com/segmentio/kafka-go"
)

// KafkaSinkConfig holds the broker settings for the event stream.
type KafkaSinkConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the topic lifecycle events are written to.
	Topic string

	// WriteTimeout bounds each delivery attempt. Defaults to 10s.
	WriteTimeout time.Duration
}

// KafkaSink streams lifecycle events to a Kafka topic. Messages are
// keyed by entity id so transitions of the same entity stay ordered
// within a partition.
type KafkaSink struct {
	writer       *kafka.Writer
	writeTimeout time.Duration
}

// NewKafkaSink constructs a Kafka-backed event sink
func NewKafkaSink(cfg KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink: topic required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &KafkaSink{
		writer:       writer,
		writeTimeout: cfg.WriteTimeout,
	}, nil
}

// Publish delivers the event asynchronously. The delivery deliberately
// detaches from the request context so a finished request cannot cancel
// an in-flight write.
func (s *KafkaSink) Publish(_ context.Context, event lifecycle.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()

		value, err := json.Marshal(event)
		if err != nil {
			slog.Error("Failed to encode lifecycle event", "event_id", event.ID, "error", err)
			return
		}

		msg := kafka.Message{
			Key:   []byte(event.EntityID),
			Value: value,
			Time:  event.OccurredAt,
		}

		if err := s.writer.WriteMessages(ctx, msg); err != nil {
			slog.Error("Failed to deliver lifecycle event",
				"event_id", event.ID,
				"entity_id", event.EntityID,
				"error", err)
		}
	}()
}

// Close releases the underlying writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
