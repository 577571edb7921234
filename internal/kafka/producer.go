// Package kafka owns the kafka-go dependency. The broker produces one record
// per ledger-affecting order event; keys are user ids so a user's events stay
// ordered within a partition.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/numberbroker/internal/domain"
)

var tracer = otel.Tracer("kafka")

// Config holds producer parameters.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	Timeout  time.Duration // Per-send deadline; zero uses domain.KafkaProduceTimeout
}

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Header is a record header.
type Header struct {
	Key   string
	Value string
}

// Producer writes records synchronously with all-replica acks.
type Producer struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
}

// NewProducer creates a producer for cfg.Topic.
func NewProducer(cfg Config) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
	if cfg.ClientID != "" {
		w.Transport = &kafka.Transport{ClientID: cfg.ClientID}
	}
	return newProducer(w, cfg)
}

func newProducer(w messageWriter, cfg Config) *Producer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = domain.KafkaProduceTimeout
	}
	return &Producer{writer: w, topic: cfg.Topic, timeout: timeout}
}

// Send writes one record and waits for the broker acknowledgement.
func (p *Producer) Send(ctx context.Context, key, value []byte, headers ...Header) error {
	ctx, span := tracer.Start(ctx, "kafka.produce")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination.name", p.topic),
	)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{Key: key, Value: value}
	for _, h := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: h.Key, Value: []byte(h.Value)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("kafka: produce to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes pending writes and releases connections.
func (p *Producer) Close() error {
	return p.writer.Close()
}
