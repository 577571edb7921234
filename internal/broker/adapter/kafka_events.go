package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aelexs/numberbroker/internal/broker/app"
	"github.com/aelexs/numberbroker/internal/kafka"
)

// recordSender is the subset of *kafka.Producer the publisher uses.
type recordSender interface {
	Send(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

// Compile-time interface satisfaction checks.
var (
	_ app.EventPublisher = (*KafkaEventPublisher)(nil)
	_ app.EventPublisher = (*LogEventPublisher)(nil)
	_ app.ReplySink      = (*KafkaReplySink)(nil)
	_ recordSender       = (*kafka.Producer)(nil)
)

// KafkaEventPublisher writes broker events as JSON records keyed by user id.
type KafkaEventPublisher struct {
	sender recordSender
}

// NewKafkaEventPublisher creates a KafkaEventPublisher over sender.
func NewKafkaEventPublisher(sender recordSender) *KafkaEventPublisher {
	return &KafkaEventPublisher{sender: sender}
}

// Publish encodes e and sends it. The event type travels in the
// "event-type" header so consumers can filter without decoding.
func (p *KafkaEventPublisher) Publish(ctx context.Context, e app.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kafka events: encode %s: %w", e.Type, err)
	}
	if err := p.sender.Send(ctx, []byte(e.UserID), value, kafka.Header{Key: "event-type", Value: e.Type}); err != nil {
		return fmt.Errorf("kafka events: publish %s: %w", e.Type, err)
	}
	return nil
}

// KafkaReplySink produces webhook replies to the reply topic the chat front
// end consumes, keyed by user id so one user's replies stay in order.
type KafkaReplySink struct {
	sender recordSender
}

// NewKafkaReplySink creates a KafkaReplySink over sender.
func NewKafkaReplySink(sender recordSender) *KafkaReplySink {
	return &KafkaReplySink{sender: sender}
}

// Deliver sends r.Body and waits for the broker acknowledgement. The update
// id travels as a header so the front end can match the reply to its
// update and drop a duplicate.
func (s *KafkaReplySink) Deliver(ctx context.Context, r app.Reply) error {
	err := s.sender.Send(ctx, []byte(r.UserID), r.Body,
		kafka.Header{Key: "update-id", Value: r.UpdateID},
		kafka.Header{Key: "action", Value: r.Action},
		kafka.Header{Key: "result-kind", Value: r.Kind},
	)
	if err != nil {
		return fmt.Errorf("kafka replies: deliver %s: %w", r.UpdateID, err)
	}
	return nil
}

// LogEventPublisher logs events instead of producing them. Used when no
// Kafka brokers are configured.
type LogEventPublisher struct {
	logger *slog.Logger
}

// NewLogEventPublisher creates a LogEventPublisher writing to logger.
func NewLogEventPublisher(logger *slog.Logger) *LogEventPublisher {
	return &LogEventPublisher{logger: logger}
}

// Publish logs e at info level.
func (p *LogEventPublisher) Publish(ctx context.Context, e app.Event) error {
	p.logger.InfoContext(ctx, "broker event (log-only)",
		slog.String("type", e.Type),
		slog.String("user", e.UserID),
		slog.String("vendor", e.Vendor),
		slog.String("service", e.Service),
		slog.String("amount", e.Amount.String()),
	)
	return nil
}
