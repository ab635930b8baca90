// Package events publishes wallet and booking events to Kafka for
// downstream consumers (analytics, reconciliation, audit). Publishing is
// best effort; the ledger is the source of truth, not the topic.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher writes events to one Kafka topic. A nil Publisher is valid
// and drops everything, so wiring stays unconditional.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher connects to the given brokers. Callers own Close.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
	}
}

type envelope struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Emit satisfies the event sinks of the wallet and booking services.
// The message key is the booking id or owner id when present, keeping
// per-entity ordering within a partition.
func (p *Publisher) Emit(ctx context.Context, event string, payload map[string]any) {
	if p == nil {
		return
	}

	value, err := json.Marshal(envelope{Event: event, Timestamp: time.Now().UTC(), Data: payload})
	if err != nil {
		p.logger.Warn("event marshal failed", "event", event, "error", err)
		return
	}

	msg := kafka.Message{Key: partitionKey(payload), Value: value}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			p.logger.Warn("event publish failed", "event", event, "error", err)
		}
	}()
}

func partitionKey(payload map[string]any) []byte {
	for _, key := range []string{"bookingId", "ownerId", "clientId", "proId"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return []byte(v)
		}
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
