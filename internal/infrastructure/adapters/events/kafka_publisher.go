// Package events streams ledger activity to Kafka for downstream consumers
// (reporting, reconciliation).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
)

// EntryAppendedEvent is the wire form of a ledger.entry.appended event
type EntryAppendedEvent struct {
	Type       string                `json:"type"`
	OccurredAt time.Time             `json:"occurred_at"`
	Entry      *entities.LedgerEntry `json:"entry"`
}

const EntryAppendedType = "ledger.entry.appended"

// MessageWriter is the part of kafka.Writer the publisher uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer MessageWriter
	logger *zap.Logger
}

// NewPublisher creates a publisher writing to topic on brokers
func NewPublisher(brokers []string, topic string, logger *zap.Logger) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: logger,
	}
}

// NewPublisherWithWriter wires a custom writer
func NewPublisherWithWriter(w MessageWriter, logger *zap.Logger) *Publisher {
	return &Publisher{writer: w, logger: logger}
}

// PublishEntryAppended writes the entry keyed by its balance chain so events
// for one (customer, currency) stay ordered within a partition.
func (p *Publisher) PublishEntryAppended(ctx context.Context, entry *entities.LedgerEntry) error {
	data, err := json.Marshal(EntryAppendedEvent{
		Type:       EntryAppendedType,
		OccurredAt: entry.CreatedAt,
		Entry:      entry,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := entities.BalanceKey{CustomerID: entry.CustomerID, CurrencyCode: entry.CurrencyCode}.String()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(EntryAppendedType)},
			{Key: "action", Value: []byte(entry.Action)},
		},
	})
	if err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Shutdown flushes and closes the writer
func (p *Publisher) Shutdown(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- p.writer.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("kafka writer close timed out after %s", timeout)
	}
}
