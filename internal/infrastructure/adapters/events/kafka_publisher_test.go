package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
)

type captureWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (c *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error {
	c.closed = true
	return nil
}

func TestPublisher_PublishEntryAppended(t *testing.T) {
	w := &captureWriter{}
	p := NewPublisherWithWriter(w, zap.NewNop())

	entry := &entities.LedgerEntry{
		ID:           uuid.New(),
		CustomerID:   uuid.New(),
		CurrencyCode: "USDT",
		Action:       entities.ActionDeposit,
		Amount:       decimal.NewFromInt(10),
		Status:       entities.EntryStatusCompleted,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, p.PublishEntryAppended(context.Background(), entry))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, entry.CustomerID.String()+":USDT", string(msg.Key))

	var ev EntryAppendedEvent
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, EntryAppendedType, ev.Type)
	assert.Equal(t, entry.ID, ev.Entry.ID)

	require.NoError(t, p.Shutdown(time.Second))
	assert.True(t, w.closed)
}
