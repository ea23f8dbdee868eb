package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_KeyValues(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := NewLogger(zap.New(core))

	log.Info("entry appended", "customer_id", "c-1", "currency", "USDT")
	log.With("component", "ledger").Warn("slow append")

	entries := logs.All()
	assert.Len(t, entries, 2)
	assert.Equal(t, "entry appended", entries[0].Message)
	assert.Equal(t, "USDT", entries[0].ContextMap()["currency"])
	assert.Equal(t, "ledger", entries[1].ContextMap()["component"])
}

func TestLogger_FromContext(t *testing.T) {
	fallback := Nop()
	assert.Same(t, fallback, FromContext(context.Background(), fallback))

	scoped := Nop()
	ctx := WithContext(context.Background(), scoped)
	assert.Same(t, scoped, FromContext(ctx, fallback))
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	log := New("chatty", "test")
	assert.NotNil(t, log.Zap())
	assert.False(t, log.Zap().Core().Enabled(zap.DebugLevel))
}
