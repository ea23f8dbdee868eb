package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "chain", FailureThreshold: 2, Timeout: time.Minute})
	boom := errors.New("rpc down")

	assert.ErrorIs(t, b.Execute(context.Background(), func() error { return boom }), boom)
	assert.ErrorIs(t, b.Execute(context.Background(), func() error { return boom }), boom)
	assert.Equal(t, gobreaker.StateOpen, b.State())

	called := false
	err := b.Execute(context.Background(), func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_CanceledContext(t *testing.T) {
	b := New(DefaultConfig("chain"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func() error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}
