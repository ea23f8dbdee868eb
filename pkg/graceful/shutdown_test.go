package graceful

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/rail-service/ledger_engine/pkg/logger"
)

type recordingCloser struct {
	calls *[]string
	name  string
}

func (c recordingCloser) Close() error {
	*c.calls = append(*c.calls, c.name)
	return nil
}

func TestShutdownManager_Order(t *testing.T) {
	var calls []string
	sm := NewShutdownManager(nil, logger.NewLogger(zap.NewNop()), recordingCloser{calls: &calls, name: "db"})
	sm.Register(ShutdownFunc(func(time.Duration) error {
		calls = append(calls, "dispatcher")
		return nil
	}))
	sm.Register(ShutdownFunc(func(time.Duration) error {
		calls = append(calls, "publisher")
		return errors.New("flush failed")
	}))

	sm.Shutdown()

	assert.Equal(t, []string{"dispatcher", "publisher", "db"}, calls)
}
