package deposit_commit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/pkg/logger"
)

type mockCommitter struct {
	mock.Mock
}

func (m *mockCommitter) Commit(ctx context.Context, stagedID uuid.UUID) (*entities.CommitResult, error) {
	args := m.Called(ctx, stagedID)
	if r := args.Get(0); r != nil {
		return r.(*entities.CommitResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCommitter) RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	args := m.Called(ctx, olderThan, limit)
	return args.Int(0), args.Error(1)
}

func task(t *testing.T, id uuid.UUID) []byte {
	b, err := json.Marshal(entities.DepositCommitTask{StagedID: id})
	require.NoError(t, err)
	return b
}

func TestHandle(t *testing.T) {
	log := logger.NewLogger(zap.NewNop())

	t.Run("committed", func(t *testing.T) {
		c := &mockCommitter{}
		id := uuid.New()
		c.On("Commit", mock.Anything, id).Return(&entities.CommitResult{Outcome: entities.CommitOutcomeCommitted}, nil)

		require.NoError(t, NewWorker(c, nil, log).Handle(context.Background(), task(t, id)))
		c.AssertExpectations(t)
	})

	t.Run("vanished stage is dropped", func(t *testing.T) {
		c := &mockCommitter{}
		id := uuid.New()
		c.On("Commit", mock.Anything, id).Return(nil, domainerrors.NotFoundError("staged deposit"))

		assert.NoError(t, NewWorker(c, nil, log).Handle(context.Background(), task(t, id)))
	})

	t.Run("transient failure is redelivered", func(t *testing.T) {
		c := &mockCommitter{}
		id := uuid.New()
		boom := errors.New("db down")
		c.On("Commit", mock.Anything, id).Return(nil, boom)

		assert.ErrorIs(t, NewWorker(c, nil, log).Handle(context.Background(), task(t, id)), boom)
	})

	t.Run("malformed payload", func(t *testing.T) {
		c := &mockCommitter{}
		assert.NoError(t, NewWorker(c, nil, log).Handle(context.Background(), []byte("nope")))
		c.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything)
	})
}

func TestRunOnce_UsesConfiguredBatch(t *testing.T) {
	c := &mockCommitter{}
	c.On("RequeueStale", mock.Anything, 10*time.Minute, 7).Return(2, nil)

	w := NewWorker(c, &Config{StaleAfter: 10 * time.Minute, CheckInterval: time.Minute, BatchSize: 7}, logger.NewLogger(zap.NewNop()))
	w.RunOnce(context.Background())

	c.AssertExpectations(t)
}
