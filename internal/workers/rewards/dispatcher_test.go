package rewards

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/queue"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) DistributeInvestment(ctx context.Context, trigger entities.InvestmentTrigger) (*entities.FanOutReport, error) {
	r.add("investment")
	if r.fail {
		return nil, errors.New("boom")
	}
	return &entities.FanOutReport{}, nil
}

func (r *recorder) DistributeSystemBonus(ctx context.Context, trigger entities.BonusTrigger) (*entities.FanOutReport, error) {
	r.add("bonus:" + trigger.BonusType)
	return &entities.FanOutReport{}, nil
}

func (r *recorder) RecordActivation(ctx context.Context, customerID uuid.UUID, period *entities.Period) error {
	r.add("activation")
	return nil
}

func (r *recorder) RecordVolume(ctx context.Context, customerID uuid.UUID, amountUSD decimal.Decimal, period *entities.Period) error {
	r.add("volume")
	return nil
}

func (r *recorder) RecordSelfInvestment(ctx context.Context, customerID uuid.UUID, amountUSD decimal.Decimal, period *entities.Period) error {
	r.add("self")
	return nil
}

func TestDispatcher_RunsInvestmentJob(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, rec, Config{Workers: 1}, logger.NewLogger(zap.NewNop()))
	d.Start(context.Background())

	d.SubmitInvestment(context.Background(), entities.InvestmentTrigger{
		InvestmentID: uuid.New(),
		CustomerID:   uuid.New(),
		PackageID:    uuid.New(),
		AmountUSD:    decimal.NewFromInt(100),
		Activation:   true,
	})
	require.NoError(t, d.Shutdown(time.Second))

	assert.Equal(t, []string{"investment", "activation", "volume", "self"}, rec.snapshot())
}

func TestDispatcher_StatisticsStillRunWhenFanOutFails(t *testing.T) {
	rec := &recorder{fail: true}
	d := NewDispatcher(rec, rec, Config{Workers: 1}, logger.NewLogger(zap.NewNop()))
	d.Start(context.Background())

	d.SubmitInvestment(context.Background(), entities.InvestmentTrigger{CustomerID: uuid.New(), AmountUSD: decimal.NewFromInt(5)})
	require.NoError(t, d.Shutdown(time.Second))

	assert.Equal(t, []string{"investment", "volume", "self"}, rec.snapshot())
}

func TestDispatcher_SubmitDoesNotBlockWhenFull(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, rec, Config{Workers: 1, QueueSize: 1}, logger.NewLogger(zap.NewNop()))

	// not started: the single slot fills and the second job is dropped
	done := make(chan struct{})
	go func() {
		d.SubmitBonus(context.Background(), entities.BonusTrigger{BonusType: "A"})
		d.SubmitBonus(context.Background(), entities.BonusTrigger{BonusType: "B"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submit blocked")
	}

	d.Start(context.Background())
	require.NoError(t, d.Shutdown(time.Second))
	assert.Equal(t, []string{"bonus:A"}, rec.snapshot())
}

func TestDispatcher_SubmitAfterShutdownIsIgnored(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, rec, Config{}, logger.NewLogger(zap.NewNop()))
	d.Start(context.Background())
	require.NoError(t, d.Shutdown(time.Second))

	d.SubmitBonus(context.Background(), entities.BonusTrigger{BonusType: "late"})
	assert.Empty(t, rec.snapshot())
	assert.ErrorIs(t, d.submit(job{kind: "bonus"}), ErrDispatcherClosed)
}

func TestDispatcher_InvestmentCreatedTaskRunsRewards(t *testing.T) {
	log := logger.NewLogger(zap.NewNop())
	rec := &recorder{}
	d := NewDispatcher(rec, rec, Config{Workers: 1}, log)
	d.Start(context.Background())

	q := queue.NewMemoryQueue(queue.DefaultMemoryConfig(), log)
	d.Register(q)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, TaskInvestmentCreated, entities.InvestmentTrigger{
		InvestmentID: uuid.New(),
		CustomerID:   uuid.New(),
		PackageID:    uuid.New(),
		AmountUSD:    decimal.NewFromInt(250),
	}, 0))
	// missing ids and a non-positive amount are dropped, not retried
	require.NoError(t, q.Enqueue(ctx, TaskInvestmentCreated, entities.InvestmentTrigger{AmountUSD: decimal.NewFromInt(1)}, 0))
	require.NoError(t, q.Enqueue(ctx, TaskInvestmentCreated, entities.InvestmentTrigger{
		InvestmentID: uuid.New(), CustomerID: uuid.New(), PackageID: uuid.New(),
	}, 0))

	assert.Equal(t, 3, q.RunDue(ctx))
	require.NoError(t, d.Shutdown(time.Second))

	assert.Equal(t, []string{"investment", "volume", "self"}, rec.snapshot())
	assert.Empty(t, q.Pending())
	assert.Empty(t, q.DeadLetters())
}

func TestDispatcher_InvestmentTaskRedeliveredWhenClosed(t *testing.T) {
	log := logger.NewLogger(zap.NewNop())
	rec := &recorder{}
	d := NewDispatcher(rec, rec, Config{Workers: 1}, log)
	d.Start(context.Background())
	require.NoError(t, d.Shutdown(time.Second))

	q := queue.NewMemoryQueue(queue.DefaultMemoryConfig(), log)
	d.Register(q)
	require.NoError(t, q.Enqueue(context.Background(), TaskInvestmentCreated, entities.InvestmentTrigger{
		InvestmentID: uuid.New(), CustomerID: uuid.New(), PackageID: uuid.New(), AmountUSD: decimal.NewFromInt(10),
	}, 0))

	assert.Equal(t, 1, q.RunDue(context.Background()))
	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, ErrDispatcherClosed.Error())
	assert.Empty(t, rec.snapshot())
}
