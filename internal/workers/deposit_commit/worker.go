package deposit_commit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/internal/domain/services/deposit"
	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/queue"
)

// Committer is the deposit pipeline surface the worker drives
type Committer interface {
	Commit(ctx context.Context, stagedID uuid.UUID) (*entities.CommitResult, error)
	RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Worker handles deposit.commit tasks and periodically requeues staged
// deposits whose task was lost
type Worker struct {
	committer     Committer
	staleAfter    time.Duration
	checkInterval time.Duration
	batchSize     int
	logger        *logger.Logger
	stopCh        chan struct{}
}

// Config holds worker configuration
type Config struct {
	StaleAfter    time.Duration
	CheckInterval time.Duration
	BatchSize     int
}

// DefaultConfig returns default worker configuration
func DefaultConfig() *Config {
	return &Config{
		StaleAfter:    15 * time.Minute,
		CheckInterval: 5 * time.Minute,
		BatchSize:     100,
	}
}

// NewWorker creates a new deposit commit worker
func NewWorker(committer Committer, config *Config, logger *logger.Logger) *Worker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Worker{
		committer:     committer,
		staleAfter:    config.StaleAfter,
		checkInterval: config.CheckInterval,
		batchSize:     config.BatchSize,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

// Register installs the task handler on q
func (w *Worker) Register(q queue.Queue) {
	q.OnTask(deposit.TaskCommit, w.Handle)
}

// Handle commits one staged deposit. Returning an error makes the queue
// redeliver the task.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	var task entities.DepositCommitTask
	if err := queue.Decode(payload, &task); err != nil {
		w.logger.Error("Dropping malformed deposit commit task", "error", err)
		return nil
	}

	result, err := w.committer.Commit(ctx, task.StagedID)
	if err != nil {
		if domainerrors.IsNotFound(err) {
			w.logger.Warn("Staged deposit no longer exists", "staged_id", task.StagedID)
			return nil
		}
		w.logger.Warn("Deposit commit will be retried",
			"staged_id", task.StagedID,
			"code", domainerrors.GetErrorCode(err),
			"error", err)
		return err
	}

	w.logger.Debug("Deposit commit task done",
		"staged_id", task.StagedID,
		"outcome", result.Outcome)
	return nil
}

// Start runs the stale-stage sweeper until ctx is done or Stop is called
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting deposit commit sweeper",
		"stale_after", w.staleAfter.String(),
		"check_interval", w.checkInterval.String())

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Deposit commit sweeper stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("Deposit commit sweeper stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Stop stops the sweeper
func (w *Worker) Stop() {
	close(w.stopCh)
}

func (w *Worker) sweep(ctx context.Context) {
	n, err := w.committer.RequeueStale(ctx, w.staleAfter, w.batchSize)
	if err != nil {
		w.logger.Error("Failed to requeue stale deposits", "error", err)
		return
	}
	if n == 0 {
		w.logger.Debug("No stale staged deposits found")
	}
}

// RunOnce runs the sweep once (for testing or manual trigger)
func (w *Worker) RunOnce(ctx context.Context) {
	w.sweep(ctx)
}
