package withdrawal_expiry

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Expirer cancels and requeues withdrawals stuck in non-terminal states
type Expirer interface {
	ExpireStale(ctx context.Context, olderThan time.Duration) (int, error)
	RequeueUnsettled(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config holds the schedules and thresholds
type Config struct {
	// VerificationTTL is how long a CREATED withdrawal may wait for codes
	VerificationTTL time.Duration
	// SettlementGrace is how long an ACCEPTED withdrawal may go unsettled
	// before its settlement task is enqueued again
	SettlementGrace time.Duration
	ExpirySchedule  string
	RequeueSchedule string
	RunTimeout      time.Duration
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		VerificationTTL: 30 * time.Minute,
		SettlementGrace: 30 * time.Minute,
		ExpirySchedule:  "*/5 * * * *",
		RequeueSchedule: "*/15 * * * *",
		RunTimeout:      5 * time.Minute,
	}
}

type Worker struct {
	expirer Expirer
	config  Config
	cron    *cron.Cron
	logger  *zap.Logger
}

func NewWorker(expirer Expirer, config Config, logger *zap.Logger) *Worker {
	d := DefaultConfig()
	if config.VerificationTTL <= 0 {
		config.VerificationTTL = d.VerificationTTL
	}
	if config.SettlementGrace <= 0 {
		config.SettlementGrace = d.SettlementGrace
	}
	if config.ExpirySchedule == "" {
		config.ExpirySchedule = d.ExpirySchedule
	}
	if config.RequeueSchedule == "" {
		config.RequeueSchedule = d.RequeueSchedule
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = d.RunTimeout
	}
	return &Worker{
		expirer: expirer,
		config:  config,
		cron:    cron.New(),
		logger:  logger,
	}
}

func (w *Worker) Start() error {
	// Cancel unverified withdrawals and refund them
	_, err := w.cron.AddFunc(w.config.ExpirySchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.config.RunTimeout)
		defer cancel()
		w.expire(ctx)
	})
	if err != nil {
		return err
	}

	// Re-enqueue settlement for accepted withdrawals whose task was lost
	_, err = w.cron.AddFunc(w.config.RequeueSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.config.RunTimeout)
		defer cancel()
		w.requeue(ctx)
	})
	if err != nil {
		return err
	}

	w.cron.Start()
	w.logger.Info("Withdrawal expiry worker started",
		zap.Duration("verification_ttl", w.config.VerificationTTL),
		zap.String("expiry_schedule", w.config.ExpirySchedule))
	return nil
}

func (w *Worker) Stop() {
	<-w.cron.Stop().Done()
	w.logger.Info("Withdrawal expiry worker stopped")
}

func (w *Worker) expire(ctx context.Context) {
	n, err := w.expirer.ExpireStale(ctx, w.config.VerificationTTL)
	if err != nil {
		w.logger.Error("Failed to expire stale withdrawals", zap.Int("expired", n), zap.Error(err))
	}
}

func (w *Worker) requeue(ctx context.Context) {
	n, err := w.expirer.RequeueUnsettled(ctx, w.config.SettlementGrace)
	if err != nil {
		w.logger.Error("Failed to requeue unsettled withdrawals", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Info("Requeued unsettled withdrawals", zap.Int("count", n))
	}
}

// RunOnce runs both jobs immediately (for testing or manual trigger)
func (w *Worker) RunOnce(ctx context.Context) {
	w.expire(ctx)
	w.requeue(ctx)
}
