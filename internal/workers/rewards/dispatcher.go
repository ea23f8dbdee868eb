// Package rewards runs commission fan-outs and statistics updates in the
// background so they never block the workflow that triggered them. Jobs
// are never retried; failures are logged and counted.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/go-playground/validator/v10"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/metrics"
	"github.com/rail-service/ledger_engine/pkg/queue"
)

// TaskInvestmentCreated is published by the investment service for every
// new investment; the payload is an entities.InvestmentTrigger
const TaskInvestmentCreated = "investment.created"

// ErrDispatcherClosed is returned by Submit after Shutdown
var ErrDispatcherClosed = errors.New("rewards dispatcher closed")

// Commissions runs fan-outs
type Commissions interface {
	DistributeInvestment(ctx context.Context, trigger entities.InvestmentTrigger) (*entities.FanOutReport, error)
	DistributeSystemBonus(ctx context.Context, trigger entities.BonusTrigger) (*entities.FanOutReport, error)
}

// Statistics records referral rollups
type Statistics interface {
	RecordActivation(ctx context.Context, customerID uuid.UUID, period *entities.Period) error
	RecordVolume(ctx context.Context, customerID uuid.UUID, amountUSD decimal.Decimal, period *entities.Period) error
	RecordSelfInvestment(ctx context.Context, customerID uuid.UUID, amountUSD decimal.Decimal, period *entities.Period) error
}

// Config sizes the worker pool
type Config struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

// DefaultConfig returns default dispatcher configuration
func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 256, JobTimeout: 30 * time.Second}
}

type job struct {
	kind string
	run  func(ctx context.Context) error
}

// Dispatcher is a bounded pool of background reward workers
type Dispatcher struct {
	commissions Commissions
	statistics  Statistics
	config      Config
	validate    *validator.Validate
	logger      *logger.Logger

	jobs   chan job
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start to begin processing.
func NewDispatcher(commissions Commissions, statistics Statistics, config Config, logger *logger.Logger) *Dispatcher {
	d := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = d.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = d.QueueSize
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = d.JobTimeout
	}
	return &Dispatcher{
		commissions: commissions,
		statistics:  statistics,
		config:      config,
		validate:    entities.NewValidator(),
		logger:      logger,
		jobs:        make(chan job, config.QueueSize),
	}
}

// Start launches the workers. They exit after Shutdown drains the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.work(context.WithoutCancel(ctx))
	}
	d.logger.Info("Rewards dispatcher started",
		"workers", d.config.Workers,
		"queue_size", d.config.QueueSize)
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for j := range d.jobs {
		d.run(ctx, j)
	}
}

func (d *Dispatcher) run(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, d.config.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Reward job panicked", "kind", j.kind, "panic", fmt.Sprint(r))
			metrics.RewardJobsTotal.WithLabelValues(j.kind, "panic").Inc()
		}
	}()

	if err := j.run(ctx); err != nil {
		d.logger.Error("Reward job failed", "kind", j.kind, "error", err)
		metrics.RewardJobsTotal.WithLabelValues(j.kind, "failed").Inc()
		return
	}
	metrics.RewardJobsTotal.WithLabelValues(j.kind, "done").Inc()
}

// submit queues j without blocking. A full queue drops the job.
func (d *Dispatcher) submit(j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.jobs <- j:
		return nil
	default:
		metrics.RewardJobsTotal.WithLabelValues(j.kind, "dropped").Inc()
		return fmt.Errorf("rewards queue full, %s job dropped", j.kind)
	}
}

// Register installs the investment task handler on q
func (d *Dispatcher) Register(q queue.Queue) {
	q.OnTask(TaskInvestmentCreated, d.HandleInvestment)
}

// HandleInvestment schedules the rewards of one investment.created task.
// Malformed payloads are dropped; a full or closed pool returns an error so
// the queue redelivers the task later.
func (d *Dispatcher) HandleInvestment(ctx context.Context, payload []byte) error {
	var trigger entities.InvestmentTrigger
	if err := queue.Decode(payload, &trigger); err != nil {
		d.logger.Error("Dropping malformed investment task", "error", err)
		return nil
	}
	if err := d.validate.Struct(trigger); err != nil {
		d.logger.Error("Dropping invalid investment task", "investment_id", trigger.InvestmentID, "error", err)
		return nil
	}
	if !trigger.AmountUSD.IsPositive() {
		d.logger.Error("Dropping investment task without volume", "investment_id", trigger.InvestmentID)
		return nil
	}
	return d.scheduleInvestment(trigger)
}

// SubmitInvestment schedules the commission fan-out and statistics updates
// for an investment
func (d *Dispatcher) SubmitInvestment(ctx context.Context, trigger entities.InvestmentTrigger) {
	if err := d.scheduleInvestment(trigger); err != nil {
		d.logger.Error("Failed to schedule investment rewards",
			"investment_id", trigger.InvestmentID,
			"customer_id", trigger.CustomerID,
			"error", err)
	}
}

func (d *Dispatcher) scheduleInvestment(trigger entities.InvestmentTrigger) error {
	return d.submit(job{kind: "investment", run: func(ctx context.Context) error {
		var errs []error
		if _, err := d.commissions.DistributeInvestment(ctx, trigger); err != nil {
			errs = append(errs, fmt.Errorf("commission fan-out: %w", err))
		}
		if trigger.Activation {
			if err := d.statistics.RecordActivation(ctx, trigger.CustomerID, nil); err != nil {
				errs = append(errs, fmt.Errorf("record activation: %w", err))
			}
		}
		if err := d.statistics.RecordVolume(ctx, trigger.CustomerID, trigger.AmountUSD, nil); err != nil {
			errs = append(errs, fmt.Errorf("record volume: %w", err))
		}
		if err := d.statistics.RecordSelfInvestment(ctx, trigger.CustomerID, trigger.AmountUSD, nil); err != nil {
			errs = append(errs, fmt.Errorf("record self investment: %w", err))
		}
		return errors.Join(errs...)
	}})
}

// SubmitBonus schedules a system bonus fan-out
func (d *Dispatcher) SubmitBonus(ctx context.Context, trigger entities.BonusTrigger) {
	err := d.submit(job{kind: "bonus", run: func(ctx context.Context) error {
		_, err := d.commissions.DistributeSystemBonus(ctx, trigger)
		return err
	}})
	if err != nil {
		d.logger.Error("Failed to schedule bonus",
			"bonus_type", trigger.BonusType,
			"reference_id", trigger.ReferenceID,
			"error", err)
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Rewards dispatcher stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("rewards dispatcher shutdown timed out after %s", timeout)
	}
}
