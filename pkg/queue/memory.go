package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/metrics"
	"github.com/rail-service/ledger_engine/pkg/retry"
)

// MemoryConfig configures the in-process queue
type MemoryConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
	Backoff      retry.Policy
}

// DefaultMemoryConfig returns defaults suitable for local runs
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		PollInterval: 500 * time.Millisecond,
		MaxAttempts:  10,
		Backoff: retry.Policy{
			InitialDelay: time.Second,
			MaxDelay:     5 * time.Minute,
			Multiplier:   2,
		},
	}
}

// Task is a scheduled unit of work held by MemoryQueue
type Task struct {
	ID        string
	Name      string
	Payload   []byte
	Attempts  int
	NotBefore time.Time
	LastError string
}

// MemoryQueue is an in-process Queue. Delivery is at-least-once within the
// life of the process; failed tasks are rescheduled with exponential backoff.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []*Task
	deadLetter []*Task
	handlers   map[string]Handler

	config  MemoryConfig
	backoff *retry.Backoff
	logger  *logger.Logger
	now     func() time.Time

	shutdownCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an in-process queue
func NewMemoryQueue(config MemoryConfig, log *logger.Logger) *MemoryQueue {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMemoryConfig().MaxAttempts
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultMemoryConfig().PollInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &MemoryQueue{
		handlers: make(map[string]Handler),
		config:   config,
		backoff:  retry.NewBackoff(config.Backoff),
		logger:   log,
		now:      time.Now,
	}
}

// SetClock overrides the time source
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task string, payload interface{}, delay time.Duration) error {
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	t := &Task{
		ID:        uuid.NewString(),
		Name:      task,
		Payload:   body,
		NotBefore: q.now().Add(delay),
	}
	q.insertLocked(t)
	q.logger.Debug("Task enqueued", "task", task, "task_id", t.ID, "delay", delay)
	return nil
}

func (q *MemoryQueue) OnTask(task string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[task] = handler
}

// Pending returns a snapshot of the tasks still scheduled
func (q *MemoryQueue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.pending))
	for _, t := range q.pending {
		out = append(out, *t)
	}
	return out
}

// DeadLetters returns tasks that exhausted their attempts
func (q *MemoryQueue) DeadLetters() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.deadLetter))
	for _, t := range q.deadLetter {
		out = append(out, *t)
	}
	return out
}

// RunDue delivers every task whose delay has elapsed and returns how many
// handlers were invoked. Tasks enqueued by handlers are not run in the same pass.
func (q *MemoryQueue) RunDue(ctx context.Context) int {
	q.mu.Lock()
	now := q.now()
	var due []*Task
	rest := q.pending[:0]
	for _, t := range q.pending {
		if !t.NotBefore.After(now) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	q.pending = rest
	q.mu.Unlock()

	for _, t := range due {
		if ctx.Err() != nil {
			q.mu.Lock()
			q.insertLocked(t)
			q.mu.Unlock()
			continue
		}
		q.deliver(ctx, t)
	}
	return len(due)
}

func (q *MemoryQueue) deliver(ctx context.Context, t *Task) {
	q.mu.Lock()
	handler, ok := q.handlers[t.Name]
	q.mu.Unlock()

	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownTask, t.Name)
	} else {
		err = safeInvoke(ctx, handler, t.Payload)
	}

	if err == nil {
		metrics.QueueTasksTotal.WithLabelValues(t.Name, "success").Inc()
		return
	}

	t.Attempts++
	t.LastError = err.Error()

	q.mu.Lock()
	defer q.mu.Unlock()

	if t.Attempts >= q.config.MaxAttempts {
		q.deadLetter = append(q.deadLetter, t)
		metrics.QueueTasksTotal.WithLabelValues(t.Name, "dead_letter").Inc()
		q.logger.Error("Task exhausted attempts", "task", t.Name, "task_id", t.ID, "attempts", t.Attempts, "error", err)
		return
	}

	t.NotBefore = q.now().Add(q.backoff.Calculate(t.Attempts))
	q.insertLocked(t)
	metrics.QueueTasksTotal.WithLabelValues(t.Name, "retry").Inc()
	q.logger.Warn("Task failed, rescheduled", "task", t.Name, "task_id", t.ID, "attempts", t.Attempts, "next_attempt", t.NotBefore, "error", err)
}

func safeInvoke(ctx context.Context, h Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return h(ctx, payload)
}

func (q *MemoryQueue) insertLocked(t *Task) {
	i := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].NotBefore.After(t.NotBefore)
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = t
}

// Start polls for due tasks until Shutdown is called
func (q *MemoryQueue) Start(ctx context.Context) {
	q.shutdownCtx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.config.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-q.shutdownCtx.Done():
				return
			case <-ticker.C:
				q.RunDue(q.shutdownCtx)
			}
		}
	}()
	q.logger.Info("Memory queue started", "poll_interval", q.config.PollInterval)
}

// Shutdown stops polling and waits for in-flight deliveries
func (q *MemoryQueue) Shutdown(timeout time.Duration) error {
	if q.cancel == nil {
		return nil
	}
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("Memory queue stopped", "pending", len(q.Pending()))
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("memory queue shutdown timed out after %s", timeout)
	}
}
