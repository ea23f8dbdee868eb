package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var (
	// ErrMaxRetriesExceeded wraps the last error once attempts run out
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrNonRetryable marks an error that must not be retried
	ErrNonRetryable = errors.New("non-retryable error")
)

// retryable is implemented by errors that know whether they are transient
type retryable interface {
	IsRetryable() bool
}

// Policy controls how many attempts are made and how long to wait between them
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Jitter        float64
	RetryableFunc func(error) bool
}

// DefaultPolicy is used for upstream calls that are safe to repeat
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Validate reports a misconfigured policy
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must be non-negative")
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return fmt.Errorf("initial delay %s exceeds max delay %s", p.InitialDelay, p.MaxDelay)
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %f", p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0,1], got %f", p.Jitter)
	}
	return nil
}

// Backoff computes exponential delays for a policy
type Backoff struct {
	policy Policy
	rnd    func() float64
}

// NewBackoff creates a backoff calculator for policy
func NewBackoff(policy Policy) *Backoff {
	return &Backoff{policy: policy, rnd: rand.Float64}
}

// Calculate returns the delay before the given attempt (1-based)
func (b *Backoff) Calculate(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.policy.Multiplier
	if mult == 0 {
		mult = 2
	}
	delay := float64(b.policy.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if b.policy.MaxDelay > 0 && delay > float64(b.policy.MaxDelay) {
		delay = float64(b.policy.MaxDelay)
	}
	if b.policy.Jitter > 0 {
		spread := delay * b.policy.Jitter
		delay = delay - spread + 2*spread*b.rnd()
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// ShouldRetry is the default classification: context errors and errors marked
// non-retryable stop immediately, errors that report IsRetryable decide for
// themselves, anything else is retried.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNonRetryable) {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
