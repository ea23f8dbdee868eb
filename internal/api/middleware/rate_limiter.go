package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// OpsRateLimiter throttles operator calls per client IP. Idle entries are
// swept in the background so the map stays bounded.
type OpsRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewOpsRateLimiter allows requestsPerMinute per IP; values below 1 are clamped
func NewOpsRateLimiter(requestsPerMinute int, idleTTL time.Duration) *OpsRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1
	}
	if idleTTL <= 0 {
		idleTTL = limiterIdleTTL
	}
	rl := &OpsRateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:    requestsPerMinute,
		idleTTL:  idleTTL,
		stopCh:   make(chan struct{}),
	}
	go rl.sweepLoop(limiterSweepInterval)
	return rl
}

func (rl *OpsRateLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *OpsRateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, e := range rl.limiters {
		if now.Sub(e.lastSeen) > rl.idleTTL {
			delete(rl.limiters, key)
		}
	}
}

func (rl *OpsRateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Size returns the number of tracked clients
func (rl *OpsRateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Shutdown stops the sweeper
func (rl *OpsRateLimiter) Shutdown(time.Duration) error {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
	return nil
}

// Limit returns the gin middleware
func (rl *OpsRateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.limiterFor(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":        "RATE_LIMIT_EXCEEDED",
				"message":     "Too many requests. Please try again later.",
				"retry_after": 60,
				"request_id":  c.GetString("request_id"),
			})
			return
		}
		c.Next()
	}
}
