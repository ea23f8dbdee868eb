package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rail-service/ledger_engine/pkg/logger"
)

const version = "1.0.0"

// Pinger is a dependency that can report its reachability
type Pinger func(ctx context.Context) error

// CoreHandlers contains health and metrics handlers
type CoreHandlers struct {
	checks map[string]Pinger
	logger *logger.Logger
}

// NewCoreHandlers creates the health handlers; checks are keyed by service name
func NewCoreHandlers(checks map[string]Pinger, logger *logger.Logger) *CoreHandlers {
	return &CoreHandlers{
		checks: checks,
		logger: logger,
	}
}

var startTime = time.Now()

// HealthCheck represents a health check result
type HealthCheck struct {
	Service   string        `json:"service"`
	Status    string        `json:"status"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    time.Duration          `json:"uptime"`
	Checks    map[string]HealthCheck `json:"checks"`
}

// Health runs every registered check
func (h *CoreHandlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := h.runChecks(ctx)
	overallStatus := "healthy"
	for name, check := range checks {
		if check.Status != "healthy" {
			overallStatus = "unhealthy"
			h.logger.Warn("Health check failed", "service", name, "error", check.Error)
		}
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Version:   version,
		Uptime:    time.Since(startTime),
		Checks:    checks,
	})
}

// Live checks if the application is alive
func (h *CoreHandlers) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
		"uptime":    time.Since(startTime),
	})
}

// runChecks pings every dependency concurrently so one slow store does not
// hide the state of the others
func (h *CoreHandlers) runChecks(ctx context.Context) map[string]HealthCheck {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	results := make(map[string]HealthCheck, len(h.checks))
	for name, ping := range h.checks {
		wg.Add(1)
		go func(name string, ping Pinger) {
			defer wg.Done()
			check := runCheck(ctx, name, ping)
			mu.Lock()
			results[name] = check
			mu.Unlock()
		}(name, ping)
	}
	wg.Wait()
	return results
}

func runCheck(ctx context.Context, name string, ping Pinger) HealthCheck {
	start := time.Now()
	check := HealthCheck{Service: name, Timestamp: start}

	err := ping(ctx)
	check.Latency = time.Since(start)
	if err != nil {
		check.Status = "unhealthy"
		check.Error = err.Error()
	} else {
		check.Status = "healthy"
	}
	return check
}

// Metrics exposes Prometheus metrics
func Metrics() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
