package graceful

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rail-service/ledger_engine/pkg/logger"
)

const defaultTimeout = 30 * time.Second

// Shutdowner is a background component that drains within a deadline
type Shutdowner interface {
	Shutdown(timeout time.Duration) error
}

// ShutdownFunc adapts a plain function, such as a worker Stop, to Shutdowner
type ShutdownFunc func(timeout time.Duration) error

func (f ShutdownFunc) Shutdown(timeout time.Duration) error { return f(timeout) }

// ShutdownManager stops the engine in order: background components first so
// no new appends start, then the HTTP server, then the stores.
type ShutdownManager struct {
	server      *http.Server
	closers     []io.Closer
	shutdowners []Shutdowner
	timeout     time.Duration
	logger      *logger.Logger
}

func NewShutdownManager(server *http.Server, logger *logger.Logger, closers ...io.Closer) *ShutdownManager {
	return &ShutdownManager{
		server:  server,
		closers: closers,
		timeout: defaultTimeout,
		logger:  logger,
	}
}

// Register adds a component; components shut down in registration order
func (sm *ShutdownManager) Register(s Shutdowner) {
	sm.shutdowners = append(sm.shutdowners, s)
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then runs Shutdown
func (sm *ShutdownManager) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	sm.logger.Info("Shutting down gracefully...", "signal", sig.String())
	sm.Shutdown()
}

func (sm *ShutdownManager) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	for _, s := range sm.shutdowners {
		if err := s.Shutdown(sm.timeout); err != nil {
			sm.logger.Warn("Component shutdown error", "error", err)
		}
	}

	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.Error("Server forced shutdown", "error", err)
		}
	}

	for _, c := range sm.closers {
		if err := c.Close(); err != nil {
			sm.logger.Warn("Close error", "error", err)
		}
	}

	sm.logger.Info("Shutdown complete")
}
