package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/rail-service/ledger_engine/internal/api/handlers"
	"github.com/rail-service/ledger_engine/internal/api/middleware"
	"github.com/rail-service/ledger_engine/internal/api/routes"
	"github.com/rail-service/ledger_engine/internal/infrastructure/config"
	"github.com/rail-service/ledger_engine/internal/infrastructure/database"
	"github.com/rail-service/ledger_engine/internal/infrastructure/di"
	"github.com/rail-service/ledger_engine/pkg/graceful"
	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/metrics"
	"github.com/rail-service/ledger_engine/pkg/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel, cfg.Environment)
	defer log.Sync()

	// Initialize OpenTelemetry tracing
	tracingConfig := tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		CollectorURL: cfg.Tracing.CollectorURL,
		Environment:  cfg.Environment,
		SampleRate:   cfg.Tracing.SampleRate,
		Insecure:     cfg.Tracing.Insecure,
	}
	tracingShutdown, err := tracing.InitTracer(context.Background(), tracingConfig, log.Zap())
	if err != nil {
		log.Fatal("Failed to initialize tracing", "error", err)
	}
	defer tracingShutdown(context.Background())

	// Connect to the database unless running on in-memory stores
	var db *sqlx.DB
	if cfg.Storage.Driver != di.StorageDriverMemory {
		db, err = database.NewConnection(cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", "error", err)
		}
		if cfg.Database.AutoMigrate {
			if err := database.RunMigrations(db, cfg.Database.MigrationsPath); err != nil {
				log.Fatal("Failed to run migrations", "error", err)
			}
			log.Info("Database migrations applied", "path", cfg.Database.MigrationsPath)
		}
	} else {
		log.Warn("Using in-memory storage; data is lost on restart")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Build dependency injection container
	container, err := di.NewContainer(cfg, db, log)
	if err != nil {
		log.Fatal("Failed to create DI container", "error", err)
	}

	checks := map[string]handlers.Pinger{
		"redis": container.Cache.Ping,
	}
	if db != nil {
		checks["database"] = func(ctx context.Context) error {
			return database.HealthCheck(ctx, db)
		}
	}

	rateLimiter := middleware.NewOpsRateLimiter(cfg.Server.OpsRequestsPerMinute, 10*time.Minute)

	router := routes.SetupRoutes(routes.Deps{
		Ledger:      container.Ledger,
		Deposits:    container.Deposits,
		Withdrawals: container.Withdrawals,
		Commissions: container.Commissions,
		Statistics:  container.Statistics,
		Checks:      checks,
		OpsToken:    cfg.Server.OpsToken,
		RateLimiter: rateLimiter,
		Logger:      log,
	})

	// Start background processing
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	container.Queue.Start(workerCtx)
	container.Rewards.Start(workerCtx)
	container.DepositCommit.Start(workerCtx)
	if err := container.WithdrawalExpiry.Start(); err != nil {
		log.Fatal("Failed to start withdrawal expiry worker", "error", err)
	}
	log.Info("Background workers started",
		"queue_driver", cfg.Queue.Driver,
		"expiry_schedule", cfg.Withdrawal.ExpirySchedule)

	server := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	go func() {
		log.Info("Starting server",
			"port", cfg.Server.Port,
			"environment", cfg.Environment,
			"storage_driver", cfg.Storage.Driver,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	if db != nil {
		go reportPoolStats(workerCtx, db)
	}

	closers := []io.Closer{container.Cache}
	if db != nil {
		closers = append(closers, db)
	}
	shutdown := graceful.NewShutdownManager(server, log, closers...)

	// Stop intake first, then drain in dependency order
	shutdown.Register(graceful.ShutdownFunc(func(time.Duration) error {
		container.WithdrawalExpiry.Stop()
		container.DepositCommit.Stop()
		return nil
	}))
	shutdown.Register(container.Queue)
	shutdown.Register(container.Rewards)
	shutdown.Register(container.Notifications)
	if container.Events != nil {
		shutdown.Register(container.Events)
	}
	shutdown.Register(rateLimiter)
	shutdown.Register(graceful.ShutdownFunc(func(time.Duration) error {
		stopWorkers()
		return nil
	}))

	shutdown.WaitForShutdown()
	log.Info("Server exited gracefully")
}

// reportPoolStats exports connection pool gauges until ctx is canceled
func reportPoolStats(ctx context.Context, db *sqlx.DB) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			metrics.DatabaseConnectionsGauge.WithLabelValues("open").Set(float64(stats.OpenConnections))
			metrics.DatabaseConnectionsGauge.WithLabelValues("idle").Set(float64(stats.Idle))
			metrics.DatabaseConnectionsGauge.WithLabelValues("in_use").Set(float64(stats.InUse))
		}
	}
}
