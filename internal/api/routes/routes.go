package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/rail-service/ledger_engine/internal/api/handlers"
	"github.com/rail-service/ledger_engine/internal/api/middleware"
	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/tracing"
)

// Deps carries the services the ops API drives
type Deps struct {
	Ledger      handlers.LedgerReader
	Deposits    handlers.DepositStager
	Withdrawals handlers.WithdrawalOperations
	Commissions handlers.CommissionResender
	Statistics  handlers.StatisticsOperations
	Checks      map[string]handlers.Pinger
	OpsToken    string
	RateLimiter *middleware.OpsRateLimiter
	Logger      *logger.Logger
}

// SetupRoutes configures the health, metrics and operator routes
func SetupRoutes(deps Deps) *gin.Engine {
	router := gin.New()

	router.Use(tracing.HTTPMiddleware())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.Use(middleware.RequestSizeLimit())
	router.Use(middleware.Logger(deps.Logger))
	router.Use(middleware.Recovery(deps.Logger))

	coreHandlers := handlers.NewCoreHandlers(deps.Checks, deps.Logger)
	router.GET("/health", coreHandlers.Health)
	router.GET("/live", coreHandlers.Live)
	router.GET("/metrics", handlers.Metrics())

	ledgerHandlers := handlers.NewLedgerHandlers(deps.Ledger, deps.Logger)
	withdrawalHandlers := handlers.NewWithdrawalHandlers(deps.Withdrawals, deps.Logger)
	commissionHandlers := handlers.NewCommissionHandlers(deps.Commissions, deps.Logger)
	statisticsHandlers := handlers.NewStatisticsHandlers(deps.Statistics, deps.Logger)
	depositHandlers := handlers.NewDepositHandlers(deps.Deposits, deps.Logger)

	ops := router.Group("/ops/v1")
	ops.Use(middleware.OpsAuth(deps.OpsToken))
	if deps.RateLimiter != nil {
		ops.Use(deps.RateLimiter.Limit())
	}
	{
		ops.POST("/deposits/observations", depositHandlers.ObserveDeposit)

		withdrawals := ops.Group("/withdrawals")
		withdrawals.GET("/:id", withdrawalHandlers.GetWithdrawal)
		withdrawals.POST("/:id/approve", withdrawalHandlers.ApproveWithdrawal)
		withdrawals.POST("/:id/cancel", withdrawalHandlers.CancelWithdrawal)

		commissions := ops.Group("/commissions")
		commissions.POST("/investments/resend", commissionHandlers.ResendInvestment)
		commissions.POST("/bonuses/resend", commissionHandlers.ResendBonus)

		customers := ops.Group("/customers/:id")
		customers.GET("/balances/:currency", ledgerHandlers.GetBalance)
		customers.GET("/balances/:currency/entries", ledgerHandlers.ListEntries)
		customers.POST("/balances/:currency/verify", ledgerHandlers.VerifyChain)
		customers.GET("/statistics", statisticsHandlers.GetPeriod)
		customers.GET("/statistics/periods", statisticsHandlers.ListPeriods)
		customers.POST("/sponsor", statisticsHandlers.Reparent)
	}

	return router
}
