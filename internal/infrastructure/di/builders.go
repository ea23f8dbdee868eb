package di

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rail-service/ledger_engine/internal/domain/repositories"
	"github.com/rail-service/ledger_engine/internal/domain/services/twofa"
	"github.com/rail-service/ledger_engine/internal/infrastructure/cache"
	"github.com/rail-service/ledger_engine/internal/infrastructure/config"
	postgres "github.com/rail-service/ledger_engine/internal/infrastructure/repositories"
	"github.com/rail-service/ledger_engine/internal/infrastructure/repositories/memory"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Stores holds every persistence port the services depend on
type Stores struct {
	Ledger          repositories.LedgerRepository
	PendingDeposits repositories.PendingDepositRepository
	Statistics      repositories.StatisticsRepository
	CommissionRules repositories.CommissionRuleRepository
	Currencies      repositories.CurrencyDirectory
	Customers       repositories.CustomerDirectory
	Wallets         repositories.WalletRegistry
	Secrets         twofa.SecretStore
}

// RepositoryBuilder builds the stores for the configured driver
type RepositoryBuilder struct {
	driver string
	db     *sqlx.DB
	cache  cache.RedisClient
	cfg    *config.Config
	logger *zap.Logger
}

// NewRepositoryBuilder creates a new repository builder. db may be nil for
// the memory driver; cacheClient may be nil when Redis is disabled.
func NewRepositoryBuilder(cfg *config.Config, db *sqlx.DB, cacheClient cache.RedisClient, logger *zap.Logger) *RepositoryBuilder {
	return &RepositoryBuilder{
		driver: strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		db:     db,
		cache:  cacheClient,
		cfg:    cfg,
		logger: logger,
	}
}

// Build builds all stores
func (b *RepositoryBuilder) Build() (*Stores, error) {
	switch b.driver {
	case StorageDriverMemory:
		return b.buildMemory(), nil
	case StorageDriverPostgres, "":
		if b.db == nil {
			return nil, fmt.Errorf("storage driver %q requires a database connection", StorageDriverPostgres)
		}
		return b.buildPostgres(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", b.driver)
	}
}

func (b *RepositoryBuilder) buildMemory() *Stores {
	return &Stores{
		Ledger:          memory.NewLedgerStore(),
		PendingDeposits: memory.NewPendingDepositStore(),
		Statistics:      memory.NewStatisticsStore(),
		CommissionRules: memory.NewCommissionRuleStore(),
		Currencies:      b.cachedCurrencies(memory.NewCurrencyStore()),
		Customers:       memory.NewCustomerStore(),
		Wallets:         memory.NewWalletStore(),
		Secrets:         twofa.NewMemorySecretStore(),
	}
}

func (b *RepositoryBuilder) buildPostgres() *Stores {
	return &Stores{
		Ledger:          postgres.NewLedgerRepository(b.db),
		PendingDeposits: postgres.NewPendingDepositRepository(b.db),
		Statistics:      postgres.NewStatisticsRepository(b.db),
		CommissionRules: postgres.NewCommissionRuleRepository(b.db),
		Currencies:      b.cachedCurrencies(postgres.NewCurrencyRepository(b.db)),
		Customers:       postgres.NewCustomerRepository(b.db),
		Wallets:         postgres.NewWalletRepository(b.db),
		Secrets:         twofa.NewSQLSecretStore(b.db),
	}
}

// cachedCurrencies fronts the currency catalog with the cache when one is configured
func (b *RepositoryBuilder) cachedCurrencies(next repositories.CurrencyDirectory) repositories.CurrencyDirectory {
	if b.cache == nil || !b.cfg.Redis.Enabled {
		return next
	}
	return postgres.NewCachedCurrencyDirectory(next, b.cache, seconds(b.cfg.Redis.CurrencyTTL), b.logger)
}
