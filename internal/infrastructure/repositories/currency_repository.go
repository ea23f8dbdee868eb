package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	domainrepo "github.com/rail-service/ledger_engine/internal/domain/repositories"
	"github.com/rail-service/ledger_engine/internal/infrastructure/cache"
)

// CurrencyRepository reads the currency catalog
type CurrencyRepository struct {
	db *sqlx.DB
}

var _ domainrepo.CurrencyDirectory = (*CurrencyRepository)(nil)

func NewCurrencyRepository(db *sqlx.DB) *CurrencyRepository {
	return &CurrencyRepository{db: db}
}

type currencyRow struct {
	entities.Currency
	SwapEnabled pq.StringArray `db:"swap_enabled"`
}

func (r *CurrencyRepository) FindByCode(ctx context.Context, code string) (*entities.Currency, error) {
	var row currencyRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, code, usd_rate, min_crawl, swap_enabled, swap_fee, active, updated_at
		FROM currencies
		WHERE code = $1`, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.NotFoundError("CURRENCY")
		}
		return nil, fmt.Errorf("get currency: %w", err)
	}
	c := row.Currency
	c.SwapEnabled = []string(row.SwapEnabled)
	return &c, nil
}

func (r *CurrencyRepository) FindAttribute(ctx context.Context, currencyCode, chainCode string) (*entities.CurrencyAttribute, error) {
	var a entities.CurrencyAttribute
	err := r.db.GetContext(ctx, &a, `
		SELECT currency_code, chain_code, withdraw_enabled, min_withdraw, max_withdraw,
			withdraw_fee_token, withdraw_fee_chain, max_amount_withdraw_daily,
			max_times_withdraw, value_need_approve, native_token
		FROM currency_attributes
		WHERE currency_code = $1 AND chain_code = $2`, currencyCode, chainCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.NotFoundError("CURRENCY_ATTRIBUTE")
		}
		return nil, fmt.Errorf("get currency attribute: %w", err)
	}
	return &a, nil
}

// CachedCurrencyDirectory serves currency lookups from Redis, falling back to
// the wrapped directory on a miss. Cache failures degrade to the database.
type CachedCurrencyDirectory struct {
	next   domainrepo.CurrencyDirectory
	cache  cache.RedisClient
	ttl    time.Duration
	logger *zap.Logger
}

var _ domainrepo.CurrencyDirectory = (*CachedCurrencyDirectory)(nil)

func NewCachedCurrencyDirectory(next domainrepo.CurrencyDirectory, c cache.RedisClient, ttl time.Duration, logger *zap.Logger) *CachedCurrencyDirectory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedCurrencyDirectory{next: next, cache: c, ttl: ttl, logger: logger}
}

func (d *CachedCurrencyDirectory) FindByCode(ctx context.Context, code string) (*entities.Currency, error) {
	key := "currency:" + code
	var cached entities.Currency
	if err := d.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		d.logger.Warn("Currency cache read failed", zap.String("code", code), zap.Error(err))
	}

	c, err := d.next.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := d.cache.Set(ctx, key, c, d.ttl); err != nil {
		d.logger.Warn("Currency cache write failed", zap.String("code", code), zap.Error(err))
	}
	return c, nil
}

func (d *CachedCurrencyDirectory) FindAttribute(ctx context.Context, currencyCode, chainCode string) (*entities.CurrencyAttribute, error) {
	key := "currency_attr:" + currencyCode + ":" + chainCode
	var cached entities.CurrencyAttribute
	if err := d.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		d.logger.Warn("Currency attribute cache read failed",
			zap.String("currency", currencyCode),
			zap.String("chain", chainCode),
			zap.Error(err))
	}

	a, err := d.next.FindAttribute(ctx, currencyCode, chainCode)
	if err != nil {
		return nil, err
	}
	if err := d.cache.Set(ctx, key, a, d.ttl); err != nil {
		d.logger.Warn("Currency attribute cache write failed", zap.String("currency", currencyCode), zap.Error(err))
	}
	return a, nil
}

// Invalidate drops the cached currency row, e.g. after a rate update
func (d *CachedCurrencyDirectory) Invalidate(ctx context.Context, code string) error {
	_, err := d.cache.Del(ctx, "currency:"+code)
	return err
}
