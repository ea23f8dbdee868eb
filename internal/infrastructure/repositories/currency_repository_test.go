package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/internal/infrastructure/cache"
	"github.com/rail-service/ledger_engine/internal/infrastructure/repositories/memory"
)

type countingDirectory struct {
	*memory.CurrencyStore
	codeLookups int
	attrLookups int
}

func (c *countingDirectory) FindByCode(ctx context.Context, code string) (*entities.Currency, error) {
	c.codeLookups++
	return c.CurrencyStore.FindByCode(ctx, code)
}

func (c *countingDirectory) FindAttribute(ctx context.Context, currencyCode, chainCode string) (*entities.CurrencyAttribute, error) {
	c.attrLookups++
	return c.CurrencyStore.FindAttribute(ctx, currencyCode, chainCode)
}

func TestCachedCurrencyDirectory(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCurrencyStore()
	store.PutCurrency(&entities.Currency{Code: "USDT", USDRate: decimal.NewFromInt(1), SwapEnabled: []string{"TKN"}, Active: true})
	store.PutAttribute(&entities.CurrencyAttribute{CurrencyCode: "USDT", ChainCode: "TRON", MinWithdraw: decimal.NewFromInt(10)})

	next := &countingDirectory{CurrencyStore: store}
	mc := cache.NewMemoryClient()
	dir := NewCachedCurrencyDirectory(next, mc, time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		c, err := dir.FindByCode(ctx, "USDT")
		require.NoError(t, err)
		assert.True(t, c.CanSwapTo("TKN"))
		assert.True(t, c.USDRate.Equal(decimal.NewFromInt(1)))

		a, err := dir.FindAttribute(ctx, "USDT", "TRON")
		require.NoError(t, err)
		assert.True(t, a.MinWithdraw.Equal(decimal.NewFromInt(10)))
	}
	assert.Equal(t, 1, next.codeLookups)
	assert.Equal(t, 1, next.attrLookups)

	require.NoError(t, dir.Invalidate(ctx, "USDT"))
	_, err := dir.FindByCode(ctx, "USDT")
	require.NoError(t, err)
	assert.Equal(t, 2, next.codeLookups)
}

func TestCachedCurrencyDirectory_MissIsNotCached(t *testing.T) {
	next := &countingDirectory{CurrencyStore: memory.NewCurrencyStore()}
	dir := NewCachedCurrencyDirectory(next, cache.NewMemoryClient(), time.Minute, zap.NewNop())

	_, err := dir.FindByCode(context.Background(), "NOPE")
	assert.True(t, domainerrors.IsNotFound(err))
	_, err = dir.FindByCode(context.Background(), "NOPE")
	assert.True(t, domainerrors.IsNotFound(err))
	assert.Equal(t, 2, next.codeLookups)
}
