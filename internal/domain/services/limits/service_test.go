package limits

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/internal/domain/repositories"
	"github.com/rail-service/ledger_engine/internal/infrastructure/repositories/memory"
	"github.com/rail-service/ledger_engine/pkg/logger"
)

var testNow = time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Service, *memory.LedgerStore) {
	t.Helper()
	store := memory.NewLedgerStore()
	store.SetClock(func() time.Time { return testNow })
	svc := NewService(store, logger.NewLogger(zap.NewNop()))
	svc.SetClock(func() time.Time { return testNow })
	return svc, store
}

// seedWithdrawal writes a funded WITHDRAW entry directly to the store
func seedWithdrawal(t *testing.T, store *memory.LedgerStore, customer uuid.UUID, usd int64, status entities.EntryStatus) *entities.LedgerEntry {
	t.Helper()
	key := entities.BalanceKey{CustomerID: customer, CurrencyCode: "USDT"}
	entries, err := store.AppendEntries(context.Background(), []repositories.AppendOp{{
		Key: key,
		Build: func(latest *entities.LedgerEntry) (*entities.LedgerEntry, error) {
			return &entities.LedgerEntry{
				CustomerID: customer, CurrencyCode: "USDT", Action: entities.ActionWithdraw,
				Amount: decimal.NewFromInt(usd), AmountUSD: decimal.NewFromInt(usd),
				BalanceAfter: decimal.NewFromInt(usd).Neg(), ExternalTxHash: uuid.NewString(), Status: status,
			}, nil
		},
	}})
	require.NoError(t, err)
	return entries[0]
}

func TestCheckTier(t *testing.T) {
	svc, _ := setup(t)

	basic := &entities.Customer{TwoFAEnabled: true, KYCStatus: entities.KYCStatusPending}
	_, err := svc.CheckTier(basic, decimal.NewFromInt(10_000))
	assert.NoError(t, err)

	res, err := svc.CheckTier(basic, decimal.NewFromInt(10_001))
	require.Error(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, domainerrors.CodeTierLimitExceeded, domainerrors.GetErrorCode(err))

	verified := &entities.Customer{TwoFAEnabled: true, KYCStatus: entities.KYCStatusApproved}
	_, err = svc.CheckTier(verified, decimal.NewFromInt(50_000))
	assert.NoError(t, err)
}

func TestCheckDaily(t *testing.T) {
	svc, store := setup(t)
	customer := uuid.New()
	key := entities.BalanceKey{CustomerID: customer, CurrencyCode: "USDT"}
	attr := &entities.CurrencyAttribute{MaxAmountWithdrawDaily: decimal.NewFromInt(1000)}

	seedWithdrawal(t, store, customer, 600, entities.EntryStatusCompleted)
	seedWithdrawal(t, store, customer, 500, entities.EntryStatusCanceled)

	res, err := svc.CheckDaily(context.Background(), key, attr, decimal.NewFromInt(300))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.CurrentUsage.Equal(decimal.NewFromInt(600)))

	// usage plus request must stay strictly below the cap
	res, err = svc.CheckDaily(context.Background(), key, attr, decimal.NewFromInt(400))
	require.Error(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, domainerrors.CodeDailyLimitExceeded, domainerrors.GetErrorCode(err))
}

func TestCheckDaily_ZeroCapDisabled(t *testing.T) {
	svc, _ := setup(t)
	key := entities.BalanceKey{CustomerID: uuid.New(), CurrencyCode: "USDT"}
	res, err := svc.CheckDaily(context.Background(), key, &entities.CurrencyAttribute{}, decimal.NewFromInt(1_000_000))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheckAmountRange(t *testing.T) {
	svc, _ := setup(t)
	attr := &entities.CurrencyAttribute{MinWithdraw: decimal.NewFromInt(10), MaxWithdraw: decimal.NewFromInt(100)}

	assert.NoError(t, svc.CheckAmountRange(attr, decimal.NewFromInt(10)))
	assert.NoError(t, svc.CheckAmountRange(attr, decimal.NewFromInt(100)))
	assert.Error(t, svc.CheckAmountRange(attr, decimal.NewFromInt(9)))
	assert.Error(t, svc.CheckAmountRange(attr, decimal.NewFromInt(101)))
	assert.NoError(t, svc.CheckAmountRange(&entities.CurrencyAttribute{}, decimal.NewFromInt(1_000_000)))
}

func TestEvaluateApproval_Threshold(t *testing.T) {
	svc, store := setup(t)
	attr := &entities.CurrencyAttribute{ValueNeedApprove: decimal.NewFromInt(500), MaxTimesWithdraw: 3}
	customer := uuid.New()

	big := seedWithdrawal(t, store, customer, 600, entities.EntryStatusCreated)
	d, err := svc.EvaluateApproval(context.Background(), big, attr)
	require.NoError(t, err)
	assert.True(t, d.Required)
	assert.True(t, d.OverThreshold)
	assert.False(t, d.OverDailyCount)
	assert.Equal(t, 0, d.SameDayCount)
}

func TestEvaluateApproval_DailyCount(t *testing.T) {
	svc, store := setup(t)
	attr := &entities.CurrencyAttribute{ValueNeedApprove: decimal.NewFromInt(500), MaxTimesWithdraw: 3}
	customer := uuid.New()

	for i := 0; i < 3; i++ {
		small := seedWithdrawal(t, store, customer, 100, entities.EntryStatusCreated)
		d, err := svc.EvaluateApproval(context.Background(), small, attr)
		require.NoError(t, err)
		assert.False(t, d.Required, "withdrawal %d", i+1)
		assert.Equal(t, i, d.SameDayCount)
	}

	fourth := seedWithdrawal(t, store, customer, 100, entities.EntryStatusCreated)
	d, err := svc.EvaluateApproval(context.Background(), fourth, attr)
	require.NoError(t, err)
	assert.True(t, d.Required)
	assert.True(t, d.OverDailyCount)
	assert.Equal(t, 3, d.SameDayCount)
}

func TestEvaluateApproval_IgnoresFailedAndYesterday(t *testing.T) {
	svc, store := setup(t)
	attr := &entities.CurrencyAttribute{MaxTimesWithdraw: 1}
	customer := uuid.New()

	store.SetClock(func() time.Time { return testNow.Add(-24 * time.Hour) })
	seedWithdrawal(t, store, customer, 100, entities.EntryStatusCompleted)
	store.SetClock(func() time.Time { return testNow })
	seedWithdrawal(t, store, customer, 100, entities.EntryStatusFail)

	current := seedWithdrawal(t, store, customer, 100, entities.EntryStatusCreated)
	d, err := svc.EvaluateApproval(context.Background(), current, attr)
	require.NoError(t, err)
	assert.False(t, d.Required)
	assert.Equal(t, 0, d.SameDayCount)
}
