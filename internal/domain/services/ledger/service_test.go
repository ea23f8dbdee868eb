package ledger

import (
	"context"
	"sync"
	"testing"

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

type recordingPublisher struct {
	mu      sync.Mutex
	entries []*entities.LedgerEntry
}

func (p *recordingPublisher) PublishEntryAppended(ctx context.Context, e *entities.LedgerEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
	return nil
}

func newTestService(t *testing.T) (*Service, *memory.LedgerStore, *memory.CurrencyStore) {
	t.Helper()
	store := memory.NewLedgerStore()
	currencies := memory.NewCurrencyStore()
	currencies.PutCurrency(&entities.Currency{
		Code: "USDT", USDRate: decimal.NewFromInt(1), Active: true,
		SwapEnabled: []string{"ETH"}, SwapFee: decimal.NewFromInt(1),
	})
	currencies.PutCurrency(&entities.Currency{
		Code: "ETH", USDRate: decimal.NewFromInt(2000), Active: true,
	})
	return NewService(store, currencies, logger.NewLogger(zap.NewNop())), store, currencies
}

func deposit(customerID uuid.UUID, currency string, amount int64) entities.AppendRequest {
	return entities.AppendRequest{
		CustomerID:   customerID,
		CurrencyCode: currency,
		Action:       entities.ActionDeposit,
		Amount:       decimal.NewFromInt(amount),
		AmountUSD:    decimal.NewFromInt(amount),
		TxHash:       uuid.NewString(),
		Status:       entities.EntryStatusCompleted,
	}
}

func withdraw(customerID uuid.UUID, currency string, amount, fee int64) entities.AppendRequest {
	return entities.AppendRequest{
		CustomerID:   customerID,
		CurrencyCode: currency,
		Action:       entities.ActionWithdraw,
		Amount:       decimal.NewFromInt(amount),
		Fee:          decimal.NewFromInt(fee),
		TxHash:       entities.InternalTxHashPrefix + uuid.NewString(),
		Status:       entities.EntryStatusCreated,
	}
}

func TestService_AppendChainsBalances(t *testing.T) {
	svc, _, _ := newTestService(t)
	pub := &recordingPublisher{}
	svc.SetEventPublisher(pub)
	ctx := context.Background()
	customer := uuid.New()

	first, err := svc.Append(ctx, deposit(customer, "USDT", 100))
	require.NoError(t, err)
	assert.True(t, first.BalanceBefore.IsZero())
	assert.True(t, first.BalanceAfter.Equal(decimal.NewFromInt(100)))

	second, err := svc.Append(ctx, withdraw(customer, "USDT", 30, 2))
	require.NoError(t, err)
	assert.True(t, second.BalanceBefore.Equal(first.BalanceAfter))
	assert.True(t, second.BalanceAfter.Equal(decimal.NewFromInt(68)))

	balance, err := svc.GetBalance(ctx, customer, "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(68)))
	assert.Len(t, pub.entries, 2)

	violation, err := svc.VerifyChain(ctx, customer, "USDT")
	require.NoError(t, err)
	assert.Nil(t, violation)
}

func TestService_GetBalanceEmptyChain(t *testing.T) {
	svc, _, _ := newTestService(t)
	balance, err := svc.GetBalance(context.Background(), uuid.New(), "USDT")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestService_RejectsOverdraft(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	customer := uuid.New()

	_, err := svc.Append(ctx, deposit(customer, "USDT", 10))
	require.NoError(t, err)

	_, err = svc.Append(ctx, withdraw(customer, "USDT", 10, 1))
	require.Error(t, err)
	assert.True(t, domainerrors.IsInsufficientBalance(err))

	history, err := svc.History(ctx, customer, "USDT", 10, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestService_AppendBatchIsAtomic(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	customer := uuid.New()

	_, err := svc.Append(ctx, deposit(customer, "USDT", 50))
	require.NoError(t, err)

	// second leg overdraws the native token, so neither entry may be written
	fee := entities.AppendRequest{
		CustomerID:   customer,
		CurrencyCode: "ETH",
		Action:       entities.ActionNetworkFee,
		Amount:       decimal.NewFromFloat(0.01),
		TxHash:       "fee:" + uuid.NewString(),
		Status:       entities.EntryStatusCompleted,
	}
	_, err = svc.AppendBatch(ctx, []entities.AppendRequest{withdraw(customer, "USDT", 20, 0), fee})
	require.Error(t, err)

	balance, err := svc.GetBalance(ctx, customer, "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(50)))
	pending, err := svc.FindPending(ctx, customer, "USDT")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestService_DuplicateDepositHash(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	customer := uuid.New()

	req := deposit(customer, "USDT", 25)
	_, err := svc.Append(ctx, req)
	require.NoError(t, err)

	action := entities.ActionDeposit
	exists, err := svc.ExistsByTxHash(ctx, req.TxHash, &action)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = svc.Append(ctx, req)
	require.Error(t, err)
	assert.True(t, domainerrors.IsDuplicateEvent(err))
}

func TestService_TransitionCompareAndSet(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	customer := uuid.New()

	_, err := svc.Append(ctx, deposit(customer, "USDT", 100))
	require.NoError(t, err)
	w, err := svc.Append(ctx, withdraw(customer, "USDT", 40, 0))
	require.NoError(t, err)

	pending, err := svc.FindPending(ctx, customer, "USDT")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, w.ID, pending.ID)

	accept := repositories.StatusTransition{
		EntryID: w.ID,
		From:    []entities.EntryStatus{entities.EntryStatusCreated},
		To:      entities.EntryStatusAccepted,
	}
	updated, err := svc.Transition(ctx, accept)
	require.NoError(t, err)
	assert.Equal(t, entities.EntryStatusAccepted, updated[0].Status)

	_, err = svc.Transition(ctx, accept)
	require.Error(t, err)
	assert.True(t, domainerrors.IsConflict(err))
}

func TestService_ConcurrentAppendsSameKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	customer := uuid.New()

	_, err := svc.Append(ctx, deposit(customer, "USDT", 1000))
	require.NoError(t, err)

	const workers = 50
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.Append(ctx, deposit(customer, "USDT", 3))
			errs <- err
		}()
		go func() {
			defer wg.Done()
			req := withdraw(customer, "USDT", 2, 0)
			req.Status = entities.EntryStatusCompleted
			req.Action = entities.ActionExchangeOut
			_, err := svc.Append(ctx, req)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	balance, err := svc.GetBalance(ctx, customer, "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(1000+workers*3-workers*2)), balance.String())

	violation, err := svc.VerifyChain(ctx, customer, "USDT")
	require.NoError(t, err)
	assert.Nil(t, violation)

	history, err := svc.History(ctx, customer, "USDT", 0, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1+workers*2)
}

func TestService_ConcurrentOverdraftNeverNegative(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	customer := uuid.New()

	_, err := svc.Append(ctx, deposit(customer, "USDT", 10))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := withdraw(customer, "USDT", 1, 0)
			req.Status = entities.EntryStatusCompleted
			req.Action = entities.ActionExchangeOut
			if _, err := svc.Append(ctx, req); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	balance, err := svc.GetBalance(ctx, customer, "USDT")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestService_AppendGuardedSerializesCheckAndWrite(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	customer := uuid.New()
	_, err := svc.Append(ctx, deposit(customer, "USDT", 1000))
	require.NoError(t, err)

	key := entities.BalanceKey{CustomerID: customer, CurrencyCode: "USDT"}
	noPending := func(ctx context.Context, chain repositories.ChainReader) error {
		pending, err := chain.FindPending(ctx, key)
		if err != nil {
			return err
		}
		if pending != nil {
			return domainerrors.PendingTransactionError(pending.ID.String())
		}
		return nil
	}

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AppendGuarded(ctx, []entities.AppendRequest{withdraw(customer, "USDT", 10, 0)}, noPending)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if domainerrors.GetErrorCode(err) == domainerrors.CodePendingTransaction {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, rejected)
	balance, err := svc.GetBalance(ctx, customer, "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(990)))
}

func TestService_Exchange(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	customer := uuid.New()

	_, err := svc.Append(ctx, deposit(customer, "USDT", 5000))
	require.NoError(t, err)

	res, err := svc.Exchange(ctx, ExchangeRequest{
		CustomerID:   customer,
		FromCurrency: "USDT",
		ToCurrency:   "ETH",
		Amount:       decimal.NewFromInt(4000),
	})
	require.NoError(t, err)
	assert.True(t, res.Out.Fee.Equal(decimal.NewFromInt(40)))
	assert.True(t, res.In.Amount.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, res.ExchangeID, *res.Out.RelatedOrderID)

	usdt, err := svc.GetBalance(ctx, customer, "USDT")
	require.NoError(t, err)
	assert.True(t, usdt.Equal(decimal.NewFromInt(960)))
	eth, err := svc.GetBalance(ctx, customer, "ETH")
	require.NoError(t, err)
	assert.True(t, eth.Equal(decimal.NewFromInt(2)))
}

func TestService_ExchangeRequiresSwapEnabled(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	customer := uuid.New()

	_, err := svc.Append(ctx, entities.AppendRequest{
		CustomerID: customer, CurrencyCode: "ETH", Action: entities.ActionDeposit,
		Amount: decimal.NewFromInt(1), TxHash: "0xabc", Status: entities.EntryStatusCompleted,
	})
	require.NoError(t, err)

	_, err = svc.Exchange(ctx, ExchangeRequest{
		CustomerID: customer, FromCurrency: "ETH", ToCurrency: "USDT", Amount: decimal.NewFromInt(1),
	})
	require.Error(t, err)
	assert.Equal(t, domainerrors.CodeSwapDisabled, domainerrors.GetErrorCode(err))
}

func TestService_VerifyChainDetectsTampering(t *testing.T) {
	entries := []*entities.LedgerEntry{
		{ID: uuid.New(), Action: entities.ActionDeposit, Amount: decimal.NewFromInt(5), BalanceBefore: decimal.Zero, BalanceAfter: decimal.NewFromInt(5)},
		{ID: uuid.New(), Action: entities.ActionDeposit, Amount: decimal.NewFromInt(5), BalanceBefore: decimal.NewFromInt(4), BalanceAfter: decimal.NewFromInt(9)},
	}
	v := entities.VerifyBalanceChain(entries)
	require.NotNil(t, v)
	assert.Equal(t, 1, v.Index)
	assert.Equal(t, "balance_before", v.Field)
}
