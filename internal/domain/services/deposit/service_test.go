package deposit

import (
	"context"
	"sync"
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
	"github.com/rail-service/ledger_engine/internal/domain/services/ledger"
	"github.com/rail-service/ledger_engine/internal/infrastructure/repositories/memory"
	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/queue"
)

type recordingBonuses struct {
	mu       sync.Mutex
	triggers []entities.BonusTrigger
}

func (r *recordingBonuses) SubmitBonus(ctx context.Context, trigger entities.BonusTrigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, trigger)
}

type fixture struct {
	svc        *Service
	ledger     *ledger.Service
	store      *memory.LedgerStore
	pending    *memory.PendingDepositStore
	wallets    *memory.WalletStore
	queue      *queue.MemoryQueue
	bonuses    *recordingBonuses
	customerID uuid.UUID
	walletID   uuid.UUID
}

const depositAddress = "0xAbC0000000000000000000000000000000000001"

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log := logger.NewLogger(zap.NewNop())

	currencies := memory.NewCurrencyStore()
	currencies.PutCurrency(&entities.Currency{Code: "USDT", USDRate: decimal.NewFromInt(1), Active: true})
	currencies.PutCurrency(&entities.Currency{Code: "TKN", USDRate: decimal.NewFromInt(2), Active: true})

	customerID := uuid.New()
	walletID := uuid.New()
	wallets := memory.NewWalletStore()
	wallets.Put(&entities.Wallet{ID: walletID, CustomerID: &customerID, CurrencyCode: "USDT", ChainCode: "TRON",
		Address: depositAddress, Purpose: entities.WalletPurposeDeposit})
	wallets.Put(&entities.Wallet{CustomerID: &customerID, CurrencyCode: "TKN", ChainCode: "BSC",
		Address: depositAddress, Purpose: entities.WalletPurposeDeposit})

	store := memory.NewLedgerStore()
	ledgerSvc := ledger.NewService(store, currencies, log)
	pending := memory.NewPendingDepositStore()
	q := queue.NewMemoryQueue(queue.DefaultMemoryConfig(), log)
	bonuses := &recordingBonuses{}

	svc := NewService(ledgerSvc, pending, wallets, currencies, q, cfg, log)
	svc.SetBonusDispatcher(bonuses)

	return &fixture{
		svc: svc, ledger: ledgerSvc, store: store, pending: pending, wallets: wallets,
		queue: q, bonuses: bonuses, customerID: customerID, walletID: walletID,
	}
}

func transitionTo(id uuid.UUID, to entities.EntryStatus) repositories.StatusTransition {
	return repositories.StatusTransition{
		EntryID: id,
		From:    []entities.EntryStatus{entities.EntryStatusCreated, entities.EntryStatusAccepted},
		To:      to,
	}
}

func observation(txHash string, amount int64) entities.DepositObservation {
	return entities.DepositObservation{
		CurrencyCode: "USDT",
		ChainCode:    "TRON",
		TxHash:       txHash,
		FromAddress:  "0xsender",
		ToAddress:    "0xabc0000000000000000000000000000000000001",
		Amount:       decimal.NewFromInt(amount),
	}
}

func TestStage_EnqueuesCommitWithDelay(t *testing.T) {
	f := newFixture(t, Config{CommitDelay: 30 * time.Second})

	staged, err := f.svc.Stage(context.Background(), observation("0xtx1", 100))
	require.NoError(t, err)
	require.NotNil(t, staged)
	assert.Equal(t, f.customerID, staged.CustomerID)

	tasks := f.queue.Pending()
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskCommit, tasks[0].Name)
	assert.True(t, tasks[0].NotBefore.After(time.Now().Add(20*time.Second)))
}

func TestStage_UnknownAddressDropped(t *testing.T) {
	f := newFixture(t, Config{})
	obs := observation("0xtx1", 100)
	obs.ToAddress = "0xunknown"

	staged, err := f.svc.Stage(context.Background(), obs)
	require.NoError(t, err)
	assert.Nil(t, staged)
	assert.Empty(t, f.queue.Pending())
}

func TestCommit_SameEventTwiceWritesOneEntry(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first, err := f.svc.Stage(ctx, observation("0xdup", 100))
	require.NoError(t, err)
	second, err := f.svc.Stage(ctx, observation("0xdup", 100))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	res, err := f.svc.Commit(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.CommitOutcomeCommitted, res.Outcome)

	res, err = f.svc.Commit(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.CommitOutcomeDuplicate, res.Outcome)

	entries, err := f.ledger.History(ctx, f.customerID, "USDT", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Amount.Equal(decimal.NewFromInt(100)))
}

func TestCommit_DuplicateAcrossStageRecords(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	staged, err := f.svc.Stage(ctx, observation("0xsame", 50))
	require.NoError(t, err)
	_, err = f.svc.Commit(ctx, staged.ID)
	require.NoError(t, err)

	// a later observer re-staging the hash gets the completed record back
	other, created, err := f.pending.Stage(ctx, &entities.PendingDeposit{
		CustomerID: f.customerID, WalletID: f.walletID, CurrencyCode: "USDT", ChainCode: "TRON",
		Amount: decimal.NewFromInt(50), TxHash: "0xsame", ToAddress: depositAddress,
	})
	require.NoError(t, err)
	require.False(t, created)
	assert.True(t, other.IsCompleted())

	res, err := f.svc.Commit(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.CommitOutcomeDuplicate, res.Outcome)

	count, err := f.ledger.CountActions(ctx, f.customerID, entities.ActionDeposit)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCommit_ViaQueueRedelivery(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.queue.OnTask(TaskCommit, func(ctx context.Context, payload []byte) error {
		var task entities.DepositCommitTask
		if err := queue.Decode(payload, &task); err != nil {
			return err
		}
		_, err := f.svc.Commit(ctx, task.StagedID)
		return err
	})

	_, err := f.svc.Stage(ctx, observation("0xq", 10))
	require.NoError(t, err)
	// the same event enqueued twice is delivered twice
	_, err = f.svc.Stage(ctx, observation("0xq", 10))
	require.NoError(t, err)

	assert.Equal(t, 2, f.queue.RunDue(ctx))
	assert.Empty(t, f.queue.Pending())

	balance, err := f.ledger.GetBalance(ctx, f.customerID, "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(10)))
}

func TestCommit_FeeCompensationOnlyForConfiguredPair(t *testing.T) {
	f := newFixture(t, Config{FeeCompensation: FeeCompensation{
		CurrencyCode: "TKN", ChainCode: "BSC", Rate: decimal.RequireFromString("0.99"),
	}})
	ctx := context.Background()

	obs := observation("0xtkn", 99)
	obs.CurrencyCode = "TKN"
	obs.ChainCode = "BSC"
	staged, err := f.svc.Stage(ctx, obs)
	require.NoError(t, err)
	res, err := f.svc.Commit(ctx, staged.ID)
	require.NoError(t, err)
	assert.True(t, res.Entry.Amount.Equal(decimal.NewFromInt(100)), "got %s", res.Entry.Amount)
	assert.True(t, res.Entry.AmountUSD.Equal(decimal.NewFromInt(200)))

	// the wallet's on-hold tracks the credited amount, not the observed one
	wallet, err := f.wallets.FindByAddress(ctx, "TKN", "BSC", depositAddress)
	require.NoError(t, err)
	assert.True(t, wallet.OnHold.Equal(decimal.NewFromInt(100)), "got %s", wallet.OnHold)

	staged, err = f.svc.Stage(ctx, observation("0xusdt", 99))
	require.NoError(t, err)
	res, err = f.svc.Commit(ctx, staged.ID)
	require.NoError(t, err)
	assert.True(t, res.Entry.Amount.Equal(decimal.NewFromInt(99)))
}

func TestCommit_FeeCompensationMatchesCodesIgnoringCase(t *testing.T) {
	f := newFixture(t, Config{FeeCompensation: FeeCompensation{
		CurrencyCode: "TKN", ChainCode: "BSC", Rate: DefaultCompensationRate,
	}})
	ctx := context.Background()

	obs := observation("0xtkn-lower", 198)
	obs.CurrencyCode = "tkn"
	obs.ChainCode = "bsc"
	staged, err := f.svc.Stage(ctx, obs)
	require.NoError(t, err)
	require.NotNil(t, staged)
	assert.Equal(t, "TKN", staged.CurrencyCode)
	res, err := f.svc.Commit(ctx, staged.ID)
	require.NoError(t, err)
	assert.True(t, res.Entry.Amount.Equal(decimal.NewFromInt(200)), "got %s", res.Entry.Amount)
	assert.Equal(t, "TKN", res.Entry.CurrencyCode)
}

func TestCommit_PendingEntryLeavesStageRetryable(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// an in-flight withdrawal on the same balance
	_, err := f.ledger.Append(ctx, entities.AppendRequest{
		CustomerID: f.customerID, CurrencyCode: "USDT", Action: entities.ActionDeposit,
		Amount: decimal.NewFromInt(20), TxHash: "0xseed", Status: entities.EntryStatusCompleted,
	})
	require.NoError(t, err)
	withdrawal, err := f.ledger.Append(ctx, entities.AppendRequest{
		CustomerID: f.customerID, CurrencyCode: "USDT", Action: entities.ActionWithdraw,
		Amount: decimal.NewFromInt(5), TxHash: "internal:w", Status: entities.EntryStatusCreated,
	})
	require.NoError(t, err)

	staged, err := f.svc.Stage(ctx, observation("0xblocked", 7))
	require.NoError(t, err)

	_, err = f.svc.Commit(ctx, staged.ID)
	require.Error(t, err)
	assert.True(t, domainerrors.IsConflict(err))
	assert.True(t, domainerrors.IsRetryable(err))

	rec, err := f.pending.GetByID(ctx, staged.ID)
	require.NoError(t, err)
	assert.False(t, rec.IsCompleted())
	assert.False(t, rec.Processing)
	require.NotNil(t, rec.LastError)

	_, err = f.ledger.Transition(ctx, transitionTo(withdrawal.ID, entities.EntryStatusCanceled))
	require.NoError(t, err)

	res, err := f.svc.Commit(ctx, staged.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.CommitOutcomeCommitted, res.Outcome)
}

func TestCommit_FirstDepositBonusAndOnHold(t *testing.T) {
	f := newFixture(t, Config{FirstDepositBonus: true})
	ctx := context.Background()

	for i, hash := range []string{"0xa", "0xb"} {
		staged, err := f.svc.Stage(ctx, observation(hash, int64(10*(i+1))))
		require.NoError(t, err)
		_, err = f.svc.Commit(ctx, staged.ID)
		require.NoError(t, err)
	}

	require.Len(t, f.bonuses.triggers, 1)
	trigger := f.bonuses.triggers[0]
	assert.Equal(t, entities.BonusTypeFirstDeposit, trigger.BonusType)
	assert.Equal(t, f.customerID, trigger.CustomerID)
	assert.True(t, trigger.BaseUSD.Equal(decimal.NewFromInt(10)))

	wallet, err := f.wallets.FindCustomerWallet(ctx, f.customerID, "USDT", "TRON")
	require.NoError(t, err)
	assert.True(t, wallet.OnHold.Equal(decimal.NewFromInt(30)))
}

func TestCommit_ClaimHeldByAnotherWorker(t *testing.T) {
	f := newFixture(t, Config{ClaimLease: time.Minute})
	ctx := context.Background()

	staged, err := f.svc.Stage(ctx, observation("0xclaimed", 5))
	require.NoError(t, err)
	ok, err := f.pending.Claim(ctx, staged.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Commit(ctx, staged.ID)
	require.Error(t, err)
	assert.Equal(t, CodeCommitInProgress, domainerrors.GetErrorCode(err))
}

func TestRequeueStale(t *testing.T) {
	f := newFixture(t, Config{CommitDelay: time.Hour})
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	f.pending.SetClock(func() time.Time { return past })
	_, err := f.svc.Stage(ctx, observation("0xold", 5))
	require.NoError(t, err)

	n, err := f.svc.RequeueStale(ctx, 10*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.queue.Pending(), 2)
}
