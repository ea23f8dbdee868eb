package repositories

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	domainrepo "github.com/rail-service/ledger_engine/internal/domain/repositories"
)

const (
	lockQuery    = `SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`
	latestQuery  = `WHERE customer_id = \$1 AND currency_code = \$2\s+ORDER BY sequence DESC`
	pendingQuery = `status IN \('CREATED', 'ACCEPTED'\)`
	insertQuery  = `INSERT INTO ledger_entries`
)

var entryColumns = []string{
	"id", "sequence", "customer_id", "currency_code", "chain_code", "action", "amount", "amount_usd", "fee",
	"balance_before", "balance_after", "payment_method", "external_tx_hash", "from_address", "to_address",
	"related_order_id", "status", "approval_required", "approved_by", "created_at", "updated_at",
}

func newMockLedger(t *testing.T) (*LedgerRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewLedgerRepository(sqlx.NewDb(db, "postgres"))
	repo.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return repo, mock
}

func entryRow(key entities.BalanceKey, seq int64, action entities.LedgerAction, status entities.EntryStatus, balanceAfter string) *sqlmock.Rows {
	now := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(entryColumns).AddRow(
		uuid.NewString(), seq, key.CustomerID.String(), key.CurrencyCode, nil, string(action), "10", "10", "0",
		"0", balanceAfter, "", "0xprev", "", "",
		nil, string(status), false, nil, now, now,
	)
}

// chainOnto appends a fixed signed delta to whatever the chain tail is
func chainOnto(key entities.BalanceKey, action entities.LedgerAction, amount string) domainrepo.EntryBuilder {
	return func(latest *entities.LedgerEntry) (*entities.LedgerEntry, error) {
		before := decimal.Zero
		if latest != nil {
			before = latest.BalanceAfter
		}
		amt := decimal.RequireFromString(amount)
		return &entities.LedgerEntry{
			CustomerID:     key.CustomerID,
			CurrencyCode:   key.CurrencyCode,
			Action:         action,
			Amount:         amt,
			BalanceBefore:  before,
			BalanceAfter:   before.Add(entities.SignedAmount(action, amt, decimal.Zero)),
			ExternalTxHash: "0xabc",
			Status:         entities.EntryStatusCompleted,
		}, nil
	}
}

func TestLedgerRepository_AppendChainsOntoLockedTail(t *testing.T) {
	repo, mock := newMockLedger(t)
	key := entities.BalanceKey{CustomerID: uuid.New(), CurrencyCode: "USDT"}

	mock.ExpectBegin()
	mock.ExpectExec(lockQuery).WithArgs(key.String()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(latestQuery).WithArgs(key.CustomerID.String(), "USDT").
		WillReturnRows(entryRow(key, 6, entities.ActionDeposit, entities.EntryStatusCompleted, "100"))
	mock.ExpectPrepare(insertQuery).ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(7))
	mock.ExpectCommit()

	entries, err := repo.AppendEntries(context.Background(), []domainrepo.AppendOp{
		{Key: key, Build: chainOnto(key, entities.ActionWithdraw, "10")},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].Sequence)
	assert.True(t, entries[0].BalanceBefore.Equal(decimal.NewFromInt(100)))
	assert.True(t, entries[0].BalanceAfter.Equal(decimal.NewFromInt(90)))
	assert.NotEqual(t, uuid.Nil, entries[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_DuplicateDepositHashMapsToDomainError(t *testing.T) {
	repo, mock := newMockLedger(t)
	key := entities.BalanceKey{CustomerID: uuid.New(), CurrencyCode: "USDT"}

	mock.ExpectBegin()
	mock.ExpectExec(lockQuery).WithArgs(key.String()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(latestQuery).WillReturnRows(sqlmock.NewRows(entryColumns))
	mock.ExpectPrepare(insertQuery).ExpectQuery().
		WillReturnError(&pq.Error{Code: pqUniqueViolation, Constraint: depositTxConstraint})
	mock.ExpectRollback()

	_, err := repo.AppendEntries(context.Background(), []domainrepo.AppendOp{
		{Key: key, Build: chainOnto(key, entities.ActionDeposit, "50")},
	})
	require.Error(t, err)
	assert.True(t, domainerrors.IsDuplicateEvent(err))
	assert.Equal(t, "DUPLICATE_EVENT", domainerrors.GetErrorCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_OtherUniqueViolationIsNotDuplicateEvent(t *testing.T) {
	repo, mock := newMockLedger(t)
	key := entities.BalanceKey{CustomerID: uuid.New(), CurrencyCode: "USDT"}

	mock.ExpectBegin()
	mock.ExpectExec(lockQuery).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(latestQuery).WillReturnRows(sqlmock.NewRows(entryColumns))
	mock.ExpectPrepare(insertQuery).ExpectQuery().
		WillReturnError(&pq.Error{Code: pqUniqueViolation, Constraint: "ledger_entries_pkey"})
	mock.ExpectRollback()

	_, err := repo.AppendEntries(context.Background(), []domainrepo.AppendOp{
		{Key: key, Build: chainOnto(key, entities.ActionDeposit, "50")},
	})
	require.Error(t, err)
	assert.False(t, domainerrors.IsDuplicateEvent(err))
	var pqErr *pq.Error
	assert.True(t, errors.As(err, &pqErr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_TransitionConflictRollsBack(t *testing.T) {
	repo, mock := newMockLedger(t)
	key := entities.BalanceKey{CustomerID: uuid.New(), CurrencyCode: "USDT"}
	entryID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT customer_id, currency_code FROM ledger_entries WHERE id = \$1`).
		WithArgs(entryID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"customer_id", "currency_code"}).AddRow(key.CustomerID.String(), "USDT"))
	mock.ExpectExec(lockQuery).WithArgs(key.String()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM ledger_entries WHERE id = \$1 FOR UPDATE`).
		WithArgs(entryID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("CANCELED"))
	mock.ExpectRollback()

	_, err := repo.Transition(context.Background(), domainrepo.StatusTransition{
		EntryID: entryID,
		From:    []entities.EntryStatus{entities.EntryStatusCreated},
		To:      entities.EntryStatusAccepted,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domainrepo.ErrStatusConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_TransitionUnknownEntry(t *testing.T) {
	repo, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT customer_id, currency_code FROM ledger_entries`).
		WillReturnRows(sqlmock.NewRows([]string{"customer_id", "currency_code"}))
	mock.ExpectRollback()

	_, err := repo.Transition(context.Background(), domainrepo.StatusTransition{
		EntryID: uuid.New(),
		From:    []entities.EntryStatus{entities.EntryStatusCreated},
		To:      entities.EntryStatusCanceled,
	})
	assert.True(t, domainerrors.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_LocksInSortedOrderAndGuardsInsideTx(t *testing.T) {
	repo, mock := newMockLedger(t)
	customer := uuid.New()
	usdt := entities.BalanceKey{CustomerID: customer, CurrencyCode: "USDT"}
	trx := entities.BalanceKey{CustomerID: customer, CurrencyCode: "TRX"}

	ordered := []string{usdt.String(), trx.String()}
	sort.Strings(ordered)

	mock.ExpectBegin()
	mock.ExpectExec(lockQuery).WithArgs(ordered[0]).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(lockQuery).WithArgs(ordered[1]).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(pendingQuery).WithArgs(customer.String(), "USDT").
		WillReturnRows(entryRow(usdt, 3, entities.ActionWithdraw, entities.EntryStatusCreated, "40"))
	mock.ExpectRollback()

	guard := func(ctx context.Context, chain domainrepo.ChainReader) error {
		pending, err := chain.FindPending(ctx, usdt)
		if err != nil {
			return err
		}
		if pending != nil {
			return domainerrors.PendingTransactionError(pending.ID.String())
		}
		return nil
	}

	_, err := repo.AppendEntries(context.Background(), []domainrepo.AppendOp{
		{Key: usdt, Build: chainOnto(usdt, entities.ActionWithdraw, "10"), Guard: guard},
		{Key: trx, Build: chainOnto(trx, entities.ActionNetworkFee, "1")},
	})
	require.Error(t, err)
	assert.Equal(t, domainerrors.CodePendingTransaction, domainerrors.GetErrorCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_DailyWithdrawUsageExclusion(t *testing.T) {
	repo, mock := newMockLedger(t)
	key := entities.BalanceKey{CustomerID: uuid.New(), CurrencyCode: "USDT"}
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	exclude := uuid.New()

	mock.ExpectQuery(`AND \(\$4::uuid IS NULL OR id <> \$4\)`).
		WithArgs(key.CustomerID.String(), "USDT", sqlmock.AnyArg(), nil).
		WillReturnRows(sqlmock.NewRows([]string{"amount_usd", "count"}).AddRow("150.5", 2))
	mock.ExpectQuery(`AND \(\$4::uuid IS NULL OR id <> \$4\)`).
		WithArgs(key.CustomerID.String(), "USDT", sqlmock.AnyArg(), exclude.String()).
		WillReturnRows(sqlmock.NewRows([]string{"amount_usd", "count"}).AddRow("50.5", 1))

	usage, err := repo.DailyWithdrawUsage(context.Background(), key, since, nil)
	require.NoError(t, err)
	assert.True(t, usage.AmountUSD.Equal(decimal.RequireFromString("150.5")))
	assert.Equal(t, 2, usage.Count)

	usage, err = repo.DailyWithdrawUsage(context.Background(), key, since, &exclude)
	require.NoError(t, err)
	assert.True(t, usage.AmountUSD.Equal(decimal.RequireFromString("50.5")))
	assert.Equal(t, 1, usage.Count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
