package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	domainrepo "github.com/rail-service/ledger_engine/internal/domain/repositories"
	"github.com/rail-service/ledger_engine/internal/infrastructure/database"
)

const (
	pqUniqueViolation   = "23505"
	depositTxConstraint = "ux_ledger_entries_deposit_tx"
)

const ledgerColumns = `id, sequence, customer_id, currency_code, chain_code, action, amount, amount_usd, fee,
	balance_before, balance_after, payment_method, external_tx_hash, from_address, to_address,
	related_order_id, status, approval_required, approved_by, created_at, updated_at`

// LedgerRepository stores balance chains in Postgres. Writers of one
// (customer, currency) chain are serialized with transaction-scoped advisory
// locks; the chain tail is read after the lock is held.
type LedgerRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ domainrepo.LedgerRepository = (*LedgerRepository)(nil)

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db, now: time.Now}
}

func (r *LedgerRepository) AppendEntries(ctx context.Context, ops []domainrepo.AppendOp, transitions ...domainrepo.StatusTransition) ([]*entities.LedgerEntry, error) {
	var appended []*entities.LedgerEntry
	err := database.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		appended, _, err = r.apply(ctx, tx, ops, transitions)
		return err
	})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

func (r *LedgerRepository) Transition(ctx context.Context, transitions ...domainrepo.StatusTransition) ([]*entities.LedgerEntry, error) {
	var updated []*entities.LedgerEntry
	err := database.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		_, updated, err = r.apply(ctx, tx, nil, transitions)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *LedgerRepository) apply(ctx context.Context, tx *sqlx.Tx, ops []domainrepo.AppendOp, transitions []domainrepo.StatusTransition) ([]*entities.LedgerEntry, []*entities.LedgerEntry, error) {
	keys := make(map[string]struct{}, len(ops)+len(transitions))
	for _, op := range ops {
		keys[op.Key.String()] = struct{}{}
	}
	for _, t := range transitions {
		var key struct {
			CustomerID   uuid.UUID `db:"customer_id"`
			CurrencyCode string    `db:"currency_code"`
		}
		err := tx.GetContext(ctx, &key, `SELECT customer_id, currency_code FROM ledger_entries WHERE id = $1`, t.EntryID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil, domainerrors.NotFoundError("LEDGER_ENTRY")
			}
			return nil, nil, fmt.Errorf("resolve transition key: %w", err)
		}
		keys[entities.BalanceKey{CustomerID: key.CustomerID, CurrencyCode: key.CurrencyCode}.String()] = struct{}{}
	}

	if err := lockKeys(ctx, tx, keys); err != nil {
		return nil, nil, err
	}

	reader := txChainReader{tx: tx}
	for _, op := range ops {
		if op.Guard == nil {
			continue
		}
		if err := op.Guard(ctx, reader); err != nil {
			return nil, nil, err
		}
	}

	updated := make([]*entities.LedgerEntry, 0, len(transitions))
	for _, t := range transitions {
		e, err := r.transition(ctx, tx, t)
		if err != nil {
			return nil, nil, err
		}
		updated = append(updated, e)
	}

	working := make(map[string]*entities.LedgerEntry, len(ops))
	loaded := make(map[string]bool, len(ops))
	appended := make([]*entities.LedgerEntry, 0, len(ops))
	now := r.now().UTC()
	for _, op := range ops {
		k := op.Key.String()
		if !loaded[k] {
			latest, err := latestIn(ctx, tx, op.Key)
			if err != nil {
				return nil, nil, err
			}
			working[k] = latest
			loaded[k] = true
		}

		e, err := op.Build(working[k])
		if err != nil {
			return nil, nil, err
		}
		if e.CustomerID != op.Key.CustomerID || e.CurrencyCode != op.Key.CurrencyCode {
			return nil, nil, fmt.Errorf("built entry does not belong to chain %s", k)
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.CreatedAt = now
		e.UpdatedAt = now
		if err := insertEntry(ctx, tx, e); err != nil {
			return nil, nil, err
		}
		working[k] = e
		appended = append(appended, e)
	}
	return appended, updated, nil
}

// lockKeys takes the advisory lock of every chain in sorted order so two
// batches touching the same chains cannot deadlock
func lockKeys(ctx context.Context, tx *sqlx.Tx, keys map[string]struct{}) error {
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)
	for _, k := range ordered {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, k); err != nil {
			return fmt.Errorf("lock balance chain %s: %w", k, err)
		}
	}
	return nil
}

func (r *LedgerRepository) transition(ctx context.Context, tx *sqlx.Tx, t domainrepo.StatusTransition) (*entities.LedgerEntry, error) {
	var current entities.EntryStatus
	if err := tx.GetContext(ctx, &current, `SELECT status FROM ledger_entries WHERE id = $1 FOR UPDATE`, t.EntryID); err != nil {
		return nil, fmt.Errorf("read entry status: %w", err)
	}
	if !t.Allows(current) {
		return nil, fmt.Errorf("%w: entry %s is %s", domainrepo.ErrStatusConflict, t.EntryID, current)
	}

	query := `
		UPDATE ledger_entries
		SET status = $2,
			external_tx_hash = COALESCE($3, external_tx_hash),
			approval_required = COALESCE($4, approval_required),
			approved_by = COALESCE($5, approved_by),
			updated_at = $6
		WHERE id = $1
		RETURNING ` + ledgerColumns

	var e entities.LedgerEntry
	err := tx.GetContext(ctx, &e, query,
		t.EntryID,
		t.To,
		t.Patch.TxHash,
		t.Patch.ApprovalRequired,
		t.Patch.ApprovedBy,
		r.now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("update entry status: %w", err)
	}
	return &e, nil
}

func latestIn(ctx context.Context, q sqlx.QueryerContext, key entities.BalanceKey) (*entities.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE customer_id = $1 AND currency_code = $2
		ORDER BY sequence DESC
		LIMIT 1`

	var e entities.LedgerEntry
	if err := sqlx.GetContext(ctx, q, &e, query, key.CustomerID, key.CurrencyCode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest entry: %w", err)
	}
	return &e, nil
}

func insertEntry(ctx context.Context, tx *sqlx.Tx, e *entities.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (
			id, customer_id, currency_code, chain_code, action, amount, amount_usd, fee,
			balance_before, balance_after, payment_method, external_tx_hash, from_address, to_address,
			related_order_id, status, approval_required, approved_by, created_at, updated_at
		) VALUES (
			:id, :customer_id, :currency_code, :chain_code, :action, :amount, :amount_usd, :fee,
			:balance_before, :balance_after, :payment_method, :external_tx_hash, :from_address, :to_address,
			:related_order_id, :status, :approval_required, :approved_by, :created_at, :updated_at
		)
		RETURNING sequence`

	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare insert entry: %w", err)
	}
	defer stmt.Close()

	if err := stmt.GetContext(ctx, &e.Sequence, e); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation && pqErr.Constraint == depositTxConstraint {
			return domainerrors.DuplicateEventError(e.ExternalTxHash, string(e.Action))
		}
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (r *LedgerRepository) Latest(ctx context.Context, key entities.BalanceKey) (*entities.LedgerEntry, error) {
	return latestIn(ctx, r.db, key)
}

func (r *LedgerRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.LedgerEntry, error) {
	var e entities.LedgerEntry
	err := r.db.GetContext(ctx, &e, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.NotFoundError("LEDGER_ENTRY")
		}
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return &e, nil
}

// txChainReader serves chain guards from inside the append transaction
type txChainReader struct {
	tx *sqlx.Tx
}

func (t txChainReader) FindPending(ctx context.Context, key entities.BalanceKey) (*entities.LedgerEntry, error) {
	return findPendingIn(ctx, t.tx, key)
}

func (t txChainReader) DailyWithdrawUsage(ctx context.Context, key entities.BalanceKey, since time.Time, excludeID *uuid.UUID) (entities.DailyUsage, error) {
	return dailyUsageIn(ctx, t.tx, key, since, excludeID)
}

func (r *LedgerRepository) FindPending(ctx context.Context, key entities.BalanceKey) (*entities.LedgerEntry, error) {
	return findPendingIn(ctx, r.db, key)
}

func findPendingIn(ctx context.Context, q sqlx.QueryerContext, key entities.BalanceKey) (*entities.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE customer_id = $1 AND currency_code = $2 AND status IN ('CREATED', 'ACCEPTED')
		ORDER BY sequence DESC
		LIMIT 1`

	var e entities.LedgerEntry
	if err := sqlx.GetContext(ctx, q, &e, query, key.CustomerID, key.CurrencyCode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find pending entry: %w", err)
	}
	return &e, nil
}

func (r *LedgerRepository) ExistsByTxHash(ctx context.Context, txHash string, action *entities.LedgerAction) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE external_tx_hash = $1 AND ($2::text IS NULL OR action = $2)
		)`, txHash, action)
	if err != nil {
		return false, fmt.Errorf("check tx hash: %w", err)
	}
	return exists, nil
}

func (r *LedgerRepository) ListByKey(ctx context.Context, key entities.BalanceKey, limit, offset int) ([]*entities.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE customer_id = $1 AND currency_code = $2
		ORDER BY sequence ASC
		OFFSET $3`
	args := []interface{}{key.CustomerID, key.CurrencyCode, offset}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	entries := []*entities.LedgerEntry{}
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}

func (r *LedgerRepository) ListByRelatedOrder(ctx context.Context, relatedOrderID string) ([]*entities.LedgerEntry, error) {
	var entries []*entities.LedgerEntry
	err := r.db.SelectContext(ctx, &entries,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE related_order_id = $1 ORDER BY sequence ASC`,
		relatedOrderID)
	if err != nil {
		return nil, fmt.Errorf("list related entries: %w", err)
	}
	return entries, nil
}

func (r *LedgerRepository) CountByAction(ctx context.Context, customerID uuid.UUID, action entities.LedgerAction) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM ledger_entries WHERE customer_id = $1 AND action = $2`,
		customerID, action)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (r *LedgerRepository) DailyWithdrawUsage(ctx context.Context, key entities.BalanceKey, since time.Time, excludeID *uuid.UUID) (entities.DailyUsage, error) {
	return dailyUsageIn(ctx, r.db, key, since, excludeID)
}

func dailyUsageIn(ctx context.Context, q sqlx.QueryerContext, key entities.BalanceKey, since time.Time, excludeID *uuid.UUID) (entities.DailyUsage, error) {
	query := `
		SELECT COALESCE(SUM(amount_usd), 0) AS amount_usd, COUNT(*) AS count
		FROM ledger_entries
		WHERE customer_id = $1
			AND currency_code = $2
			AND action = 'WITHDRAW'
			AND created_at >= $3
			AND status NOT IN ('FAIL', 'CANCELED')
			AND ($4::uuid IS NULL OR id <> $4)`

	var usage entities.DailyUsage
	if err := sqlx.GetContext(ctx, q, &usage, query, key.CustomerID, key.CurrencyCode, since, excludeID); err != nil {
		return entities.DailyUsage{}, fmt.Errorf("daily withdraw usage: %w", err)
	}
	return usage, nil
}

func (r *LedgerRepository) ListStale(ctx context.Context, action entities.LedgerAction, status entities.EntryStatus, createdBefore time.Time, limit int) ([]*entities.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE action = $1 AND status = $2 AND created_at < $3
		ORDER BY sequence ASC`
	args := []interface{}{action, status, createdBefore}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	var entries []*entities.LedgerEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("list stale entries: %w", err)
	}
	return entries, nil
}
