package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	domainrepo "github.com/rail-service/ledger_engine/internal/domain/repositories"
)

const pendingDepositColumns = `id, customer_id, wallet_id, currency_code, chain_code, amount, tx_hash,
	from_address, to_address, processing, attempts, last_error, completed_at, created_at, updated_at`

// PendingDepositRepository stages deposit observations
type PendingDepositRepository struct {
	db *sqlx.DB
}

var _ domainrepo.PendingDepositRepository = (*PendingDepositRepository)(nil)

// NewPendingDepositRepository creates a new pending deposit repository
func NewPendingDepositRepository(db *sqlx.DB) *PendingDepositRepository {
	return &PendingDepositRepository{db: db}
}

// Stage inserts the observation, or returns the row already staged for the
// same (tx_hash, currency_code)
func (r *PendingDepositRepository) Stage(ctx context.Context, deposit *entities.PendingDeposit) (*entities.PendingDeposit, bool, error) {
	if deposit.ID == uuid.Nil {
		deposit.ID = uuid.New()
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO pending_deposits (
			id, customer_id, wallet_id, currency_code, chain_code, amount, tx_hash,
			from_address, to_address, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (tx_hash, currency_code) DO NOTHING
		RETURNING ` + pendingDepositColumns

	var staged entities.PendingDeposit
	err := r.db.GetContext(ctx, &staged, query,
		deposit.ID,
		deposit.CustomerID,
		deposit.WalletID,
		deposit.CurrencyCode,
		deposit.ChainCode,
		deposit.Amount,
		deposit.TxHash,
		deposit.FromAddress,
		deposit.ToAddress,
		now,
	)
	if err == nil {
		return &staged, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("stage deposit: %w", err)
	}

	// conflict: someone staged it first
	err = r.db.GetContext(ctx, &staged,
		`SELECT `+pendingDepositColumns+` FROM pending_deposits WHERE tx_hash = $1 AND currency_code = $2`,
		deposit.TxHash, deposit.CurrencyCode)
	if err != nil {
		return nil, false, fmt.Errorf("load staged deposit: %w", err)
	}
	return &staged, false, nil
}

func (r *PendingDepositRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.PendingDeposit, error) {
	var d entities.PendingDeposit
	err := r.db.GetContext(ctx, &d, `SELECT `+pendingDepositColumns+` FROM pending_deposits WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.NotFoundError("PENDING_DEPOSIT")
		}
		return nil, fmt.Errorf("get pending deposit: %w", err)
	}
	return &d, nil
}

// Claim takes the processing lease. A lease older than lease is considered
// abandoned and may be taken over.
func (r *PendingDepositRepository) Claim(ctx context.Context, id uuid.UUID, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_deposits
		SET processing = TRUE, attempts = attempts + 1, updated_at = $2
		WHERE id = $1
			AND completed_at IS NULL
			AND (processing = FALSE OR updated_at <= $3)`,
		id, now, now.Add(-lease))
	if err != nil {
		return false, fmt.Errorf("claim pending deposit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM pending_deposits WHERE id = $1)`, id); err != nil {
		return false, fmt.Errorf("check pending deposit: %w", err)
	}
	if !exists {
		return false, domainerrors.NotFoundError("PENDING_DEPOSIT")
	}
	return false, nil
}

func (r *PendingDepositRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return r.update(ctx, `
		UPDATE pending_deposits
		SET processing = FALSE, completed_at = $2, last_error = NULL, updated_at = $2
		WHERE id = $1`, id, now)
}

func (r *PendingDepositRepository) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	return r.update(ctx, `
		UPDATE pending_deposits
		SET processing = FALSE, last_error = $2, updated_at = $3
		WHERE id = $1`, id, reason, time.Now().UTC())
}

func (r *PendingDepositRepository) update(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update pending deposit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domainerrors.NotFoundError("PENDING_DEPOSIT")
	}
	return nil
}

func (r *PendingDepositRepository) ListIncomplete(ctx context.Context, createdBefore time.Time, limit int) ([]*entities.PendingDeposit, error) {
	query := `SELECT ` + pendingDepositColumns + `
		FROM pending_deposits
		WHERE completed_at IS NULL AND created_at < $1
		ORDER BY created_at ASC`
	args := []interface{}{createdBefore}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var out []*entities.PendingDeposit
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list incomplete deposits: %w", err)
	}
	return out, nil
}
