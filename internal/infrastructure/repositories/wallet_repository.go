package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	domainrepo "github.com/rail-service/ledger_engine/internal/domain/repositories"
)

const walletColumns = `id, customer_id, currency_code, chain_code, address, purpose, on_hold, created_at, updated_at`

// WalletRepository resolves on-chain addresses. Addresses are stored
// normalized, so lookups normalize their input the same way.
type WalletRepository struct {
	db *sqlx.DB
}

var _ domainrepo.WalletRegistry = (*WalletRepository)(nil)

// NewWalletRepository creates a new wallet repository
func NewWalletRepository(db *sqlx.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) FindByAddress(ctx context.Context, currencyCode, chainCode, address string) (*entities.Wallet, error) {
	var w entities.Wallet
	err := r.db.GetContext(ctx, &w, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE currency_code = $1 AND chain_code = $2 AND address = $3 AND purpose = 'DEPOSIT'`,
		currencyCode, chainCode, entities.NormalizeAddress(address))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find wallet by address: %w", err)
	}
	return &w, nil
}

func (r *WalletRepository) FindCustomerWallet(ctx context.Context, customerID uuid.UUID, currencyCode, chainCode string) (*entities.Wallet, error) {
	var w entities.Wallet
	err := r.db.GetContext(ctx, &w, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE customer_id = $1 AND currency_code = $2 AND chain_code = $3 AND purpose = 'DEPOSIT'
		ORDER BY created_at
		LIMIT 1`,
		customerID, currencyCode, chainCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.NotFoundError("WALLET")
		}
		return nil, fmt.Errorf("find customer wallet: %w", err)
	}
	return &w, nil
}

func (r *WalletRepository) FindFundingWallet(ctx context.Context, currencyCode, chainCode string) (*entities.Wallet, error) {
	var w entities.Wallet
	err := r.db.GetContext(ctx, &w, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE currency_code = $1 AND chain_code = $2 AND purpose = 'FUNDING'
		ORDER BY created_at
		LIMIT 1`,
		currencyCode, chainCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.NotFoundError("FUNDING_WALLET")
		}
		return nil, fmt.Errorf("find funding wallet: %w", err)
	}
	return &w, nil
}

func (r *WalletRepository) AdjustOnHold(ctx context.Context, walletID uuid.UUID, delta decimal.Decimal) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE wallets SET on_hold = on_hold + $2, updated_at = $3 WHERE id = $1`,
		walletID, delta, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("adjust on hold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domainerrors.NotFoundError("WALLET")
	}
	return nil
}
