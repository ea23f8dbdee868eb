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

// CustomerRepository reads customers and maintains sponsor edges
type CustomerRepository struct {
	db *sqlx.DB
}

var _ domainrepo.CustomerDirectory = (*CustomerRepository)(nil)

// NewCustomerRepository creates a new customer repository
func NewCustomerRepository(db *sqlx.DB) *CustomerRepository {
	return &CustomerRepository{db: db}
}

func (r *CustomerRepository) GetCustomer(ctx context.Context, id uuid.UUID) (*entities.Customer, error) {
	var c entities.Customer
	err := r.db.GetContext(ctx, &c, `
		SELECT id, email, sponsor_id, commission_level, kyc_status, two_fa_enabled
		FROM customers
		WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.NotFoundError("CUSTOMER")
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

func (r *CustomerRepository) GetNode(ctx context.Context, id uuid.UUID) (*entities.SponsorNode, error) {
	var n entities.SponsorNode
	err := r.db.GetContext(ctx, &n, `
		SELECT id, sponsor_id, commission_level, kyc_status
		FROM customers
		WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.NotFoundError("CUSTOMER")
		}
		return nil, fmt.Errorf("get sponsor node: %w", err)
	}
	return &n, nil
}

func (r *CustomerRepository) SetSponsor(ctx context.Context, id uuid.UUID, sponsorID *uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE customers SET sponsor_id = $2, updated_at = $3 WHERE id = $1`,
		id, sponsorID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set sponsor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domainerrors.NotFoundError("CUSTOMER")
	}
	return nil
}

func (r *CustomerRepository) ListDirectReferrals(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, `SELECT id FROM customers WHERE sponsor_id = $1 ORDER BY created_at`, id); err != nil {
		return nil, fmt.Errorf("list direct referrals: %w", err)
	}
	return ids, nil
}
