package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainrepo "github.com/rail-service/ledger_engine/internal/domain/repositories"
)

const commissionRuleColumns = `id, package_id, bonus_type, level, currency_code, commission_value, commission_kind, action`

// CommissionRuleRepository reads the commission tables
type CommissionRuleRepository struct {
	db *sqlx.DB
}

var _ domainrepo.CommissionRuleRepository = (*CommissionRuleRepository)(nil)

func NewCommissionRuleRepository(db *sqlx.DB) *CommissionRuleRepository {
	return &CommissionRuleRepository{db: db}
}

func (r *CommissionRuleRepository) ListByPackage(ctx context.Context, packageID uuid.UUID) ([]*entities.CommissionRule, error) {
	var rules []*entities.CommissionRule
	err := r.db.SelectContext(ctx, &rules,
		`SELECT `+commissionRuleColumns+` FROM commission_rules WHERE package_id = $1 ORDER BY level`,
		packageID)
	if err != nil {
		return nil, fmt.Errorf("list package rules: %w", err)
	}
	return rules, nil
}

func (r *CommissionRuleRepository) ListByBonusType(ctx context.Context, bonusType string) ([]*entities.CommissionRule, error) {
	var rules []*entities.CommissionRule
	err := r.db.SelectContext(ctx, &rules,
		`SELECT `+commissionRuleColumns+` FROM commission_rules WHERE bonus_type = $1 ORDER BY level`,
		bonusType)
	if err != nil {
		return nil, fmt.Errorf("list bonus rules: %w", err)
	}
	return rules, nil
}
