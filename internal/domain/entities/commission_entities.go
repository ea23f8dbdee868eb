package entities

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CommissionKind selects how a rule's value is applied to the base amount
type CommissionKind string

const (
	CommissionKindPercent CommissionKind = "PERCENT"
	CommissionKindFixed   CommissionKind = "FIXED"
)

// CommissionRule is immutable reference data for one commission table row
type CommissionRule struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	PackageID    *uuid.UUID      `json:"package_id,omitempty" db:"package_id"`
	BonusType    *string         `json:"bonus_type,omitempty" db:"bonus_type"`
	Level        int             `json:"level" db:"level"`
	CurrencyCode string          `json:"currency_code" db:"currency_code"`
	Value        decimal.Decimal `json:"value" db:"commission_value"`
	Kind         CommissionKind  `json:"kind" db:"commission_kind"`
	Action       LedgerAction    `json:"action" db:"action"`
}

// AmountUSD computes the commission in USD for the given base
func (r *CommissionRule) AmountUSD(baseUSD decimal.Decimal) (decimal.Decimal, error) {
	switch r.Kind {
	case CommissionKindPercent:
		return baseUSD.Mul(r.Value).Div(decimal.NewFromInt(100)), nil
	case CommissionKindFixed:
		return r.Value, nil
	default:
		return decimal.Zero, fmt.Errorf("unknown commission kind %q on rule %s", r.Kind, r.ID)
	}
}

// CreditAction is the ledger action written for this rule
func (r *CommissionRule) CreditAction() LedgerAction {
	if r.Action == "" {
		return ActionCommission
	}
	return r.Action
}

// rewardActions are the credits a commission or bonus rule may write
var rewardActions = map[LedgerAction]bool{
	ActionCommission:        true,
	ActionDividend:          true,
	ActionInterest:          true,
	ActionBonusFirstDeposit: true,
	ActionBonusSystem:       true,
	ActionBonusSelf:         true,
}

// ValidateAction rejects rules that would write a debit or a non-reward credit
func (r *CommissionRule) ValidateAction() error {
	if a := r.CreditAction(); !rewardActions[a] {
		return fmt.Errorf("rule %s writes %s, which is not a reward credit", r.ID, a)
	}
	return nil
}

// IsSelfRule reports whether the rule credits the originating customer
func (r *CommissionRule) IsSelfRule() bool {
	return r.Level == 0
}

// Named system bonus types
const (
	BonusTypeFirstDeposit = "FIRST_DEPOSIT"
	BonusTypeSystem       = "SYSTEM"
)

// InvestmentTrigger starts a package commission fan-out
type InvestmentTrigger struct {
	InvestmentID uuid.UUID       `json:"investment_id" validate:"required"`
	CustomerID   uuid.UUID       `json:"customer_id" validate:"required"`
	PackageID    uuid.UUID       `json:"package_id" validate:"required"`
	AmountUSD    decimal.Decimal `json:"amount_usd"`
	// Activation marks the customer's first investment
	Activation bool `json:"activation"`
}

// BonusTrigger starts a system bonus fan-out
type BonusTrigger struct {
	BonusType   string          `json:"bonus_type" validate:"required"`
	CustomerID  uuid.UUID       `json:"customer_id" validate:"required"`
	BaseUSD     decimal.Decimal `json:"base_usd"`
	ReferenceID string          `json:"reference_id" validate:"required"`
}

// CommissionCredit records one credit written (or skipped) by a fan-out
type CommissionCredit struct {
	RuleID      uuid.UUID       `json:"rule_id"`
	Level       int             `json:"level"`
	RecipientID uuid.UUID       `json:"recipient_id"`
	AmountUSD   decimal.Decimal `json:"amount_usd"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	EntryID     *uuid.UUID      `json:"entry_id,omitempty"`
	SkipReason  string          `json:"skip_reason,omitempty"`
}

// FanOutReport summarizes a fan-out run
type FanOutReport struct {
	Reference string             `json:"reference"`
	Credits   []CommissionCredit `json:"credits"`
}

// Written returns the credits that produced ledger entries
func (r *FanOutReport) Written() []CommissionCredit {
	var out []CommissionCredit
	for _, c := range r.Credits {
		if c.EntryID != nil {
			out = append(out, c)
		}
	}
	return out
}
