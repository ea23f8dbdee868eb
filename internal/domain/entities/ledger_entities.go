package entities

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerAction identifies the balance-affecting event an entry records
type LedgerAction string

const (
	ActionDeposit           LedgerAction = "DEPOSIT"
	ActionWithdraw          LedgerAction = "WITHDRAW"
	ActionFee               LedgerAction = "FEE"
	ActionExchangeIn        LedgerAction = "EXCHANGE_IN"
	ActionExchangeOut       LedgerAction = "EXCHANGE_OUT"
	ActionCommission        LedgerAction = "COMMISSION"
	ActionDividend          LedgerAction = "DIVIDEND"
	ActionInterest          LedgerAction = "INTEREST"
	ActionBonusFirstDeposit LedgerAction = "BONUS_FIRST_DEPOSIT"
	ActionBonusSystem       LedgerAction = "BONUS_SYSTEM"
	ActionBonusSelf         LedgerAction = "BONUS_SELF"
	ActionNetworkFee        LedgerAction = "NETWORK_FEE"
	ActionRefund            LedgerAction = "REFUND"
)

// IsDebit reports whether the action reduces the balance
func (a LedgerAction) IsDebit() bool {
	switch a {
	case ActionWithdraw, ActionExchangeOut, ActionNetworkFee:
		return true
	default:
		return false
	}
}

// Validate checks the action is known
func (a LedgerAction) Validate() error {
	switch a {
	case ActionDeposit, ActionWithdraw, ActionFee, ActionExchangeIn, ActionExchangeOut,
		ActionCommission, ActionDividend, ActionInterest, ActionBonusFirstDeposit,
		ActionBonusSystem, ActionBonusSelf, ActionNetworkFee, ActionRefund:
		return nil
	default:
		return fmt.Errorf("invalid ledger action: %s", a)
	}
}

// EntryStatus is the lifecycle state of a ledger entry
type EntryStatus string

const (
	EntryStatusCreated   EntryStatus = "CREATED"
	EntryStatusAccepted  EntryStatus = "ACCEPTED"
	EntryStatusCompleted EntryStatus = "COMPLETED"
	EntryStatusFail      EntryStatus = "FAIL"
	EntryStatusCanceled  EntryStatus = "CANCELED"
)

// TerminalStatuses are the states an entry never leaves
var TerminalStatuses = []EntryStatus{EntryStatusCompleted, EntryStatusFail, EntryStatusCanceled}

// IsTerminal reports whether the status is final
func (s EntryStatus) IsTerminal() bool {
	return s == EntryStatusCompleted || s == EntryStatusFail || s == EntryStatusCanceled
}

// Validate checks the status is known
func (s EntryStatus) Validate() error {
	switch s {
	case EntryStatusCreated, EntryStatusAccepted, EntryStatusCompleted, EntryStatusFail, EntryStatusCanceled:
		return nil
	default:
		return fmt.Errorf("invalid entry status: %s", s)
	}
}

// LedgerEntry is one immutable balance-affecting record for a (customer, currency)
type LedgerEntry struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	Sequence         int64           `json:"sequence" db:"sequence"`
	CustomerID       uuid.UUID       `json:"customer_id" db:"customer_id"`
	CurrencyCode     string          `json:"currency_code" db:"currency_code"`
	ChainCode        *string         `json:"chain_code,omitempty" db:"chain_code"`
	Action           LedgerAction    `json:"action" db:"action"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	AmountUSD        decimal.Decimal `json:"amount_usd" db:"amount_usd"`
	Fee              decimal.Decimal `json:"fee" db:"fee"`
	BalanceBefore    decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter     decimal.Decimal `json:"balance_after" db:"balance_after"`
	PaymentMethod    string          `json:"payment_method" db:"payment_method"`
	ExternalTxHash   string          `json:"external_tx_hash" db:"external_tx_hash"`
	FromAddress      string          `json:"from_address,omitempty" db:"from_address"`
	ToAddress        string          `json:"to_address,omitempty" db:"to_address"`
	RelatedOrderID   *string         `json:"related_order_id,omitempty" db:"related_order_id"`
	Status           EntryStatus     `json:"status" db:"status"`
	ApprovalRequired bool            `json:"approval_required" db:"approval_required"`
	ApprovedBy       *string         `json:"approved_by,omitempty" db:"approved_by"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// SignedAmount is the balance delta this entry applies
func (e *LedgerEntry) SignedAmount() decimal.Decimal {
	return SignedAmount(e.Action, e.Amount, e.Fee)
}

// IsPending reports whether the entry is still in flight
func (e *LedgerEntry) IsPending() bool {
	return !e.Status.IsTerminal()
}

// Chain returns the chain code or an empty string
func (e *LedgerEntry) Chain() string {
	if e.ChainCode == nil {
		return ""
	}
	return *e.ChainCode
}

// SignedAmount computes the delta for an action: debits remove amount plus
// fee, credits add amount net of fee.
func SignedAmount(action LedgerAction, amount, fee decimal.Decimal) decimal.Decimal {
	if action.IsDebit() {
		return amount.Add(fee).Neg()
	}
	return amount.Sub(fee)
}

// AppendRequest describes one entry to append. EntryID may be preset when a
// caller needs to reference the entry from others in the same batch.
type AppendRequest struct {
	EntryID        uuid.UUID       `json:"entry_id,omitempty"`
	CustomerID     uuid.UUID       `json:"customer_id" validate:"required"`
	CurrencyCode   string          `json:"currency_code" validate:"required"`
	ChainCode      *string         `json:"chain_code,omitempty"`
	Action         LedgerAction    `json:"action" validate:"required,oneof=DEPOSIT WITHDRAW FEE EXCHANGE_IN EXCHANGE_OUT COMMISSION DIVIDEND INTEREST BONUS_FIRST_DEPOSIT BONUS_SYSTEM BONUS_SELF NETWORK_FEE REFUND"`
	Amount         decimal.Decimal `json:"amount" validate:"gt=0"`
	AmountUSD      decimal.Decimal `json:"amount_usd" validate:"gte=0"`
	Fee            decimal.Decimal `json:"fee" validate:"gte=0"`
	PaymentMethod  string          `json:"payment_method"`
	TxHash         string          `json:"tx_hash" validate:"required"`
	Status         EntryStatus     `json:"status" validate:"required,oneof=CREATED ACCEPTED COMPLETED FAIL CANCELED"`
	RelatedOrderID *string         `json:"related_order_id,omitempty"`
	FromAddress    string          `json:"from_address,omitempty"`
	ToAddress      string          `json:"to_address,omitempty"`
}

// Validate checks the tagged request shape, then the rules that span fields
func (r *AppendRequest) Validate() error {
	if err := structValidator.Struct(r); err != nil {
		return err
	}
	if !r.Action.IsDebit() && r.Fee.GreaterThan(r.Amount) {
		return fmt.Errorf("fee %s exceeds credited amount %s", r.Fee, r.Amount)
	}
	if r.Action != ActionWithdraw && (r.Status == EntryStatusCreated || r.Status == EntryStatusAccepted) {
		return fmt.Errorf("only %s entries may start in %s", ActionWithdraw, r.Status)
	}
	return nil
}

// BalanceKey identifies one balance chain
type BalanceKey struct {
	CustomerID   uuid.UUID
	CurrencyCode string
}

func (k BalanceKey) String() string {
	return k.CustomerID.String() + ":" + k.CurrencyCode
}

// ChainViolation describes the first break found while replaying a balance chain
type ChainViolation struct {
	EntryID  uuid.UUID       `json:"entry_id"`
	Index    int             `json:"index"`
	Expected decimal.Decimal `json:"expected"`
	Actual   decimal.Decimal `json:"actual"`
	Field    string          `json:"field"`
}

func (v *ChainViolation) Error() string {
	return fmt.Sprintf("balance chain broken at entry %s (index %d): %s expected %s, got %s",
		v.EntryID, v.Index, v.Field, v.Expected, v.Actual)
}

// VerifyBalanceChain replays entries in creation order and returns the first
// violation, or nil when every link holds.
func VerifyBalanceChain(entries []*LedgerEntry) *ChainViolation {
	prev := decimal.Zero
	for i, e := range entries {
		if !e.BalanceBefore.Equal(prev) {
			return &ChainViolation{EntryID: e.ID, Index: i, Field: "balance_before", Expected: prev, Actual: e.BalanceBefore}
		}
		want := e.BalanceBefore.Add(e.SignedAmount())
		if !e.BalanceAfter.Equal(want) {
			return &ChainViolation{EntryID: e.ID, Index: i, Field: "balance_after", Expected: want, Actual: e.BalanceAfter}
		}
		prev = e.BalanceAfter
	}
	return nil
}
