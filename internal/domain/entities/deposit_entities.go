package entities

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DepositObservation is one raw sighting of an incoming on-chain transfer
type DepositObservation struct {
	CurrencyCode string          `json:"currency_code" validate:"required"`
	ChainCode    string          `json:"chain_code" validate:"required"`
	TxHash       string          `json:"tx_hash" validate:"required"`
	FromAddress  string          `json:"from_address"`
	ToAddress    string          `json:"to_address" validate:"required"`
	Amount       decimal.Decimal `json:"amount"`
	ObservedAt   time.Time       `json:"observed_at"`
}

// Validate checks the observation shape
func (o *DepositObservation) Validate() error {
	if o.TxHash == "" || o.ToAddress == "" || o.CurrencyCode == "" || o.ChainCode == "" {
		return fmt.Errorf("tx_hash, to_address, currency_code and chain_code are required")
	}
	if !o.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// PendingDeposit stages an observation until it is committed to the ledger
type PendingDeposit struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	CustomerID   uuid.UUID       `json:"customer_id" db:"customer_id"`
	WalletID     uuid.UUID       `json:"wallet_id" db:"wallet_id"`
	CurrencyCode string          `json:"currency_code" db:"currency_code"`
	ChainCode    string          `json:"chain_code" db:"chain_code"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	TxHash       string          `json:"tx_hash" db:"tx_hash"`
	FromAddress  string          `json:"from_address" db:"from_address"`
	ToAddress    string          `json:"to_address" db:"to_address"`
	Processing   bool            `json:"processing" db:"processing"`
	Attempts     int             `json:"attempts" db:"attempts"`
	LastError    *string         `json:"last_error,omitempty" db:"last_error"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// IsCompleted reports whether the stage record was already committed or deduplicated
func (p *PendingDeposit) IsCompleted() bool {
	return p.CompletedAt != nil
}

// CommitOutcome is the terminal state a commit attempt reached
type CommitOutcome string

const (
	CommitOutcomeCommitted CommitOutcome = "COMMITTED"
	CommitOutcomeDuplicate CommitOutcome = "DUPLICATE"
)

// CommitResult reports what a deposit commit did
type CommitResult struct {
	Outcome CommitOutcome `json:"outcome"`
	Entry   *LedgerEntry  `json:"entry,omitempty"`
}

// DepositCommitTask is the queue payload for a staged deposit
type DepositCommitTask struct {
	StagedID uuid.UUID `json:"staged_id"`
}
