package entities

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WithdrawalPaymentMethod tags ledger entries written by the withdrawal workflow
const WithdrawalPaymentMethod = "CRYPTO"

// InternalTxHashPrefix marks placeholder hashes used until settlement
const InternalTxHashPrefix = "internal:"

// WithdrawalRequest asks to move funds to an external address
type WithdrawalRequest struct {
	CustomerID   uuid.UUID       `json:"customer_id" validate:"required"`
	CurrencyCode string          `json:"currency_code" validate:"required"`
	ChainCode    string          `json:"chain_code" validate:"required"`
	Amount       decimal.Decimal `json:"amount"`
	ToAddress    string          `json:"to_address" validate:"required"`
}

// VerifyWithdrawalRequest carries both verification codes for a CREATED entry
type VerifyWithdrawalRequest struct {
	EntryID    uuid.UUID `json:"entry_id" validate:"required"`
	CustomerID uuid.UUID `json:"customer_id" validate:"required"`
	// TOTPCode is the current authenticator code or an unused backup code
	TOTPCode   string    `json:"totp_code" validate:"required,min=6,max=32,alphanum"`
	OOBCode    string    `json:"oob_code" validate:"required,len=6,numeric"`
}

// WithdrawalResult is returned by the request and verify transitions
type WithdrawalResult struct {
	Entry            *LedgerEntry `json:"entry"`
	NetworkFeeEntry  *LedgerEntry `json:"network_fee_entry,omitempty"`
	ApprovalRequired bool         `json:"approval_required"`
	SettlementQueued bool         `json:"settlement_queued"`
}

// SettlementTask is the queue payload handed to the settlement worker
type SettlementTask struct {
	EntryID uuid.UUID `json:"entry_id"`
}

// TransferRequest is what the settlement worker asks the chain client to send
type TransferRequest struct {
	Reference    string          `json:"reference"`
	CurrencyCode string          `json:"currency_code"`
	ChainCode    string          `json:"chain_code"`
	FromAddress  string          `json:"from_address"`
	ToAddress    string          `json:"to_address"`
	Amount       decimal.Decimal `json:"amount"`
}
