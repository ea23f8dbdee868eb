package entities

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WalletPurpose distinguishes customer deposit wallets from platform payout wallets
type WalletPurpose string

const (
	WalletPurposeDeposit WalletPurpose = "DEPOSIT"
	WalletPurposeFunding WalletPurpose = "FUNDING"
)

// Wallet is an on-chain address known to the wallet registry
type Wallet struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	CustomerID   *uuid.UUID      `json:"customer_id,omitempty" db:"customer_id"`
	CurrencyCode string          `json:"currency_code" db:"currency_code"`
	ChainCode    string          `json:"chain_code" db:"chain_code"`
	Address      string          `json:"address" db:"address"`
	Purpose      WalletPurpose   `json:"purpose" db:"purpose"`
	OnHold       decimal.Decimal `json:"on_hold" db:"on_hold"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// NormalizeAddress canonicalizes an address for comparisons. Hex addresses are
// case-insensitive, everything else is compared verbatim.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		return strings.ToLower(address)
	}
	return address
}

// SameAddress compares two addresses after normalization
func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}
