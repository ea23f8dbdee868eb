package blockchain

import "github.com/shopspring/decimal"

// TransferStatus is the gateway's view of a submitted transfer
type TransferStatus string

const (
	TransferStatusSubmitted TransferStatus = "submitted"
	TransferStatusConfirmed TransferStatus = "confirmed"
	TransferStatusRejected  TransferStatus = "rejected"
)

type validateAddressRequest struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
}

type validateAddressResponse struct {
	Valid bool `json:"valid"`
}

type balanceResponse struct {
	Chain    string          `json:"chain"`
	Currency string          `json:"currency"`
	Address  string          `json:"address"`
	Amount   decimal.Decimal `json:"amount"`
}

type transferRequest struct {
	Reference string          `json:"reference"`
	Currency  string          `json:"currency"`
	Chain     string          `json:"chain"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
}

// TransferResult is returned once the gateway accepted a transfer
type TransferResult struct {
	Reference string         `json:"reference"`
	TxHash    string         `json:"tx_hash"`
	Status    TransferStatus `json:"status"`
	Reason    string         `json:"reason,omitempty"`
}

type feeTopUpRequest struct {
	Chain   string          `json:"chain"`
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}
