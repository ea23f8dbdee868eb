package blockchain

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
)

// ChainClient defines the operations the engine needs from the signing gateway
type ChainClient interface {
	// ValidateAddress checks the address format for the chain
	ValidateAddress(ctx context.Context, chain, address string) (bool, error)

	// Balance reads the on-chain balance of an address
	Balance(ctx context.Context, chain, currency, address string) (decimal.Decimal, error)

	// Transfer submits a signed transfer. The gateway deduplicates on Reference.
	Transfer(ctx context.Context, req entities.TransferRequest) (*TransferResult, error)

	// TopUpFee sends native token to an address so it can pay network fees
	TopUpFee(ctx context.Context, chain, address string, amount decimal.Decimal) (string, error)
}

// Ensure Client implements ChainClient interface
var _ ChainClient = (*Client)(nil)
