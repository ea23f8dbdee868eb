package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
)

const exchangePaymentMethod = "EXCHANGE"

var hundred = decimal.NewFromInt(100)

// ExchangeRequest converts part of one balance into another currency
type ExchangeRequest struct {
	CustomerID   uuid.UUID       `json:"customer_id" validate:"required"`
	FromCurrency string          `json:"from_currency" validate:"required"`
	ToCurrency   string          `json:"to_currency" validate:"required,nefield=FromCurrency"`
	Amount       decimal.Decimal `json:"amount"`
}

// ExchangeResult holds both legs of a completed exchange
type ExchangeResult struct {
	ExchangeID string               `json:"exchange_id"`
	Out        *entities.LedgerEntry `json:"out"`
	In         *entities.LedgerEntry `json:"in"`
}

// Exchange debits Amount plus the swap fee from the source balance and credits
// the converted Amount to the target balance in one atomic batch.
func (s *Service) Exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	if !req.Amount.IsPositive() {
		return nil, domainerrors.ValidationError("amount", "must be positive")
	}
	if req.FromCurrency == req.ToCurrency {
		return nil, domainerrors.ValidationError("to_currency", "must differ from from_currency")
	}

	from, err := s.currencies.FindByCode(ctx, req.FromCurrency)
	if err != nil {
		return nil, fmt.Errorf("load source currency: %w", err)
	}
	to, err := s.currencies.FindByCode(ctx, req.ToCurrency)
	if err != nil {
		return nil, fmt.Errorf("load target currency: %w", err)
	}
	if !from.Active || !to.Active {
		return nil, domainerrors.RuleViolation(domainerrors.CodeCurrencyInactive, "currency is not active")
	}
	if !from.CanSwapTo(to.Code) {
		return nil, domainerrors.RuleViolation(domainerrors.CodeSwapDisabled,
			fmt.Sprintf("exchange from %s to %s is not enabled", from.Code, to.Code))
	}
	if to.USDRate.IsZero() {
		return nil, domainerrors.RuleViolation(domainerrors.CodeSwapDisabled, "target currency has no usd rate")
	}

	fee := req.Amount.Mul(from.SwapFee).Div(hundred)
	usd := from.ToUSD(req.Amount)
	received := to.FromUSD(usd)
	if !received.IsPositive() {
		return nil, domainerrors.ValidationError("amount", "converted amount is zero")
	}

	exchangeID := uuid.New().String()
	ref := exchangeID
	entries, err := s.AppendBatch(ctx, []entities.AppendRequest{
		{
			CustomerID:     req.CustomerID,
			CurrencyCode:   from.Code,
			Action:         entities.ActionExchangeOut,
			Amount:         req.Amount,
			AmountUSD:      usd,
			Fee:            fee,
			PaymentMethod:  exchangePaymentMethod,
			TxHash:         "exchange:" + exchangeID + ":out",
			Status:         entities.EntryStatusCompleted,
			RelatedOrderID: &ref,
		},
		{
			CustomerID:     req.CustomerID,
			CurrencyCode:   to.Code,
			Action:         entities.ActionExchangeIn,
			Amount:         received,
			AmountUSD:      usd,
			PaymentMethod:  exchangePaymentMethod,
			TxHash:         "exchange:" + exchangeID + ":in",
			Status:         entities.EntryStatusCompleted,
			RelatedOrderID: &ref,
		},
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Exchange completed",
		"exchange_id", exchangeID,
		"customer_id", req.CustomerID,
		"from", from.Code,
		"to", to.Code,
		"amount", req.Amount.String(),
		"received", received.String())

	return &ExchangeResult{ExchangeID: exchangeID, Out: entries[0], In: entries[1]}, nil
}
