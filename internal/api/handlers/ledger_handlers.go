package handlers

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	"github.com/rail-service/ledger_engine/pkg/logger"
)

// LedgerReader is the read side of the balance ledger
type LedgerReader interface {
	GetBalance(ctx context.Context, customerID uuid.UUID, currency string) (decimal.Decimal, error)
	History(ctx context.Context, customerID uuid.UUID, currency string, limit, offset int) ([]*entities.LedgerEntry, error)
	VerifyChain(ctx context.Context, customerID uuid.UUID, currency string) (*entities.ChainViolation, error)
}

type LedgerHandlers struct {
	ledger LedgerReader
	logger *logger.Logger
}

func NewLedgerHandlers(ledger LedgerReader, logger *logger.Logger) *LedgerHandlers {
	return &LedgerHandlers{ledger: ledger, logger: logger}
}

// BalanceResponse is the current balance of one (customer, currency) key
type BalanceResponse struct {
	CustomerID uuid.UUID       `json:"customer_id"`
	Currency   string          `json:"currency"`
	Balance    decimal.Decimal `json:"balance"`
}

// ChainVerification reports the outcome of a balance chain replay
type ChainVerification struct {
	CustomerID uuid.UUID                `json:"customer_id"`
	Currency   string                   `json:"currency"`
	Valid      bool                     `json:"valid"`
	Violation  *entities.ChainViolation `json:"violation,omitempty"`
}

// GetBalance handles GET /ops/v1/customers/:id/balances/:currency
func (h *LedgerHandlers) GetBalance(c *gin.Context) {
	customerID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	currency := strings.ToUpper(c.Param("currency"))

	balance, err := h.ledger.GetBalance(c.Request.Context(), customerID, currency)
	if err != nil {
		RespondWithError(c, h.logger, err)
		return
	}
	respondSuccess(c, BalanceResponse{CustomerID: customerID, Currency: currency, Balance: balance})
}

// ListEntries handles GET /ops/v1/customers/:id/balances/:currency/entries
func (h *LedgerHandlers) ListEntries(c *gin.Context) {
	customerID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	currency := strings.ToUpper(c.Param("currency"))
	limit, offset := pagination(c)

	entries, err := h.ledger.History(c.Request.Context(), customerID, currency, limit, offset)
	if err != nil {
		RespondWithError(c, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*entities.LedgerEntry{}
	}
	respondSuccess(c, gin.H{
		"entries": entries,
		"limit":   limit,
		"offset":  offset,
	})
}

// VerifyChain handles POST /ops/v1/customers/:id/balances/:currency/verify
func (h *LedgerHandlers) VerifyChain(c *gin.Context) {
	customerID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	currency := strings.ToUpper(c.Param("currency"))

	violation, err := h.ledger.VerifyChain(c.Request.Context(), customerID, currency)
	if err != nil {
		RespondWithError(c, h.logger, err)
		return
	}
	respondSuccess(c, ChainVerification{
		CustomerID: customerID,
		Currency:   currency,
		Valid:      violation == nil,
		Violation:  violation,
	})
}
