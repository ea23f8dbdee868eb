package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	"github.com/rail-service/ledger_engine/pkg/logger"
)

// WithdrawalOperations is the operator-facing slice of the withdrawal service
type WithdrawalOperations interface {
	Get(ctx context.Context, entryID uuid.UUID) (*entities.LedgerEntry, error)
	Approve(ctx context.Context, entryID uuid.UUID, operator string) (*entities.LedgerEntry, error)
	Cancel(ctx context.Context, entryID uuid.UUID, actor string) (*entities.LedgerEntry, error)
}

// WithdrawalHandlers exposes approval and cancellation to operators
type WithdrawalHandlers struct {
	withdrawals WithdrawalOperations
	logger      *logger.Logger
}

// NewWithdrawalHandlers creates a new WithdrawalHandlers instance
func NewWithdrawalHandlers(withdrawals WithdrawalOperations, logger *logger.Logger) *WithdrawalHandlers {
	return &WithdrawalHandlers{
		withdrawals: withdrawals,
		logger:      logger,
	}
}

// GetWithdrawal handles GET /ops/v1/withdrawals/:id
func (h *WithdrawalHandlers) GetWithdrawal(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	entry, err := h.withdrawals.Get(c.Request.Context(), id)
	if err != nil {
		RespondWithError(c, h.logger, err)
		return
	}
	respondSuccess(c, entry)
}

// ApproveWithdrawal handles POST /ops/v1/withdrawals/:id/approve
func (h *WithdrawalHandlers) ApproveWithdrawal(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	operator := getOperator(c)

	entry, err := h.withdrawals.Approve(c.Request.Context(), id, operator)
	if err != nil {
		RespondWithError(c, h.logger, err)
		return
	}

	h.logger.Info("Withdrawal approved",
		"entry_id", id,
		"operator", operator,
		"request_id", getRequestID(c))
	respondAccepted(c, entry)
}

// CancelWithdrawal handles POST /ops/v1/withdrawals/:id/cancel
func (h *WithdrawalHandlers) CancelWithdrawal(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	operator := getOperator(c)

	entry, err := h.withdrawals.Cancel(c.Request.Context(), id, "ops:"+operator)
	if err != nil {
		RespondWithError(c, h.logger, err)
		return
	}

	h.logger.Info("Withdrawal canceled",
		"entry_id", id,
		"operator", operator,
		"request_id", getRequestID(c))
	respondSuccess(c, entry)
}
