package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	"github.com/rail-service/ledger_engine/pkg/logger"
)

// CommissionResender repeats a fan-out on operator request
type CommissionResender interface {
	ResendInvestment(ctx context.Context, trigger entities.InvestmentTrigger, operator string) (*entities.FanOutReport, error)
	ResendBonus(ctx context.Context, trigger entities.BonusTrigger, operator string) (*entities.FanOutReport, error)
}

// CommissionHandlers exposes the resend actions. A resend is not
// deduplicated against the original run.
type CommissionHandlers struct {
	commissions CommissionResender
	validator   *validator.Validate
	logger      *logger.Logger
}

func NewCommissionHandlers(commissions CommissionResender, logger *logger.Logger) *CommissionHandlers {
	return &CommissionHandlers{
		commissions: commissions,
		validator:   validator.New(),
		logger:      logger,
	}
}

// ResendInvestment handles POST /ops/v1/commissions/investments/resend
func (h *CommissionHandlers) ResendInvestment(c *gin.Context) {
	var req entities.InvestmentTrigger
	if err := c.ShouldBindJSON(&req); err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, MsgInvalidRequest)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		SendValidationError(c, err)
		return
	}
	if !req.AmountUSD.IsPositive() {
		SendBadRequest(c, ErrCodeValidationError, "amount_usd must be positive")
		return
	}

	report, err := h.commissions.ResendInvestment(c.Request.Context(), req, getOperator(c))
	if err != nil && report == nil {
		RespondWithError(c, h.logger, err)
		return
	}
	if err != nil {
		// some credits were written; resending would repeat them
		h.logger.Warn("Commission resend partially failed", "error", err)
	}
	respondSuccess(c, report)
}

// ResendBonus handles POST /ops/v1/commissions/bonuses/resend
func (h *CommissionHandlers) ResendBonus(c *gin.Context) {
	var req entities.BonusTrigger
	if err := c.ShouldBindJSON(&req); err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, MsgInvalidRequest)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		SendValidationError(c, err)
		return
	}
	if req.BaseUSD.IsNegative() {
		SendBadRequest(c, ErrCodeValidationError, "base_usd must not be negative")
		return
	}

	report, err := h.commissions.ResendBonus(c.Request.Context(), req, getOperator(c))
	if err != nil && report == nil {
		RespondWithError(c, h.logger, err)
		return
	}
	if err != nil {
		// some credits were written; resending would repeat them
		h.logger.Warn("Commission resend partially failed", "error", err)
	}
	respondSuccess(c, report)
}
