package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	"github.com/rail-service/ledger_engine/pkg/logger"
)

// DepositStager accepts chain observations into the commit pipeline
type DepositStager interface {
	Stage(ctx context.Context, obs entities.DepositObservation) (*entities.PendingDeposit, error)
}

// DepositHandlers receives transfer notifications from the chain watcher
type DepositHandlers struct {
	deposits  DepositStager
	validator *validator.Validate
	logger    *logger.Logger
}

func NewDepositHandlers(deposits DepositStager, logger *logger.Logger) *DepositHandlers {
	return &DepositHandlers{
		deposits:  deposits,
		validator: validator.New(),
		logger:    logger,
	}
}

// ObserveDeposit handles POST /ops/v1/deposits/observations.
// Transfers to unknown addresses are acknowledged and dropped.
func (h *DepositHandlers) ObserveDeposit(c *gin.Context) {
	var obs entities.DepositObservation
	if err := c.ShouldBindJSON(&obs); err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, MsgInvalidRequest)
		return
	}
	if err := h.validator.Struct(obs); err != nil {
		SendValidationError(c, err)
		return
	}
	if !obs.Amount.IsPositive() {
		SendBadRequest(c, ErrCodeValidationError, "amount must be positive")
		return
	}

	staged, err := h.deposits.Stage(c.Request.Context(), obs)
	if err != nil {
		RespondWithError(c, h.logger, err)
		return
	}
	if staged == nil {
		respondAccepted(c, gin.H{"status": "ignored"})
		return
	}
	respondAccepted(c, gin.H{"status": "staged", "stage_id": staged.ID})
}
