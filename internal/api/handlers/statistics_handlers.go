package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	"github.com/rail-service/ledger_engine/pkg/logger"
)

// StatisticsOperations reads rollups and moves customers between sponsors
type StatisticsOperations interface {
	GetPeriod(ctx context.Context, customerID uuid.UUID, month, year int) (*entities.StatisticPeriod, error)
	ListPeriods(ctx context.Context, customerID uuid.UUID) ([]*entities.StatisticPeriod, error)
	Reparent(ctx context.Context, customerID uuid.UUID, newSponsorID *uuid.UUID) error
}

type StatisticsHandlers struct {
	statistics StatisticsOperations
	logger     *logger.Logger
}

func NewStatisticsHandlers(statistics StatisticsOperations, logger *logger.Logger) *StatisticsHandlers {
	return &StatisticsHandlers{statistics: statistics, logger: logger}
}

// ReparentRequest moves a customer under a new sponsor; a null sponsor detaches it
type ReparentRequest struct {
	SponsorID *uuid.UUID `json:"sponsor_id"`
}

// GetPeriod handles GET /ops/v1/customers/:id/statistics?month=&year=
func (h *StatisticsHandlers) GetPeriod(c *gin.Context) {
	customerID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	month, year := parsePeriod(c)

	period, err := h.statistics.GetPeriod(c.Request.Context(), customerID, month, year)
	if err != nil {
		RespondWithError(c, h.logger, err)
		return
	}
	respondSuccess(c, period)
}

// ListPeriods handles GET /ops/v1/customers/:id/statistics/periods
func (h *StatisticsHandlers) ListPeriods(c *gin.Context) {
	customerID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	periods, err := h.statistics.ListPeriods(c.Request.Context(), customerID)
	if err != nil {
		RespondWithError(c, h.logger, err)
		return
	}
	if periods == nil {
		periods = []*entities.StatisticPeriod{}
	}
	respondSuccess(c, gin.H{"periods": periods})
}

// Reparent handles POST /ops/v1/customers/:id/sponsor
func (h *StatisticsHandlers) Reparent(c *gin.Context) {
	customerID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req ReparentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, MsgInvalidRequest)
		return
	}

	if err := h.statistics.Reparent(c.Request.Context(), customerID, req.SponsorID); err != nil {
		RespondWithError(c, h.logger, err)
		return
	}

	h.logger.Info("Customer reparented",
		"customer_id", customerID,
		"sponsor_id", req.SponsorID,
		"operator", getOperator(c))
	respondNoContent(c)
}
