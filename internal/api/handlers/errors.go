package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/pkg/logger"
)

// Error codes owned by the HTTP layer. Domain failures keep their own codes.
const (
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeInvalidID          = "INVALID_ID"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

const (
	MsgInvalidRequest = "Invalid request payload"
	MsgUnauthorized   = "Authentication required"
	MsgInternalError  = "Internal server error"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// SendBadRequest sends a 400 Bad Request error
func SendBadRequest(c *gin.Context, code, message string, details ...map[string]interface{}) {
	var det map[string]interface{}
	if len(details) > 0 {
		det = details[0]
	}
	respondError(c, http.StatusBadRequest, code, message, det)
}

// SendUnauthorized sends a 401 Unauthorized error
func SendUnauthorized(c *gin.Context, message string) {
	respondError(c, http.StatusUnauthorized, ErrCodeUnauthorized, message, nil)
}

// SendValidationError reports the failed fields of a bound request
func SendValidationError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		SendBadRequest(c, ErrCodeInvalidRequest, MsgInvalidRequest)
		return
	}
	fields := make(map[string]interface{}, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	SendBadRequest(c, ErrCodeValidationError, "Request validation failed", fields)
}

// statusFor maps a domain error category onto an HTTP status
func statusFor(err error) int {
	switch {
	case domainerrors.IsNotFound(err):
		return http.StatusNotFound
	case domainerrors.IsInvalidInput(err):
		return http.StatusBadRequest
	case domainerrors.IsForbidden(err):
		return http.StatusForbidden
	case domainerrors.IsConflict(err), domainerrors.IsDuplicateEvent(err):
		return http.StatusConflict
	case domainerrors.IsInsufficientBalance(err), domainerrors.IsInsufficientFee(err):
		return http.StatusUnprocessableEntity
	case domainerrors.IsUpstreamUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondWithError maps err onto a status and stable code. Unknown errors
// are logged and surfaced as INTERNAL_ERROR without their message.
func RespondWithError(c *gin.Context, log *logger.Logger, err error) {
	status := statusFor(err)
	de, ok := domainerrors.AsDomainError(err)
	if !ok || status == http.StatusInternalServerError {
		log.Error("Request failed",
			"error", err,
			"path", c.FullPath(),
			"request_id", getRequestID(c))
		respondError(c, http.StatusInternalServerError, ErrCodeInternalError, MsgInternalError, nil)
		return
	}
	if status == http.StatusServiceUnavailable {
		log.Warn("Upstream unavailable", "error", err, "path", c.FullPath())
	}
	respondError(c, status, de.Code, de.Message, de.Details)
}
