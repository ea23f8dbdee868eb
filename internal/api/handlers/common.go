package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func getRequestID(c *gin.Context) string {
	if id, ok := c.Get("request_id"); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return c.GetHeader("X-Request-ID")
}

// getOperator returns the operator name recorded on approvals and cancels
func getOperator(c *gin.Context) string {
	if op := strings.TrimSpace(c.GetHeader("X-Operator")); op != "" {
		return op
	}
	return "ops"
}

func respondError(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	c.JSON(status, ErrorResponse{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: getRequestID(c),
	})
}

func respondSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

func respondAccepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, data)
}

func respondNoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// parseUUIDParam reads a path parameter and answers 400 itself when malformed
func parseUUIDParam(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		SendBadRequest(c, ErrCodeInvalidID, "Invalid "+param+" format")
		return uuid.Nil, false
	}
	return id, true
}

func parseIntParam(c *gin.Context, param string, defaultVal int) int {
	if v := c.Query(param); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func pagination(c *gin.Context) (limit, offset int) {
	limit = parseIntParam(c, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset = parseIntParam(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// parsePeriod reads month/year query params, defaulting to the current UTC
// month. Range checks belong to the statistics service.
func parsePeriod(c *gin.Context) (month, year int) {
	now := time.Now().UTC()
	return parseIntParam(c, "month", int(now.Month())), parseIntParam(c, "year", now.Year())
}
