package blockchain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorResponse represents a gateway error response
type ErrorResponse struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("chain gateway error [%d]: %s (code: %s)", e.StatusCode, e.Message, e.Code)
}

// IsRetryable reports whether repeating the request may succeed
func (e *ErrorResponse) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// ErrTransferRejected is returned when the chain refused the transfer outright
var ErrTransferRejected = errors.New("transfer rejected")

// IsPermanent reports whether err means the transfer will never succeed and
// the withdrawal should be failed rather than redelivered.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrTransferRejected) {
		return true
	}
	var resp *ErrorResponse
	if errors.As(err, &resp) {
		return !resp.IsRetryable()
	}
	return false
}
