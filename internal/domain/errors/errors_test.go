package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestDomainError_Classification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		code  string
	}{
		{"not found", NotFoundError("CURRENCY"), IsNotFound, "CURRENCY_NOT_FOUND"},
		{"validation", ValidationError("amount", "amount must be positive"), IsInvalidInput, "VALIDATION_ERROR"},
		{"rule", RuleViolation(CodeDailyLimitExceeded, "daily cap reached"), IsInvalidInput, CodeDailyLimitExceeded},
		{"balance", InsufficientBalanceError("USDT", decimal.NewFromInt(1), decimal.NewFromInt(2)), IsInsufficientBalance, "INSUFFICIENT_BALANCE"},
		{"fee", InsufficientFeeError("TRX", decimal.Zero, decimal.NewFromInt(1)), IsInsufficientFee, "INSUFFICIENT_FEE"},
		{"duplicate", DuplicateEventError("0xabc", "DEPOSIT"), IsDuplicateEvent, "DUPLICATE_EVENT"},
		{"upstream", UpstreamUnavailableError("tron rpc", errors.New("dial tcp")), IsUpstreamUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"totp", InvalidTOTPError(), IsForbidden, CodeInvalidTOTP},
		{"pending", PendingTransactionError("e-1"), IsConflict, CodePendingTransaction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("workflow step: %w", tt.err)
			assert.True(t, tt.check(wrapped))
			assert.Equal(t, tt.code, GetErrorCode(wrapped))
		})
	}
}

func TestDomainError_Retryable(t *testing.T) {
	assert.True(t, IsRetryable(UpstreamUnavailableError("mail", errors.New("timeout"))))
	assert.True(t, IsRetryable(PendingTransactionError("e-1")))
	assert.False(t, IsRetryable(InsufficientBalanceError("USDT", decimal.Zero, decimal.NewFromInt(1))))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.Equal(t, "UNKNOWN_ERROR", GetErrorCode(errors.New("plain")))
}

func TestDomainError_WithDetailsMerges(t *testing.T) {
	err := ValidationError("amount", "too small").WithDetails(map[string]interface{}{"min": "10"})
	assert.Equal(t, "amount", err.Details["field"])
	assert.Equal(t, "10", err.Details["min"])
}
