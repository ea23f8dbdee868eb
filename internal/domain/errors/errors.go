// Package errors provides the error taxonomy shared by the ledger engine.
// Every user-visible failure carries a stable code plus a human message.
package errors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Standard error categories
var (
	// ErrNotFound indicates a currency, chain, wallet, entry or ancestor is missing
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates the request failed validation
	ErrInvalidInput = errors.New("invalid input")

	// ErrForbidden indicates a verification gate rejected the caller
	ErrForbidden = errors.New("forbidden")

	// ErrConflict indicates a conflict with the current state
	ErrConflict = errors.New("conflict")

	// ErrInsufficientBalance indicates a debit would drive the balance negative
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientFee indicates the native token balance cannot cover the network fee
	ErrInsufficientFee = errors.New("insufficient fee balance")

	// ErrDuplicateEvent indicates an external event was already recorded
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrUpstreamUnavailable indicates a collaborator (chain RPC, mail, chat) failed
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInternal indicates an internal failure
	ErrInternal = errors.New("internal error")
)

// DomainError represents a domain-specific error with additional context
type DomainError struct {
	Err       error
	Code      string
	Message   string
	Details   map[string]interface{}
	Retryable bool
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// WithDetails adds details to the error
func (e *DomainError) WithDetails(details map[string]interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// IsRetryable reports whether a queue redelivery may succeed
func (e *DomainError) IsRetryable() bool {
	return e.Retryable
}

// NotFoundError creates a not found error
func NotFoundError(resource string) *DomainError {
	return &DomainError{
		Err:     ErrNotFound,
		Code:    fmt.Sprintf("%s_NOT_FOUND", resource),
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// ValidationError creates a generic validation error for a field
func ValidationError(field, message string) *DomainError {
	return &DomainError{
		Err:     ErrInvalidInput,
		Code:    "VALIDATION_ERROR",
		Message: message,
		Details: map[string]interface{}{"field": field},
	}
}

// RuleViolation creates a validation error with a specific business code
func RuleViolation(code, message string) *DomainError {
	return &DomainError{
		Err:     ErrInvalidInput,
		Code:    code,
		Message: message,
	}
}

// ForbiddenError creates a verification failure
func ForbiddenError(code, message string) *DomainError {
	return &DomainError{
		Err:     ErrForbidden,
		Code:    code,
		Message: message,
	}
}

// ConflictError creates a conflict error. Conflicts are retryable because
// the blocking state is expected to clear.
func ConflictError(code, message string) *DomainError {
	return &DomainError{
		Err:       ErrConflict,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// InsufficientBalanceError creates an insufficient balance error
func InsufficientBalanceError(currency string, available, required decimal.Decimal) *DomainError {
	return &DomainError{
		Err:     ErrInsufficientBalance,
		Code:    "INSUFFICIENT_BALANCE",
		Message: fmt.Sprintf("insufficient %s balance: available %s, required %s", currency, available.String(), required.String()),
		Details: map[string]interface{}{
			"currency":  currency,
			"available": available.String(),
			"required":  required.String(),
		},
	}
}

// InsufficientFeeError creates an insufficient network fee error
func InsufficientFeeError(nativeToken string, available, required decimal.Decimal) *DomainError {
	return &DomainError{
		Err:     ErrInsufficientFee,
		Code:    "INSUFFICIENT_FEE",
		Message: fmt.Sprintf("insufficient %s for network fee: available %s, required %s", nativeToken, available.String(), required.String()),
		Details: map[string]interface{}{
			"native_token": nativeToken,
			"available":    available.String(),
			"required":     required.String(),
		},
	}
}

// DuplicateEventError reports an idempotency hit
func DuplicateEventError(txHash, action string) *DomainError {
	return &DomainError{
		Err:     ErrDuplicateEvent,
		Code:    "DUPLICATE_EVENT",
		Message: fmt.Sprintf("event %s already recorded for %s", txHash, action),
		Details: map[string]interface{}{"tx_hash": txHash, "action": action},
	}
}

// UpstreamUnavailableError wraps a collaborator failure as retryable
func UpstreamUnavailableError(service string, err error) *DomainError {
	return &DomainError{
		Err:       fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err),
		Code:      "UPSTREAM_UNAVAILABLE",
		Message:   fmt.Sprintf("%s is temporarily unavailable", service),
		Retryable: true,
	}
}

// InternalError creates an internal error
func InternalError(message string, err error) *DomainError {
	return &DomainError{
		Err:     fmt.Errorf("%w: %w", ErrInternal, err),
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
}

func IsNotFound(err error) bool            { return errors.Is(err, ErrNotFound) }
func IsInvalidInput(err error) bool        { return errors.Is(err, ErrInvalidInput) }
func IsForbidden(err error) bool           { return errors.Is(err, ErrForbidden) }
func IsConflict(err error) bool            { return errors.Is(err, ErrConflict) }
func IsInsufficientBalance(err error) bool { return errors.Is(err, ErrInsufficientBalance) }
func IsInsufficientFee(err error) bool     { return errors.Is(err, ErrInsufficientFee) }
func IsDuplicateEvent(err error) bool      { return errors.Is(err, ErrDuplicateEvent) }
func IsUpstreamUnavailable(err error) bool { return errors.Is(err, ErrUpstreamUnavailable) }

// IsRetryable reports whether err is marked retryable anywhere in its chain
func IsRetryable(err error) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// GetErrorCode extracts the stable code from err
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return "UNKNOWN_ERROR"
}

// AsDomainError returns the first DomainError in err's chain
func AsDomainError(err error) (*DomainError, bool) {
	var de *DomainError
	ok := errors.As(err, &de)
	return de, ok
}
