package errors

// Business rule codes surfaced by the withdrawal and deposit workflows
const (
	CodeTwoFARequired       = "TWO_FA_REQUIRED"
	CodeKYCRequired         = "KYC_REQUIRED"
	CodeCurrencyInactive    = "CURRENCY_INACTIVE"
	CodeWithdrawDisabled    = "WITHDRAW_DISABLED"
	CodeTierLimitExceeded   = "TIER_LIMIT_EXCEEDED"
	CodeDailyLimitExceeded  = "DAILY_LIMIT_EXCEEDED"
	CodeAmountOutOfRange    = "AMOUNT_OUT_OF_RANGE"
	CodeSelfTransfer        = "SELF_TRANSFER_NOT_ALLOWED"
	CodeInvalidAddress      = "INVALID_ADDRESS"
	CodePendingTransaction  = "PENDING_TRANSACTION"
	CodeInvalidTOTP         = "INVALID_TOTP_CODE"
	CodeInvalidOOBCode      = "INVALID_VERIFICATION_CODE"
	CodeInvalidTransition   = "INVALID_STATE_TRANSITION"
	CodeOwnershipMismatch   = "ENTRY_OWNERSHIP_MISMATCH"
	CodeSwapDisabled        = "SWAP_DISABLED"
	CodeAlreadyApproved     = "ALREADY_APPROVED"
	CodeApprovalNotRequired = "APPROVAL_NOT_REQUIRED"
)

// Pre-built withdrawal gate errors
var (
	TwoFARequiredError = func() *DomainError {
		return ForbiddenError(CodeTwoFARequired, "two-factor authentication must be enabled before withdrawing")
	}
	KYCRequiredError = func() *DomainError {
		return ForbiddenError(CodeKYCRequired, "identity verification is required before withdrawing")
	}
	InvalidTOTPError = func() *DomainError {
		return ForbiddenError(CodeInvalidTOTP, "invalid two-factor code")
	}
	InvalidOOBCodeError = func() *DomainError {
		return ForbiddenError(CodeInvalidOOBCode, "invalid or expired verification code")
	}
)

// PendingTransactionError reports an in-flight entry on the same wallet
func PendingTransactionError(entryID string) *DomainError {
	e := ConflictError(CodePendingTransaction, "another transaction is still pending for this wallet")
	e.Details = map[string]interface{}{"pending_entry_id": entryID}
	return e
}

// InvalidTransitionError reports a state machine violation
func InvalidTransitionError(entryID, from, to string) *DomainError {
	return &DomainError{
		Err:     ErrConflict,
		Code:    CodeInvalidTransition,
		Message: "withdrawal cannot move from " + from + " to " + to,
		Details: map[string]interface{}{"entry_id": entryID, "from": from, "to": to},
	}
}
