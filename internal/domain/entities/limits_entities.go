package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalTier represents the verification level that bounds a single withdrawal
type WithdrawalTier string

const (
	WithdrawalTierNone     WithdrawalTier = "NONE"     // 2FA not enrolled
	WithdrawalTierBasic    WithdrawalTier = "BASIC"    // 2FA only
	WithdrawalTierVerified WithdrawalTier = "VERIFIED" // 2FA + KYC
)

// Per-request USD limits by tier
var (
	BasicTierWithdrawalLimit    = decimal.NewFromInt(10_000)
	VerifiedTierWithdrawalLimit = decimal.NewFromInt(100_000)
)

// DeriveWithdrawalTier is a pure function of 2FA enrollment and KYC status
func DeriveWithdrawalTier(twoFAEnabled bool, kyc KYCStatus) WithdrawalTier {
	if !twoFAEnabled {
		return WithdrawalTierNone
	}
	if kyc == KYCStatusApproved {
		return WithdrawalTierVerified
	}
	return WithdrawalTierBasic
}

// Limit returns the per-request USD ceiling for the tier
func (t WithdrawalTier) Limit() decimal.Decimal {
	switch t {
	case WithdrawalTierVerified:
		return VerifiedTierWithdrawalLimit
	case WithdrawalTierBasic:
		return BasicTierWithdrawalLimit
	default:
		return decimal.Zero
	}
}

// DailyUsage is today's withdrawal activity for one (customer, currency)
type DailyUsage struct {
	AmountUSD decimal.Decimal `json:"amount_usd" db:"amount_usd"`
	Count     int             `json:"count" db:"count"`
}

// LimitCheckResult contains the result of a limit check
type LimitCheckResult struct {
	Allowed           bool            `json:"allowed"`
	Reason            string          `json:"reason,omitempty"`
	Code              string          `json:"code,omitempty"`
	CurrentUsage      decimal.Decimal `json:"currentUsage"`
	Limit             decimal.Decimal `json:"limit"`
	RemainingCapacity decimal.Decimal `json:"remainingCapacity"`
	ResetsAt          time.Time       `json:"resetsAt"`
	LimitType         string          `json:"limitType"`
}

// ApprovalDecision explains why a verified withdrawal does or does not need an operator
type ApprovalDecision struct {
	Required       bool            `json:"required"`
	OverThreshold  bool            `json:"over_threshold"`
	OverDailyCount bool            `json:"over_daily_count"`
	AmountUSD      decimal.Decimal `json:"amount_usd"`
	Threshold      decimal.Decimal `json:"threshold"`
	SameDayCount   int             `json:"same_day_count"`
	MaxTimesPerDay int             `json:"max_times_per_day"`
}
