package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/pkg/logger"
)

// UsageRepository reports today's withdrawal activity from the ledger
type UsageRepository interface {
	DailyWithdrawUsage(ctx context.Context, key entities.BalanceKey, since time.Time, excludeID *uuid.UUID) (entities.DailyUsage, error)
}

// Service evaluates withdrawal limits and the admin-approval predicate
type Service struct {
	usageRepo UsageRepository
	now       func() time.Time
	logger    *logger.Logger
}

// NewService creates a new limits service
func NewService(usageRepo UsageRepository, logger *logger.Logger) *Service {
	return &Service{
		usageRepo: usageRepo,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock overrides the time source
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// StartOfDay returns UTC midnight of the current day
func (s *Service) StartOfDay() time.Time {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// CheckTier validates a withdrawal against the customer's verification tier
func (s *Service) CheckTier(customer *entities.Customer, amountUSD decimal.Decimal) (*entities.LimitCheckResult, error) {
	tier := entities.DeriveWithdrawalTier(customer.TwoFAEnabled, customer.KYCStatus)
	limit := tier.Limit()

	result := &entities.LimitCheckResult{
		Allowed:           true,
		Limit:             limit,
		RemainingCapacity: limit,
		LimitType:         "tier_" + string(tier),
	}
	if amountUSD.GreaterThan(limit) {
		result.Allowed = false
		result.Code = domainerrors.CodeTierLimitExceeded
		result.Reason = fmt.Sprintf("amount %s USD exceeds the %s tier limit of %s USD", amountUSD.StringFixed(2), tier, limit)
		return result, domainerrors.RuleViolation(result.Code, result.Reason).WithDetails(map[string]interface{}{
			"tier":       tier,
			"limit_usd":  limit.String(),
			"amount_usd": amountUSD.String(),
		})
	}
	return result, nil
}

// CheckDaily validates today's USD volume for the wallet plus this request
// against the chain's daily cap. A zero cap disables the check.
func (s *Service) CheckDaily(ctx context.Context, key entities.BalanceKey, attr *entities.CurrencyAttribute, amountUSD decimal.Decimal) (*entities.LimitCheckResult, error) {
	return s.CheckDailyWith(ctx, s.usageRepo, key, attr, amountUSD)
}

// CheckDailyWith is CheckDaily reading usage from the given source, typically
// a chain reader handed to an append guard
func (s *Service) CheckDailyWith(ctx context.Context, usageRepo UsageRepository, key entities.BalanceKey, attr *entities.CurrencyAttribute, amountUSD decimal.Decimal) (*entities.LimitCheckResult, error) {
	since := s.StartOfDay()
	result := &entities.LimitCheckResult{
		Allowed:   true,
		Limit:     attr.MaxAmountWithdrawDaily,
		ResetsAt:  since.Add(24 * time.Hour),
		LimitType: "daily",
	}
	if !attr.MaxAmountWithdrawDaily.IsPositive() {
		return result, nil
	}

	usage, err := usageRepo.DailyWithdrawUsage(ctx, key, since, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily usage: %w", err)
	}
	result.CurrentUsage = usage.AmountUSD

	remaining := attr.MaxAmountWithdrawDaily.Sub(usage.AmountUSD)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	result.RemainingCapacity = remaining

	if !usage.AmountUSD.Add(amountUSD).LessThan(attr.MaxAmountWithdrawDaily) {
		result.Allowed = false
		result.Code = domainerrors.CodeDailyLimitExceeded
		result.Reason = "daily withdrawal limit exceeded"
		s.logger.Info("Daily withdrawal limit reached",
			"customer_id", key.CustomerID,
			"currency", key.CurrencyCode,
			"used_usd", usage.AmountUSD.String(),
			"request_usd", amountUSD.String(),
			"limit_usd", attr.MaxAmountWithdrawDaily.String())
		return result, domainerrors.RuleViolation(result.Code, result.Reason).WithDetails(map[string]interface{}{
			"current_usage_usd":  usage.AmountUSD.String(),
			"limit_usd":          attr.MaxAmountWithdrawDaily.String(),
			"remaining_capacity": remaining.String(),
			"resets_at":          result.ResetsAt,
		})
	}
	return result, nil
}

// CheckAmountRange validates minWithdraw <= amount <= maxWithdraw. A zero
// maximum means no upper bound.
func (s *Service) CheckAmountRange(attr *entities.CurrencyAttribute, amount decimal.Decimal) error {
	if amount.LessThan(attr.MinWithdraw) {
		return domainerrors.RuleViolation(domainerrors.CodeAmountOutOfRange,
			fmt.Sprintf("amount %s is below the minimum withdrawal of %s", amount, attr.MinWithdraw))
	}
	if attr.MaxWithdraw.IsPositive() && amount.GreaterThan(attr.MaxWithdraw) {
		return domainerrors.RuleViolation(domainerrors.CodeAmountOutOfRange,
			fmt.Sprintf("amount %s is above the maximum withdrawal of %s", amount, attr.MaxWithdraw))
	}
	return nil
}

// EvaluateApproval decides whether a verified withdrawal needs an operator.
// Approval is required when the USD value exceeds valueNeedApprove or when
// the customer already made maxTimesWithdraw withdrawals today, not counting
// this entry or failed and canceled ones.
func (s *Service) EvaluateApproval(ctx context.Context, entry *entities.LedgerEntry, attr *entities.CurrencyAttribute) (*entities.ApprovalDecision, error) {
	decision := &entities.ApprovalDecision{
		AmountUSD:      entry.AmountUSD,
		Threshold:      attr.ValueNeedApprove,
		MaxTimesPerDay: attr.MaxTimesWithdraw,
	}

	if attr.ValueNeedApprove.IsPositive() && entry.AmountUSD.GreaterThan(attr.ValueNeedApprove) {
		decision.OverThreshold = true
	}

	usage, err := s.usageRepo.DailyWithdrawUsage(ctx,
		entities.BalanceKey{CustomerID: entry.CustomerID, CurrencyCode: entry.CurrencyCode},
		s.StartOfDay(), &entry.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count same-day withdrawals: %w", err)
	}
	decision.SameDayCount = usage.Count
	if attr.MaxTimesWithdraw > 0 && usage.Count >= attr.MaxTimesWithdraw {
		decision.OverDailyCount = true
	}

	decision.Required = decision.OverThreshold || decision.OverDailyCount
	return decision, nil
}
