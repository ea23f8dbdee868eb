// Package commission credits sponsor-chain ancestors for investments and
// system bonuses. A fan-out is best effort per (rule, recipient) and is not
// idempotent: every call writes new entries.
package commission

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/internal/domain/repositories"
	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/metrics"
)

const defaultConcurrency = 4

// Skip reasons reported in FanOutReport
const (
	SkipNoAncestor          = "no ancestor at floor"
	SkipKYCNotApproved      = "recipient KYC not approved"
	SkipCurrencyUnavailable = "settlement currency unavailable"
	SkipZeroAmount          = "commission rounds to zero"
	SkipInvalidRule         = "invalid rule"
	SkipAppendFailed        = "ledger append failed"
)

// LedgerAppender writes commission credits
type LedgerAppender interface {
	Append(ctx context.Context, req entities.AppendRequest) (*entities.LedgerEntry, error)
}

// ChainResolver resolves a customer's own node and ancestry
type ChainResolver interface {
	Node(ctx context.Context, customerID uuid.UUID) (*entities.SponsorNode, error)
	Chain(ctx context.Context, customerID uuid.UUID) (entities.SponsorChain, error)
}

// Config tunes the fan-out
type Config struct {
	// Concurrency bounds parallel ledger appends within one fan-out
	Concurrency int
}

// Service runs commission fan-outs
type Service struct {
	ledger     LedgerAppender
	rules      repositories.CommissionRuleRepository
	currencies repositories.CurrencyDirectory
	chains     ChainResolver
	config     Config
	logger     *logger.Logger
}

// NewService creates a commission service
func NewService(
	ledger LedgerAppender,
	rules repositories.CommissionRuleRepository,
	currencies repositories.CurrencyDirectory,
	chains ChainResolver,
	config Config,
	logger *logger.Logger,
) *Service {
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	return &Service{
		ledger:     ledger,
		rules:      rules,
		currencies: currencies,
		chains:     chains,
		config:     config,
		logger:     logger,
	}
}

type fanOut struct {
	customerID uuid.UUID
	baseUSD    decimal.Decimal
	reference  string
	rules      []*entities.CommissionRule
	// system commissions credit KYC-approved recipients only
	system bool
}

type recipient struct {
	node  entities.SponsorNode
	floor int
}

// DistributeInvestment credits the package's commission table for an investment
func (s *Service) DistributeInvestment(ctx context.Context, trigger entities.InvestmentTrigger) (*entities.FanOutReport, error) {
	if trigger.CustomerID == uuid.Nil || trigger.PackageID == uuid.Nil {
		return nil, domainerrors.ValidationError("trigger", "customer and package are required")
	}
	if !trigger.AmountUSD.IsPositive() {
		return nil, domainerrors.ValidationError("amount_usd", "investment amount must be positive")
	}

	rules, err := s.rules.ListByPackage(ctx, trigger.PackageID)
	if err != nil {
		return nil, fmt.Errorf("list package rules: %w", err)
	}
	return s.run(ctx, fanOut{
		customerID: trigger.CustomerID,
		baseUSD:    trigger.AmountUSD,
		reference:  trigger.InvestmentID.String(),
		rules:      rules,
	})
}

// DistributeSystemBonus credits a named bonus table
func (s *Service) DistributeSystemBonus(ctx context.Context, trigger entities.BonusTrigger) (*entities.FanOutReport, error) {
	if trigger.CustomerID == uuid.Nil || trigger.BonusType == "" || trigger.ReferenceID == "" {
		return nil, domainerrors.ValidationError("trigger", "customer, bonus type and reference are required")
	}

	rules, err := s.rules.ListByBonusType(ctx, trigger.BonusType)
	if err != nil {
		return nil, fmt.Errorf("list %s rules: %w", trigger.BonusType, err)
	}
	return s.run(ctx, fanOut{
		customerID: trigger.CustomerID,
		baseUSD:    trigger.BaseUSD,
		reference:  trigger.ReferenceID,
		rules:      rules,
		system:     true,
	})
}

// ResendInvestment repeats an investment fan-out on operator request.
// Nothing deduplicates against the first run.
func (s *Service) ResendInvestment(ctx context.Context, trigger entities.InvestmentTrigger, operator string) (*entities.FanOutReport, error) {
	s.logger.Warn("Commission resend requested; earlier credits are not reversed",
		"investment_id", trigger.InvestmentID,
		"customer_id", trigger.CustomerID,
		"operator", operator)
	return s.DistributeInvestment(ctx, trigger)
}

// ResendBonus repeats a system bonus fan-out on operator request
func (s *Service) ResendBonus(ctx context.Context, trigger entities.BonusTrigger, operator string) (*entities.FanOutReport, error) {
	s.logger.Warn("Bonus resend requested; earlier credits are not reversed",
		"bonus_type", trigger.BonusType,
		"reference_id", trigger.ReferenceID,
		"customer_id", trigger.CustomerID,
		"operator", operator)
	return s.DistributeSystemBonus(ctx, trigger)
}

func (s *Service) run(ctx context.Context, f fanOut) (*entities.FanOutReport, error) {
	report := &entities.FanOutReport{Reference: f.reference}
	if len(f.rules) == 0 {
		s.logger.Debug("No commission rules for trigger", "reference", f.reference)
		return report, nil
	}

	origin, err := s.chains.Node(ctx, f.customerID)
	if err != nil {
		return nil, err
	}
	chain, err := s.chains.Chain(ctx, f.customerID)
	if err != nil {
		return nil, err
	}

	report.Credits = make([]entities.CommissionCredit, len(f.rules))
	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)

	for i, rule := range f.rules {
		credit := &report.Credits[i]
		credit.RuleID = rule.ID
		credit.Level = rule.Level
		credit.Currency = rule.CurrencyCode

		var to recipient
		if rule.IsSelfRule() {
			to = recipient{node: *origin}
		} else {
			a, ok := chain.AtFloor(rule.Level)
			if !ok {
				credit.SkipReason = SkipNoAncestor
				continue
			}
			to = recipient{node: a.SponsorNode, floor: a.Floor}
		}
		credit.RecipientID = to.node.CustomerID

		if f.system && !to.node.KYCApproved() {
			credit.SkipReason = SkipKYCNotApproved
			s.logger.Info("Skipping bonus for recipient without KYC",
				"reference", f.reference,
				"recipient_id", to.node.CustomerID,
				"level", rule.Level)
			continue
		}

		g.Go(func() error {
			return s.credit(ctx, f, rule, to, credit)
		})
	}
	// a failed credit never cancels its siblings; Wait reports the first one
	waitErr := g.Wait()

	written := report.Written()
	s.logger.Info("Commission fan-out finished",
		"reference", f.reference,
		"customer_id", f.customerID,
		"rules", len(f.rules),
		"credited", len(written))
	if waitErr != nil {
		return report, fmt.Errorf("commission fan-out %s incomplete: %w", f.reference, waitErr)
	}
	return report, nil
}

// credit computes and appends one (rule, recipient) credit, recording the
// outcome on credit. Misconfigured rules are skipped; only a failed append
// is returned.
func (s *Service) credit(ctx context.Context, f fanOut, rule *entities.CommissionRule, to recipient, credit *entities.CommissionCredit) error {
	action := rule.CreditAction()

	if err := rule.ValidateAction(); err != nil {
		credit.SkipReason = SkipInvalidRule
		s.logger.Error("Invalid commission rule", "rule_id", rule.ID, "error", err)
		metrics.CommissionCreditsTotal.WithLabelValues(string(action), "skipped").Inc()
		return nil
	}
	amountUSD, err := rule.AmountUSD(f.baseUSD)
	if err != nil {
		credit.SkipReason = SkipInvalidRule
		s.logger.Error("Invalid commission rule", "rule_id", rule.ID, "error", err)
		metrics.CommissionCreditsTotal.WithLabelValues(string(action), "skipped").Inc()
		return nil
	}
	credit.AmountUSD = amountUSD

	currency, err := s.currencies.FindByCode(ctx, rule.CurrencyCode)
	if err != nil || !currency.USDRate.IsPositive() {
		credit.SkipReason = SkipCurrencyUnavailable
		s.logger.Error("Commission currency has no usable rate",
			"rule_id", rule.ID,
			"currency", rule.CurrencyCode,
			"error", err)
		metrics.CommissionCreditsTotal.WithLabelValues(string(action), "skipped").Inc()
		return nil
	}

	amount := currency.FromUSD(amountUSD)
	if !amount.IsPositive() {
		credit.SkipReason = SkipZeroAmount
		return nil
	}
	credit.Amount = amount

	ref := f.reference
	entry, err := s.ledger.Append(ctx, entities.AppendRequest{
		CustomerID:     to.node.CustomerID,
		CurrencyCode:   currency.Code,
		Action:         action,
		Amount:         amount,
		AmountUSD:      amountUSD,
		PaymentMethod:  string(action),
		TxHash:         fmt.Sprintf("%s:%s:%s", strings.ToLower(string(action)), rule.ID, uuid.NewString()),
		Status:         entities.EntryStatusCompleted,
		RelatedOrderID: &ref,
	})
	if err != nil {
		credit.SkipReason = SkipAppendFailed
		s.logger.Error("Failed to append commission credit",
			"reference", f.reference,
			"rule_id", rule.ID,
			"recipient_id", to.node.CustomerID,
			"error", err)
		metrics.CommissionCreditsTotal.WithLabelValues(string(action), "failed").Inc()
		return fmt.Errorf("credit rule %s to %s: %w", rule.ID, to.node.CustomerID, err)
	}

	credit.EntryID = &entry.ID
	metrics.CommissionCreditsTotal.WithLabelValues(string(action), "written").Inc()
	s.logger.Debug("Commission credited",
		"reference", f.reference,
		"recipient_id", to.node.CustomerID,
		"floor", to.floor,
		"amount", amount.String(),
		"currency", currency.Code)
	return nil
}
