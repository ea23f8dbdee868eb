// Package withdrawal implements the withdrawal state machine:
// CREATED -> ACCEPTED -> {COMPLETED, FAIL, CANCELED}.
//
// A request debits the balance immediately with a CREATED entry. Leaving the
// happy path never rewrites that entry: FAIL and CANCELED append a REFUND.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/internal/domain/repositories"
	"github.com/rail-service/ledger_engine/internal/domain/services/limits"
	"github.com/rail-service/ledger_engine/internal/domain/services/twofa"
	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/metrics"
	"github.com/rail-service/ledger_engine/pkg/queue"
)

// TaskSettle is the queue task handled by the settlement worker
const TaskSettle = "withdrawal.settle"

const (
	refundPaymentMethod = "REFUND"
	expiryActor         = "system:expiry"
	staleBatchSize      = 100
)

// LedgerWriter is the part of the ledger the state machine uses
type LedgerWriter interface {
	AppendBatch(ctx context.Context, reqs []entities.AppendRequest, transitions ...repositories.StatusTransition) ([]*entities.LedgerEntry, error)
	AppendGuarded(ctx context.Context, reqs []entities.AppendRequest, guard repositories.ChainGuard, transitions ...repositories.StatusTransition) ([]*entities.LedgerEntry, error)
	Transition(ctx context.Context, transitions ...repositories.StatusTransition) ([]*entities.LedgerEntry, error)
	GetBalance(ctx context.Context, customerID uuid.UUID, currency string) (decimal.Decimal, error)
	FindPending(ctx context.Context, customerID uuid.UUID, currency string) (*entities.LedgerEntry, error)
	GetEntry(ctx context.Context, id uuid.UUID) (*entities.LedgerEntry, error)
	Related(ctx context.Context, ref string) ([]*entities.LedgerEntry, error)
	ListStale(ctx context.Context, action entities.LedgerAction, status entities.EntryStatus, createdBefore time.Time, limit int) ([]*entities.LedgerEntry, error)
}

// LimitsChecker evaluates tier, daily and range limits plus the approval predicate
type LimitsChecker interface {
	CheckTier(customer *entities.Customer, amountUSD decimal.Decimal) (*entities.LimitCheckResult, error)
	CheckDaily(ctx context.Context, key entities.BalanceKey, attr *entities.CurrencyAttribute, amountUSD decimal.Decimal) (*entities.LimitCheckResult, error)
	CheckDailyWith(ctx context.Context, usage limits.UsageRepository, key entities.BalanceKey, attr *entities.CurrencyAttribute, amountUSD decimal.Decimal) (*entities.LimitCheckResult, error)
	CheckAmountRange(attr *entities.CurrencyAttribute, amount decimal.Decimal) error
	EvaluateApproval(ctx context.Context, entry *entities.LedgerEntry, attr *entities.CurrencyAttribute) (*entities.ApprovalDecision, error)
}

// TOTPVerifier checks time-based one-time codes
type TOTPVerifier interface {
	IsEnabled(ctx context.Context, customerID uuid.UUID) (bool, error)
	Verify(ctx context.Context, customerID uuid.UUID, code string) (bool, error)
}

// CodeIssuer issues and checks the out-of-band code tied to an entry
type CodeIssuer interface {
	Issue(ctx context.Context, entryID, customerID uuid.UUID) (string, error)
	Check(ctx context.Context, entryID, customerID uuid.UUID, code string) (bool, error)
	TTL() time.Duration
}

// AddressValidator checks destination address format on a chain
type AddressValidator interface {
	ValidateAddress(ctx context.Context, chain, address string) (bool, error)
}

// Notifier sends customer e-mails and operator alerts without blocking
type Notifier interface {
	WithdrawalCode(ctx context.Context, entry *entities.LedgerEntry, code string, ttl time.Duration)
	WithdrawalCompleted(ctx context.Context, entry *entities.LedgerEntry)
	WithdrawalRefunded(ctx context.Context, entry *entities.LedgerEntry, reason string)
	ApprovalRequired(ctx context.Context, entry *entities.LedgerEntry, decision *entities.ApprovalDecision)
}

// Config holds workflow settings
type Config struct {
	// RequireKYC rejects withdrawals from customers without approved KYC
	RequireKYC bool
	// SettlementDelay postpones the first settlement attempt
	SettlementDelay time.Duration
}

// Service runs the withdrawal workflow
type Service struct {
	ledger     LedgerWriter
	customers  repositories.CustomerDirectory
	currencies repositories.CurrencyDirectory
	wallets    repositories.WalletRegistry
	limits     LimitsChecker
	totp       TOTPVerifier
	codes      CodeIssuer
	addresses  AddressValidator
	notifier   Notifier
	queue      queue.Queue
	validate   *validator.Validate
	config     Config
	now        func() time.Time
	logger     *logger.Logger
}

// NewService creates the withdrawal state machine
func NewService(
	ledger LedgerWriter,
	customers repositories.CustomerDirectory,
	currencies repositories.CurrencyDirectory,
	wallets repositories.WalletRegistry,
	limits LimitsChecker,
	totp TOTPVerifier,
	codes CodeIssuer,
	notifier Notifier,
	q queue.Queue,
	config Config,
	logger *logger.Logger,
) *Service {
	return &Service{
		ledger:     ledger,
		customers:  customers,
		currencies: currencies,
		wallets:    wallets,
		limits:     limits,
		totp:       totp,
		codes:      codes,
		notifier:   notifier,
		queue:      q,
		validate:   validator.New(),
		config:     config,
		now:        time.Now,
		logger:     logger,
	}
}

// SetAddressValidator enables on-chain address format checks (optional)
func (s *Service) SetAddressValidator(v AddressValidator) {
	s.addresses = v
}

// SetClock overrides the time source used for expiry
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Request validates a withdrawal and, when every gate passes, debits the
// balance with a CREATED entry and sends the out-of-band code.
func (s *Service) Request(ctx context.Context, req entities.WithdrawalRequest) (*entities.WithdrawalResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, domainerrors.ValidationError("withdrawal", err.Error())
	}
	if !req.Amount.IsPositive() {
		return nil, domainerrors.ValidationError("amount", "amount must be positive")
	}

	s.logger.Info("Withdrawal requested",
		"customer_id", req.CustomerID,
		"currency", req.CurrencyCode,
		"chain", req.ChainCode,
		"amount", req.Amount.String())

	// 1. two-factor enrollment
	enrolled, err := s.totp.IsEnabled(ctx, req.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("check 2FA enrollment: %w", err)
	}
	if !enrolled {
		return nil, domainerrors.TwoFARequiredError()
	}

	customer, err := s.customers.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	// enrollment was just confirmed against the secret store
	customer.TwoFAEnabled = true

	// 2. global KYC requirement
	if s.config.RequireKYC && !customer.KYCApproved() {
		return nil, domainerrors.KYCRequiredError()
	}

	// 3. currency and chain
	currency, err := s.currencies.FindByCode(ctx, req.CurrencyCode)
	if err != nil {
		return nil, err
	}
	if !currency.Active {
		return nil, domainerrors.RuleViolation(domainerrors.CodeCurrencyInactive, fmt.Sprintf("%s is not active", currency.Code))
	}
	attr, err := s.currencies.FindAttribute(ctx, req.CurrencyCode, req.ChainCode)
	if err != nil {
		return nil, err
	}
	if !attr.WithdrawEnabled {
		return nil, domainerrors.RuleViolation(domainerrors.CodeWithdrawDisabled,
			fmt.Sprintf("withdrawals of %s on %s are disabled", req.CurrencyCode, req.ChainCode))
	}

	amountUSD := currency.ToUSD(req.Amount)
	key := entities.BalanceKey{CustomerID: req.CustomerID, CurrencyCode: req.CurrencyCode}

	// 4. tier limit
	if _, err := s.limits.CheckTier(customer, amountUSD); err != nil {
		return nil, err
	}
	// 5. daily cap
	if _, err := s.limits.CheckDaily(ctx, key, attr, amountUSD); err != nil {
		return nil, err
	}
	// 6. amount range
	if err := s.limits.CheckAmountRange(attr, req.Amount); err != nil {
		return nil, err
	}

	// 7. destination
	if err := s.checkDestination(ctx, req); err != nil {
		return nil, err
	}

	// 8. funding wallet
	funding, err := s.wallets.FindFundingWallet(ctx, req.CurrencyCode, req.ChainCode)
	if err != nil {
		return nil, err
	}

	// 9. balance and network fee
	if pending, err := s.ledger.FindPending(ctx, req.CustomerID, req.CurrencyCode); err != nil {
		return nil, fmt.Errorf("check pending entries: %w", err)
	} else if pending != nil {
		return nil, domainerrors.PendingTransactionError(pending.ID.String())
	}
	if err := s.checkFunds(ctx, req, attr); err != nil {
		return nil, err
	}

	entryID := uuid.New()
	chain := req.ChainCode
	ref := entryID.String()
	reqs := []entities.AppendRequest{{
		EntryID:       entryID,
		CustomerID:    req.CustomerID,
		CurrencyCode:  req.CurrencyCode,
		ChainCode:     &chain,
		Action:        entities.ActionWithdraw,
		Amount:        req.Amount,
		AmountUSD:     amountUSD,
		Fee:           attr.WithdrawFeeToken,
		PaymentMethod: entities.WithdrawalPaymentMethod,
		TxHash:        entities.InternalTxHashPrefix + uuid.NewString(),
		Status:        entities.EntryStatusCreated,
		FromAddress:   funding.Address,
		ToAddress:     req.ToAddress,
	}}
	if attr.HasChainFee() {
		native, err := s.currencies.FindByCode(ctx, attr.NativeToken)
		if err != nil {
			return nil, fmt.Errorf("load native token %s: %w", attr.NativeToken, err)
		}
		reqs = append(reqs, entities.AppendRequest{
			CustomerID:     req.CustomerID,
			CurrencyCode:   attr.NativeToken,
			ChainCode:      &chain,
			Action:         entities.ActionNetworkFee,
			Amount:         attr.WithdrawFeeChain,
			AmountUSD:      native.ToUSD(attr.WithdrawFeeChain),
			PaymentMethod:  entities.WithdrawalPaymentMethod,
			TxHash:         entities.InternalTxHashPrefix + ref + ":network_fee",
			Status:         entities.EntryStatusCompleted,
			RelatedOrderID: &ref,
			ToAddress:      req.ToAddress,
		})
	}

	// The checks above ran unlocked; two requests can both pass them. The
	// guard repeats the pending and daily-cap checks under the chain lock.
	written, err := s.ledger.AppendGuarded(ctx, reqs, s.lockedGates(key, attr, amountUSD))
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalTransitionsTotal.WithLabelValues(string(entities.EntryStatusCreated)).Inc()

	result := &entities.WithdrawalResult{Entry: written[0]}
	if len(written) > 1 {
		result.NetworkFeeEntry = written[1]
	}

	if err := s.sendCode(ctx, result.Entry); err != nil {
		// The entry stays CREATED; the customer can ask for a new code or it expires
		s.logger.Error("Failed to issue withdrawal code", "entry_id", entryID, "error", err)
	}

	s.logger.Info("Withdrawal created",
		"entry_id", entryID,
		"customer_id", req.CustomerID,
		"amount_usd", amountUSD.String(),
		"network_fee", attr.WithdrawFeeChain.String())
	return result, nil
}

func (s *Service) lockedGates(key entities.BalanceKey, attr *entities.CurrencyAttribute, amountUSD decimal.Decimal) repositories.ChainGuard {
	return func(ctx context.Context, chain repositories.ChainReader) error {
		pending, err := chain.FindPending(ctx, key)
		if err != nil {
			return fmt.Errorf("check pending entries: %w", err)
		}
		if pending != nil {
			return domainerrors.PendingTransactionError(pending.ID.String())
		}
		_, err = s.limits.CheckDailyWith(ctx, chain, key, attr, amountUSD)
		return err
	}
}

func (s *Service) checkDestination(ctx context.Context, req entities.WithdrawalRequest) error {
	if s.addresses != nil {
		valid, err := s.addresses.ValidateAddress(ctx, req.ChainCode, req.ToAddress)
		if err != nil {
			return fmt.Errorf("validate destination address: %w", err)
		}
		if !valid {
			return domainerrors.RuleViolation(domainerrors.CodeInvalidAddress, "destination address is not valid for "+req.ChainCode)
		}
	}

	own, err := s.wallets.FindCustomerWallet(ctx, req.CustomerID, req.CurrencyCode, req.ChainCode)
	if err != nil && !domainerrors.IsNotFound(err) {
		return fmt.Errorf("lookup deposit wallet: %w", err)
	}
	if own != nil && entities.SameAddress(own.Address, req.ToAddress) {
		return domainerrors.RuleViolation(domainerrors.CodeSelfTransfer, "cannot withdraw to your own deposit address")
	}
	return nil
}

func (s *Service) checkFunds(ctx context.Context, req entities.WithdrawalRequest, attr *entities.CurrencyAttribute) error {
	balance, err := s.ledger.GetBalance(ctx, req.CustomerID, req.CurrencyCode)
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}
	required := req.Amount.Add(attr.WithdrawFeeToken)
	if attr.HasChainFee() && attr.NativeToken == req.CurrencyCode {
		required = required.Add(attr.WithdrawFeeChain)
	}
	if balance.LessThan(required) {
		return domainerrors.InsufficientBalanceError(req.CurrencyCode, balance, required)
	}

	if attr.HasChainFee() && attr.NativeToken != req.CurrencyCode {
		native, err := s.ledger.GetBalance(ctx, req.CustomerID, attr.NativeToken)
		if err != nil {
			return fmt.Errorf("get native token balance: %w", err)
		}
		if native.LessThan(attr.WithdrawFeeChain) {
			return domainerrors.InsufficientFeeError(attr.NativeToken, native, attr.WithdrawFeeChain)
		}
	}
	return nil
}

func (s *Service) sendCode(ctx context.Context, entry *entities.LedgerEntry) error {
	code, err := s.codes.Issue(ctx, entry.ID, entry.CustomerID)
	if err != nil {
		return err
	}
	s.notifier.WithdrawalCode(ctx, entry, code, s.codes.TTL())
	return nil
}

// ResendCode issues a fresh out-of-band code for a CREATED withdrawal
func (s *Service) ResendCode(ctx context.Context, entryID, customerID uuid.UUID) error {
	entry, err := s.loadOwned(ctx, entryID, customerID)
	if err != nil {
		return err
	}
	if entry.Status != entities.EntryStatusCreated {
		return domainerrors.InvalidTransitionError(entryID.String(), string(entry.Status), string(entities.EntryStatusAccepted))
	}
	if err := s.sendCode(ctx, entry); err != nil {
		return domainerrors.UpstreamUnavailableError("code store", err)
	}
	return nil
}

// Verify checks both codes and moves CREATED -> ACCEPTED. Withdrawals that
// need no approval are handed to the settlement worker straight away.
func (s *Service) Verify(ctx context.Context, req entities.VerifyWithdrawalRequest) (*entities.WithdrawalResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, domainerrors.ValidationError("verification", err.Error())
	}

	entry, err := s.loadOwned(ctx, req.EntryID, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if entry.Status != entities.EntryStatusCreated {
		return nil, domainerrors.InvalidTransitionError(entry.ID.String(), string(entry.Status), string(entities.EntryStatusAccepted))
	}

	ok, err := s.totp.Verify(ctx, req.CustomerID, req.TOTPCode)
	if err != nil {
		if errors.Is(err, twofa.ErrNotEnrolled) {
			return nil, domainerrors.TwoFARequiredError()
		}
		return nil, fmt.Errorf("verify totp: %w", err)
	}
	if !ok {
		return nil, domainerrors.InvalidTOTPError()
	}

	ok, err = s.codes.Check(ctx, entry.ID, req.CustomerID, req.OOBCode)
	if err != nil {
		return nil, fmt.Errorf("check verification code: %w", err)
	}
	if !ok {
		return nil, domainerrors.InvalidOOBCodeError()
	}

	attr, err := s.currencies.FindAttribute(ctx, entry.CurrencyCode, entry.Chain())
	if err != nil {
		return nil, err
	}
	decision, err := s.limits.EvaluateApproval(ctx, entry, attr)
	if err != nil {
		return nil, err
	}

	required := decision.Required
	updated, err := s.ledger.Transition(ctx, repositories.StatusTransition{
		EntryID: entry.ID,
		From:    []entities.EntryStatus{entities.EntryStatusCreated},
		To:      entities.EntryStatusAccepted,
		Patch:   repositories.StatusPatch{ApprovalRequired: &required},
	})
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalTransitionsTotal.WithLabelValues(string(entities.EntryStatusAccepted)).Inc()

	result := &entities.WithdrawalResult{Entry: updated[0], ApprovalRequired: required}
	if required {
		s.logger.Info("Withdrawal awaiting approval",
			"entry_id", entry.ID,
			"over_threshold", decision.OverThreshold,
			"same_day_count", decision.SameDayCount)
		s.notifier.ApprovalRequired(ctx, updated[0], decision)
		return result, nil
	}

	if err := s.enqueueSettlement(ctx, entry.ID); err != nil {
		return result, err
	}
	result.SettlementQueued = true
	return result, nil
}

// Approve releases an ACCEPTED withdrawal that was held for an operator
func (s *Service) Approve(ctx context.Context, entryID uuid.UUID, operator string) (*entities.LedgerEntry, error) {
	if operator == "" {
		return nil, domainerrors.ValidationError("operator", "operator is required")
	}
	entry, err := s.loadWithdrawal(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != entities.EntryStatusAccepted {
		return nil, domainerrors.InvalidTransitionError(entryID.String(), string(entry.Status), "APPROVED")
	}
	if !entry.ApprovalRequired {
		return nil, domainerrors.RuleViolation(domainerrors.CodeApprovalNotRequired, "withdrawal does not require approval")
	}
	if entry.ApprovedBy != nil {
		return nil, domainerrors.RuleViolation(domainerrors.CodeAlreadyApproved, "withdrawal already approved by "+*entry.ApprovedBy)
	}

	updated, err := s.ledger.Transition(ctx, repositories.StatusTransition{
		EntryID: entryID,
		From:    []entities.EntryStatus{entities.EntryStatusAccepted},
		To:      entities.EntryStatusAccepted,
		Patch:   repositories.StatusPatch{ApprovedBy: &operator},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Withdrawal approved", "entry_id", entryID, "operator", operator)

	if err := s.enqueueSettlement(ctx, entryID); err != nil {
		return updated[0], err
	}
	return updated[0], nil
}

// Settle moves ACCEPTED -> COMPLETED and replaces the placeholder hash.
// Settling a COMPLETED entry again with the same hash is a no-op.
func (s *Service) Settle(ctx context.Context, entryID uuid.UUID, txHash string) (*entities.LedgerEntry, error) {
	if txHash == "" {
		return nil, domainerrors.ValidationError("tx_hash", "tx hash is required")
	}
	entry, err := s.loadWithdrawal(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status == entities.EntryStatusCompleted && entry.ExternalTxHash == txHash {
		return entry, nil
	}
	if entry.Status != entities.EntryStatusAccepted {
		return nil, domainerrors.InvalidTransitionError(entryID.String(), string(entry.Status), string(entities.EntryStatusCompleted))
	}
	if AwaitingApproval(entry) {
		return nil, domainerrors.InvalidTransitionError(entryID.String(), "AWAITING_APPROVAL", string(entities.EntryStatusCompleted))
	}

	updated, err := s.ledger.Transition(ctx, repositories.StatusTransition{
		EntryID: entryID,
		From:    []entities.EntryStatus{entities.EntryStatusAccepted},
		To:      entities.EntryStatusCompleted,
		Patch:   repositories.StatusPatch{TxHash: &txHash},
	})
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalTransitionsTotal.WithLabelValues(string(entities.EntryStatusCompleted)).Inc()
	s.logger.Info("Withdrawal settled", "entry_id", entryID, "tx_hash", txHash)

	s.notifier.WithdrawalCompleted(ctx, updated[0])
	return updated[0], nil
}

// Fail terminalizes an ACCEPTED withdrawal the chain rejected and refunds it
func (s *Service) Fail(ctx context.Context, entryID uuid.UUID, reason string) (*entities.LedgerEntry, error) {
	entry, err := s.loadWithdrawal(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status == entities.EntryStatusFail {
		return entry, nil
	}
	return s.refund(ctx, entry, entities.EntryStatusAccepted, entities.EntryStatusFail, reason)
}

// Cancel terminalizes a CREATED withdrawal and refunds it. Once ACCEPTED a
// withdrawal can only be finished by the settlement worker.
func (s *Service) Cancel(ctx context.Context, entryID uuid.UUID, actor string) (*entities.LedgerEntry, error) {
	entry, err := s.loadWithdrawal(ctx, entryID)
	if err != nil {
		return nil, err
	}
	return s.refund(ctx, entry, entities.EntryStatusCreated, entities.EntryStatusCanceled, "canceled by "+actor)
}

// refund applies the from -> to transition together with the REFUND credits
func (s *Service) refund(ctx context.Context, entry *entities.LedgerEntry, from, to entities.EntryStatus, reason string) (*entities.LedgerEntry, error) {
	if entry.Status != from {
		return nil, domainerrors.InvalidTransitionError(entry.ID.String(), string(entry.Status), string(to))
	}

	ref := entry.ID.String()
	reqs := []entities.AppendRequest{{
		CustomerID:     entry.CustomerID,
		CurrencyCode:   entry.CurrencyCode,
		ChainCode:      entry.ChainCode,
		Action:         entities.ActionRefund,
		Amount:         entry.Amount.Add(entry.Fee),
		AmountUSD:      entry.AmountUSD,
		PaymentMethod:  refundPaymentMethod,
		TxHash:         "refund:" + ref,
		Status:         entities.EntryStatusCompleted,
		RelatedOrderID: &ref,
	}}

	related, err := s.ledger.Related(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load related entries: %w", err)
	}
	for _, r := range related {
		if r.Action != entities.ActionNetworkFee {
			continue
		}
		reqs = append(reqs, entities.AppendRequest{
			CustomerID:     r.CustomerID,
			CurrencyCode:   r.CurrencyCode,
			ChainCode:      r.ChainCode,
			Action:         entities.ActionRefund,
			Amount:         r.Amount.Add(r.Fee),
			AmountUSD:      r.AmountUSD,
			PaymentMethod:  refundPaymentMethod,
			TxHash:         "refund:" + r.ID.String(),
			Status:         entities.EntryStatusCompleted,
			RelatedOrderID: &ref,
		})
	}

	if _, err := s.ledger.AppendBatch(ctx, reqs, repositories.StatusTransition{
		EntryID: entry.ID,
		From:    []entities.EntryStatus{from},
		To:      to,
	}); err != nil {
		return nil, err
	}
	metrics.WithdrawalTransitionsTotal.WithLabelValues(string(to)).Inc()

	updated, err := s.ledger.GetEntry(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Withdrawal refunded",
		"entry_id", entry.ID,
		"status", to,
		"reason", reason,
		"refund_entries", len(reqs))
	s.notifier.WithdrawalRefunded(ctx, updated, reason)
	return updated, nil
}

// ExpireStale cancels CREATED withdrawals whose verification window elapsed
func (s *Service) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	expired := 0
	for {
		stale, err := s.ledger.ListStale(ctx, entities.ActionWithdraw, entities.EntryStatusCreated, cutoff, staleBatchSize)
		if err != nil {
			return expired, fmt.Errorf("list stale withdrawals: %w", err)
		}
		progressed := 0
		for _, e := range stale {
			if _, err := s.Cancel(ctx, e.ID, expiryActor); err != nil {
				if domainerrors.IsConflict(err) {
					// verified while we were looking
					continue
				}
				return expired, err
			}
			progressed++
			expired++
		}
		if len(stale) < staleBatchSize || progressed == 0 {
			break
		}
	}
	if expired > 0 {
		s.logger.Info("Expired unverified withdrawals", "count", expired, "cutoff", cutoff)
	}
	return expired, nil
}

// RequeueUnsettled re-enqueues ACCEPTED withdrawals that are cleared for
// settlement but still not terminal, for example after a lost enqueue
func (s *Service) RequeueUnsettled(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := s.ledger.ListStale(ctx, entities.ActionWithdraw, entities.EntryStatusAccepted, s.now().Add(-olderThan), staleBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unsettled withdrawals: %w", err)
	}
	n := 0
	for _, e := range stale {
		if AwaitingApproval(e) {
			continue
		}
		if err := s.enqueueSettlement(ctx, e.ID); err != nil {
			s.logger.Error("Failed to requeue settlement", "entry_id", e.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Get loads a withdrawal entry
func (s *Service) Get(ctx context.Context, entryID uuid.UUID) (*entities.LedgerEntry, error) {
	return s.loadWithdrawal(ctx, entryID)
}

// AwaitingApproval reports whether an ACCEPTED entry still needs an operator
func AwaitingApproval(e *entities.LedgerEntry) bool {
	return e.ApprovalRequired && e.ApprovedBy == nil
}

func (s *Service) enqueueSettlement(ctx context.Context, entryID uuid.UUID) error {
	if err := s.queue.Enqueue(ctx, TaskSettle, entities.SettlementTask{EntryID: entryID}, s.config.SettlementDelay); err != nil {
		s.logger.Error("Failed to enqueue settlement", "entry_id", entryID, "error", err)
		return domainerrors.UpstreamUnavailableError("settlement queue", err)
	}
	s.logger.Info("Settlement queued", "entry_id", entryID, "delay", s.config.SettlementDelay)
	return nil
}

func (s *Service) loadWithdrawal(ctx context.Context, entryID uuid.UUID) (*entities.LedgerEntry, error) {
	entry, err := s.ledger.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Action != entities.ActionWithdraw {
		return nil, domainerrors.NotFoundError("WITHDRAWAL")
	}
	return entry, nil
}

func (s *Service) loadOwned(ctx context.Context, entryID, customerID uuid.UUID) (*entities.LedgerEntry, error) {
	entry, err := s.loadWithdrawal(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.CustomerID != customerID {
		return nil, domainerrors.ForbiddenError(domainerrors.CodeOwnershipMismatch, "withdrawal belongs to another customer")
	}
	return entry, nil
}
