// Package deposit stages on-chain deposit observations and commits each
// external event to the ledger exactly once.
package deposit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/internal/domain/repositories"
	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/metrics"
	"github.com/rail-service/ledger_engine/pkg/queue"
)

// TaskCommit is the queue task that commits a staged deposit
const TaskCommit = "deposit.commit"

const paymentMethod = "CRYPTO"

// CodeCommitInProgress is returned while another worker holds the stage claim
const CodeCommitInProgress = "DEPOSIT_COMMIT_IN_PROGRESS"

// LedgerWriter is the part of the ledger the pipeline uses
type LedgerWriter interface {
	Append(ctx context.Context, req entities.AppendRequest) (*entities.LedgerEntry, error)
	ExistsByTxHash(ctx context.Context, txHash string, action *entities.LedgerAction) (bool, error)
	FindPending(ctx context.Context, customerID uuid.UUID, currency string) (*entities.LedgerEntry, error)
	CountActions(ctx context.Context, customerID uuid.UUID, action entities.LedgerAction) (int, error)
}

// BonusDispatcher runs system bonus fan-outs off the commit path
type BonusDispatcher interface {
	SubmitBonus(ctx context.Context, trigger entities.BonusTrigger)
}

// Notifier tells the customer about a credited deposit
type Notifier interface {
	DepositCredited(ctx context.Context, entry *entities.LedgerEntry)
}

// DefaultCompensationRate is the divisor that undoes the 1% fee the
// compensated token contract takes on every transfer
var DefaultCompensationRate = decimal.RequireFromString("0.99")

// FeeCompensation divides deposits on one currency/chain pair by Rate to undo
// a transfer fee the source token contract deducts on every transfer
type FeeCompensation struct {
	CurrencyCode string
	ChainCode    string
	Rate         decimal.Decimal
}

// Applies reports whether the pair matches, ignoring case
func (f FeeCompensation) Applies(currency, chain string) bool {
	return f.CurrencyCode != "" && f.Rate.IsPositive() &&
		strings.EqualFold(f.CurrencyCode, currency) && strings.EqualFold(f.ChainCode, chain)
}

// Config tunes the pipeline
type Config struct {
	// CommitDelay is how long a staged deposit waits before the first commit attempt
	CommitDelay time.Duration
	// ClaimLease bounds how long a crashed worker can block a stage record
	ClaimLease        time.Duration
	FeeCompensation   FeeCompensation
	FirstDepositBonus bool
}

// Service implements OBSERVED -> STAGED -> COMMITTED | DUPLICATE
type Service struct {
	ledger     LedgerWriter
	pending    repositories.PendingDepositRepository
	wallets    repositories.WalletRegistry
	currencies repositories.CurrencyDirectory
	queue      queue.Queue
	bonuses    BonusDispatcher
	notifier   Notifier
	config     Config
	logger     *logger.Logger
}

// NewService creates the deposit pipeline
func NewService(
	ledger LedgerWriter,
	pending repositories.PendingDepositRepository,
	wallets repositories.WalletRegistry,
	currencies repositories.CurrencyDirectory,
	q queue.Queue,
	config Config,
	logger *logger.Logger,
) *Service {
	if config.ClaimLease <= 0 {
		config.ClaimLease = 5 * time.Minute
	}
	return &Service{
		ledger:     ledger,
		pending:    pending,
		wallets:    wallets,
		currencies: currencies,
		queue:      q,
		config:     config,
		logger:     logger,
	}
}

// SetBonusDispatcher wires the first-deposit bonus fan-out (optional)
func (s *Service) SetBonusDispatcher(d BonusDispatcher) {
	s.bonuses = d
}

// SetNotifier wires customer notifications (optional)
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Stage records one raw observation and schedules its commit. Observations
// to unknown addresses are logged and dropped: nil, nil is returned.
func (s *Service) Stage(ctx context.Context, obs entities.DepositObservation) (*entities.PendingDeposit, error) {
	obs.CurrencyCode = strings.ToUpper(obs.CurrencyCode)
	obs.ChainCode = strings.ToUpper(obs.ChainCode)
	if err := obs.Validate(); err != nil {
		return nil, domainerrors.ValidationError("deposit", err.Error())
	}

	wallet, err := s.wallets.FindByAddress(ctx, obs.CurrencyCode, obs.ChainCode, obs.ToAddress)
	if err != nil {
		return nil, fmt.Errorf("lookup deposit wallet: %w", err)
	}
	if wallet == nil || wallet.CustomerID == nil {
		s.logger.Warn("Deposit to unknown address dropped",
			"tx_hash", obs.TxHash,
			"currency", obs.CurrencyCode,
			"chain", obs.ChainCode,
			"to_address", obs.ToAddress)
		return nil, nil
	}

	staged, created, err := s.pending.Stage(ctx, &entities.PendingDeposit{
		CustomerID:   *wallet.CustomerID,
		WalletID:     wallet.ID,
		CurrencyCode: obs.CurrencyCode,
		ChainCode:    obs.ChainCode,
		Amount:       obs.Amount,
		TxHash:       obs.TxHash,
		FromAddress:  obs.FromAddress,
		ToAddress:    wallet.Address,
	})
	if err != nil {
		return nil, fmt.Errorf("stage deposit: %w", err)
	}
	if !created && staged.IsCompleted() {
		s.logger.Debug("Deposit observation already committed", "tx_hash", obs.TxHash, "staged_id", staged.ID)
		return staged, nil
	}

	if err := s.queue.Enqueue(ctx, TaskCommit, entities.DepositCommitTask{StagedID: staged.ID}, s.config.CommitDelay); err != nil {
		return nil, fmt.Errorf("enqueue deposit commit: %w", err)
	}

	s.logger.Info("Deposit staged",
		"staged_id", staged.ID,
		"customer_id", staged.CustomerID,
		"tx_hash", staged.TxHash,
		"amount", staged.Amount.String(),
		"new", created)
	return staged, nil
}

// Commit writes the staged deposit to the ledger. It is safe to call any
// number of times for the same stage record.
func (s *Service) Commit(ctx context.Context, stagedID uuid.UUID) (*entities.CommitResult, error) {
	staged, err := s.pending.GetByID(ctx, stagedID)
	if err != nil {
		return nil, err
	}
	if staged.IsCompleted() {
		metrics.DepositCommitsTotal.WithLabelValues("duplicate").Inc()
		return &entities.CommitResult{Outcome: entities.CommitOutcomeDuplicate}, nil
	}

	claimed, err := s.pending.Claim(ctx, stagedID, s.config.ClaimLease)
	if err != nil {
		return nil, fmt.Errorf("claim staged deposit: %w", err)
	}
	if !claimed {
		return nil, domainerrors.ConflictError(CodeCommitInProgress, "deposit commit already in progress")
	}

	result, err := s.commitClaimed(ctx, staged)
	if err != nil {
		metrics.DepositCommitsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		if ferr := s.pending.RecordFailure(ctx, stagedID, err.Error()); ferr != nil {
			s.logger.Error("Failed to record deposit commit failure", "staged_id", stagedID, "error", ferr)
		}
		return nil, err
	}
	metrics.DepositCommitsTotal.WithLabelValues(string(result.Outcome)).Inc()
	return result, nil
}

func (s *Service) commitClaimed(ctx context.Context, staged *entities.PendingDeposit) (*entities.CommitResult, error) {
	action := entities.ActionDeposit
	exists, err := s.ledger.ExistsByTxHash(ctx, staged.TxHash, &action)
	if err != nil {
		return nil, fmt.Errorf("check deposit tx hash: %w", err)
	}
	if exists {
		return s.markDuplicate(ctx, staged)
	}

	if pending, err := s.ledger.FindPending(ctx, staged.CustomerID, staged.CurrencyCode); err != nil {
		return nil, fmt.Errorf("check pending entries: %w", err)
	} else if pending != nil {
		return nil, domainerrors.PendingTransactionError(pending.ID.String())
	}

	currency, err := s.currencies.FindByCode(ctx, staged.CurrencyCode)
	if err != nil {
		return nil, fmt.Errorf("load currency %s: %w", staged.CurrencyCode, err)
	}

	amount := staged.Amount
	if s.config.FeeCompensation.Applies(staged.CurrencyCode, staged.ChainCode) {
		amount = amount.Div(s.config.FeeCompensation.Rate)
	}

	chain := staged.ChainCode
	ref := staged.ID.String()
	entry, err := s.ledger.Append(ctx, entities.AppendRequest{
		CustomerID:     staged.CustomerID,
		CurrencyCode:   staged.CurrencyCode,
		ChainCode:      &chain,
		Action:         entities.ActionDeposit,
		Amount:         amount,
		AmountUSD:      currency.ToUSD(amount),
		PaymentMethod:  paymentMethod,
		TxHash:         staged.TxHash,
		Status:         entities.EntryStatusCompleted,
		RelatedOrderID: &ref,
		FromAddress:    staged.FromAddress,
		ToAddress:      staged.ToAddress,
	})
	if err != nil {
		if domainerrors.IsDuplicateEvent(err) {
			return s.markDuplicate(ctx, staged)
		}
		return nil, err
	}

	if err := s.pending.MarkCompleted(ctx, staged.ID); err != nil {
		// The entry exists, so a redelivery resolves to DUPLICATE
		s.logger.Error("Failed to mark deposit completed", "staged_id", staged.ID, "error", err)
	}

	s.logger.Info("Deposit committed",
		"staged_id", staged.ID,
		"entry_id", entry.ID,
		"customer_id", entry.CustomerID,
		"currency", entry.CurrencyCode,
		"amount", entry.Amount.String(),
		"amount_usd", entry.AmountUSD.String())

	s.afterCommit(ctx, staged, entry)
	return &entities.CommitResult{Outcome: entities.CommitOutcomeCommitted, Entry: entry}, nil
}

func (s *Service) markDuplicate(ctx context.Context, staged *entities.PendingDeposit) (*entities.CommitResult, error) {
	if err := s.pending.MarkCompleted(ctx, staged.ID); err != nil {
		return nil, fmt.Errorf("mark duplicate deposit completed: %w", err)
	}
	s.logger.Info("Duplicate deposit ignored", "staged_id", staged.ID, "tx_hash", staged.TxHash)
	return &entities.CommitResult{Outcome: entities.CommitOutcomeDuplicate}, nil
}

// afterCommit fires the side effects. None of them can undo the commit.
func (s *Service) afterCommit(ctx context.Context, staged *entities.PendingDeposit, entry *entities.LedgerEntry) {
	if err := s.wallets.AdjustOnHold(ctx, staged.WalletID, entry.Amount); err != nil {
		s.logger.Warn("Failed to update wallet on-hold amount", "wallet_id", staged.WalletID, "error", err)
	}

	if s.config.FirstDepositBonus && s.bonuses != nil {
		n, err := s.ledger.CountActions(ctx, entry.CustomerID, entities.ActionDeposit)
		if err != nil {
			s.logger.Warn("Failed to count deposits for first-deposit bonus", "customer_id", entry.CustomerID, "error", err)
		} else if n == 1 {
			s.bonuses.SubmitBonus(ctx, entities.BonusTrigger{
				BonusType:   entities.BonusTypeFirstDeposit,
				CustomerID:  entry.CustomerID,
				BaseUSD:     entry.AmountUSD,
				ReferenceID: entry.ID.String(),
			})
		}
	}

	if s.notifier != nil {
		s.notifier.DepositCredited(ctx, entry)
	}
}

// RequeueStale re-enqueues stage records that never completed, for example
// because the enqueue after staging failed or every delivery was exhausted.
func (s *Service) RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := s.pending.ListIncomplete(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list incomplete deposits: %w", err)
	}
	n := 0
	for _, p := range stale {
		if err := s.queue.Enqueue(ctx, TaskCommit, entities.DepositCommitTask{StagedID: p.ID}, 0); err != nil {
			s.logger.Error("Failed to requeue staged deposit", "staged_id", p.ID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Info("Requeued stale deposits", "count", n)
	}
	return n, nil
}

func outcomeLabel(err error) string {
	switch {
	case domainerrors.IsConflict(err):
		return "conflict"
	default:
		return "error"
	}
}
