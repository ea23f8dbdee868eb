package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/internal/domain/repositories"
	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/metrics"
	"github.com/rail-service/ledger_engine/pkg/tracing"
)

const verifyPageSize = 500

// EventPublisher receives every appended entry. Delivery is best effort.
type EventPublisher interface {
	PublishEntryAppended(ctx context.Context, entry *entities.LedgerEntry) error
}

// Service is the only mutation path for balances. The current balance of a
// (customer, currency) is always the balance_after of its latest entry.
type Service struct {
	repo       repositories.LedgerRepository
	currencies repositories.CurrencyDirectory
	publisher  EventPublisher
	tracer     trace.Tracer
	logger     *logger.Logger
}

// NewService creates a new ledger service
func NewService(repo repositories.LedgerRepository, currencies repositories.CurrencyDirectory, logger *logger.Logger) *Service {
	return &Service{
		repo:       repo,
		currencies: currencies,
		tracer:     tracing.GetTracer("ledger"),
		logger:     logger,
	}
}

// SetEventPublisher wires the appended-entry event stream
func (s *Service) SetEventPublisher(p EventPublisher) {
	s.publisher = p
}

// Append writes a single entry
func (s *Service) Append(ctx context.Context, req entities.AppendRequest) (*entities.LedgerEntry, error) {
	entries, err := s.AppendBatch(ctx, []entities.AppendRequest{req})
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// AppendBatch writes several entries atomically, optionally together with
// status transitions on existing entries. Nothing is written if any debit
// would leave its balance negative.
func (s *Service) AppendBatch(ctx context.Context, reqs []entities.AppendRequest, transitions ...repositories.StatusTransition) ([]*entities.LedgerEntry, error) {
	return s.AppendGuarded(ctx, reqs, nil, transitions...)
}

// AppendGuarded is AppendBatch with a guard that runs while the chain of the
// first request is locked. Checks that must not race other writers of that
// chain belong in the guard.
func (s *Service) AppendGuarded(ctx context.Context, reqs []entities.AppendRequest, guard repositories.ChainGuard, transitions ...repositories.StatusTransition) ([]*entities.LedgerEntry, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.AppendBatch", trace.WithAttributes(attribute.Int("entries", len(reqs))))
	defer span.End()

	if len(reqs) == 0 {
		return nil, domainerrors.ValidationError("entries", "at least one entry is required")
	}

	ops := make([]repositories.AppendOp, 0, len(reqs))
	for i := range reqs {
		req := reqs[i]
		if err := req.Validate(); err != nil {
			return nil, domainerrors.ValidationError("entry", err.Error())
		}
		ops = append(ops, repositories.AppendOp{
			Key:   entities.BalanceKey{CustomerID: req.CustomerID, CurrencyCode: req.CurrencyCode},
			Build: buildEntry(req),
		})
	}
	ops[0].Guard = guard

	start := time.Now()
	entries, err := s.repo.AppendEntries(ctx, ops, transitions...)
	metrics.LedgerAppendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LedgerAppendFailures.WithLabelValues(domainerrors.GetErrorCode(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, repositories.ErrStatusConflict) {
			return nil, domainerrors.ConflictError(domainerrors.CodeInvalidTransition, err.Error())
		}
		return nil, fmt.Errorf("append entries: %w", err)
	}

	for _, e := range entries {
		metrics.LedgerAppendsTotal.WithLabelValues(string(e.Action), string(e.Status)).Inc()
		s.logger.Info("Ledger entry appended",
			"entry_id", e.ID,
			"customer_id", e.CustomerID,
			"currency", e.CurrencyCode,
			"action", e.Action,
			"status", e.Status,
			"amount", e.Amount.String(),
			"balance_after", e.BalanceAfter.String())
		s.publish(ctx, e)
	}
	return entries, nil
}

// buildEntry returns the builder that chains req onto the latest entry
func buildEntry(req entities.AppendRequest) repositories.EntryBuilder {
	return func(latest *entities.LedgerEntry) (*entities.LedgerEntry, error) {
		before := decimal.Zero
		if latest != nil {
			before = latest.BalanceAfter
		}
		delta := entities.SignedAmount(req.Action, req.Amount, req.Fee)
		after := before.Add(delta)
		if req.Action.IsDebit() && after.IsNegative() {
			return nil, domainerrors.InsufficientBalanceError(req.CurrencyCode, before, delta.Neg())
		}
		return &entities.LedgerEntry{
			ID:             req.EntryID,
			CustomerID:     req.CustomerID,
			CurrencyCode:   req.CurrencyCode,
			ChainCode:      req.ChainCode,
			Action:         req.Action,
			Amount:         req.Amount,
			AmountUSD:      req.AmountUSD,
			Fee:            req.Fee,
			BalanceBefore:  before,
			BalanceAfter:   after,
			PaymentMethod:  req.PaymentMethod,
			ExternalTxHash: req.TxHash,
			FromAddress:    req.FromAddress,
			ToAddress:      req.ToAddress,
			RelatedOrderID: req.RelatedOrderID,
			Status:         req.Status,
		}, nil
	}
}

func (s *Service) publish(ctx context.Context, e *entities.LedgerEntry) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishEntryAppended(ctx, e); err != nil {
		s.logger.Warn("Failed to publish ledger entry event", "entry_id", e.ID, "error", err)
	}
}

// Transition applies compare-and-set status changes
func (s *Service) Transition(ctx context.Context, transitions ...repositories.StatusTransition) ([]*entities.LedgerEntry, error) {
	updated, err := s.repo.Transition(ctx, transitions...)
	if err != nil {
		if errors.Is(err, repositories.ErrStatusConflict) {
			return nil, domainerrors.ConflictError(domainerrors.CodeInvalidTransition, err.Error())
		}
		return nil, fmt.Errorf("transition entries: %w", err)
	}
	for _, e := range updated {
		s.logger.Info("Ledger entry status changed", "entry_id", e.ID, "status", e.Status)
	}
	return updated, nil
}

// GetBalance returns the balance_after of the latest entry, or zero
func (s *Service) GetBalance(ctx context.Context, customerID uuid.UUID, currency string) (decimal.Decimal, error) {
	latest, err := s.repo.Latest(ctx, entities.BalanceKey{CustomerID: customerID, CurrencyCode: currency})
	if err != nil {
		return decimal.Zero, fmt.Errorf("get latest entry: %w", err)
	}
	if latest == nil {
		return decimal.Zero, nil
	}
	return latest.BalanceAfter, nil
}

// FindPending returns the in-flight entry for the wallet, if any
func (s *Service) FindPending(ctx context.Context, customerID uuid.UUID, currency string) (*entities.LedgerEntry, error) {
	return s.repo.FindPending(ctx, entities.BalanceKey{CustomerID: customerID, CurrencyCode: currency})
}

// ExistsByTxHash is the idempotency check consulted before every deposit commit
func (s *Service) ExistsByTxHash(ctx context.Context, txHash string, action *entities.LedgerAction) (bool, error) {
	return s.repo.ExistsByTxHash(ctx, txHash, action)
}

// CountActions counts a customer's entries with the given action across all currencies
func (s *Service) CountActions(ctx context.Context, customerID uuid.UUID, action entities.LedgerAction) (int, error) {
	return s.repo.CountByAction(ctx, customerID, action)
}

// Related lists entries whose related_order_id is ref, oldest first
func (s *Service) Related(ctx context.Context, ref string) ([]*entities.LedgerEntry, error) {
	return s.repo.ListByRelatedOrder(ctx, ref)
}

// ListStale returns entries stuck in status since before createdBefore
func (s *Service) ListStale(ctx context.Context, action entities.LedgerAction, status entities.EntryStatus, createdBefore time.Time, limit int) ([]*entities.LedgerEntry, error) {
	return s.repo.ListStale(ctx, action, status, createdBefore, limit)
}

// GetEntry loads one entry
func (s *Service) GetEntry(ctx context.Context, id uuid.UUID) (*entities.LedgerEntry, error) {
	return s.repo.GetByID(ctx, id)
}

// History lists a balance chain in creation order
func (s *Service) History(ctx context.Context, customerID uuid.UUID, currency string, limit, offset int) ([]*entities.LedgerEntry, error) {
	return s.repo.ListByKey(ctx, entities.BalanceKey{CustomerID: customerID, CurrencyCode: currency}, limit, offset)
}

// VerifyChain replays a balance chain and reports the first broken link
func (s *Service) VerifyChain(ctx context.Context, customerID uuid.UUID, currency string) (*entities.ChainViolation, error) {
	key := entities.BalanceKey{CustomerID: customerID, CurrencyCode: currency}
	var all []*entities.LedgerEntry
	for offset := 0; ; offset += verifyPageSize {
		page, err := s.repo.ListByKey(ctx, key, verifyPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list entries: %w", err)
		}
		all = append(all, page...)
		if len(page) < verifyPageSize {
			break
		}
	}

	if v := entities.VerifyBalanceChain(all); v != nil {
		s.logger.Error("Balance chain violation detected",
			"customer_id", customerID,
			"currency", currency,
			"entry_id", v.EntryID,
			"field", v.Field)
		return v, nil
	}
	return nil, nil
}
