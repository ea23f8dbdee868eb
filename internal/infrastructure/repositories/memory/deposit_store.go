package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/internal/domain/repositories"
)

// PendingDepositStore stages deposit observations in memory
type PendingDepositStore struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*entities.PendingDeposit
	byTxHash map[string]uuid.UUID
	now      func() time.Time
}

var _ repositories.PendingDepositRepository = (*PendingDepositStore)(nil)

// NewPendingDepositStore creates an empty store
func NewPendingDepositStore() *PendingDepositStore {
	return &PendingDepositStore{
		byID:     make(map[uuid.UUID]*entities.PendingDeposit),
		byTxHash: make(map[string]uuid.UUID),
		now:      time.Now,
	}
}

// SetClock overrides the time source
func (s *PendingDepositStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func stageKey(txHash, currency string) string {
	return txHash + "|" + currency
}

func (s *PendingDepositStore) Stage(ctx context.Context, deposit *entities.PendingDeposit) (*entities.PendingDeposit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := stageKey(deposit.TxHash, deposit.CurrencyCode)
	if id, ok := s.byTxHash[k]; ok {
		existing := *s.byID[id]
		return &existing, false, nil
	}

	rec := *deposit
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := s.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.byID[rec.ID] = &rec
	s.byTxHash[k] = rec.ID

	out := rec
	return &out, true, nil
}

func (s *PendingDepositStore) GetByID(ctx context.Context, id uuid.UUID) (*entities.PendingDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, domainerrors.NotFoundError("PENDING_DEPOSIT")
	}
	out := *rec
	return &out, nil
}

func (s *PendingDepositStore) Claim(ctx context.Context, id uuid.UUID, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return false, domainerrors.NotFoundError("PENDING_DEPOSIT")
	}
	now := s.now()
	if rec.CompletedAt != nil {
		return false, nil
	}
	if rec.Processing && now.Sub(rec.UpdatedAt) < lease {
		return false, nil
	}
	rec.Processing = true
	rec.Attempts++
	rec.UpdatedAt = now
	return true, nil
}

func (s *PendingDepositStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return domainerrors.NotFoundError("PENDING_DEPOSIT")
	}
	now := s.now()
	rec.Processing = false
	rec.CompletedAt = &now
	rec.LastError = nil
	rec.UpdatedAt = now
	return nil
}

func (s *PendingDepositStore) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return domainerrors.NotFoundError("PENDING_DEPOSIT")
	}
	rec.Processing = false
	rec.LastError = &reason
	rec.UpdatedAt = s.now()
	return nil
}

func (s *PendingDepositStore) ListIncomplete(ctx context.Context, createdBefore time.Time, limit int) ([]*entities.PendingDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entities.PendingDeposit
	for _, rec := range s.byID {
		if rec.CompletedAt == nil && rec.CreatedAt.Before(createdBefore) {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
