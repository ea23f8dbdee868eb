// Package memory holds in-process implementations of the domain repositories.
// They back the unit tests and the "memory" storage driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/internal/domain/repositories"
)

// LedgerStore keeps balance chains in memory. Writers for the same key are
// serialized by a per-key mutex; different keys build concurrently.
type LedgerStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entities.LedgerEntry
	chains  map[string][]*entities.LedgerEntry
	seq     int64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

var _ repositories.LedgerRepository = (*LedgerStore)(nil)

// NewLedgerStore creates an empty store
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		entries: make(map[uuid.UUID]*entities.LedgerEntry),
		chains:  make(map[string][]*entities.LedgerEntry),
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// SetClock overrides the time source used for created_at stamps
func (s *LedgerStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *LedgerStore) keyLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if _, ok := s.locks[key]; !ok {
		s.locks[key] = &sync.Mutex{}
	}
	return s.locks[key]
}

// lockKeys acquires the mutex of every key in sorted order and returns the unlock func
func (s *LedgerStore) lockKeys(keys map[string]struct{}) func() {
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	held := make([]*sync.Mutex, 0, len(ordered))
	for _, k := range ordered {
		m := s.keyLock(k)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (s *LedgerStore) AppendEntries(ctx context.Context, ops []repositories.AppendOp, transitions ...repositories.StatusTransition) ([]*entities.LedgerEntry, error) {
	appended, _, err := s.apply(ctx, ops, transitions)
	return appended, err
}

func (s *LedgerStore) Transition(ctx context.Context, transitions ...repositories.StatusTransition) ([]*entities.LedgerEntry, error) {
	_, updated, err := s.apply(ctx, nil, transitions)
	return updated, err
}

func (s *LedgerStore) apply(ctx context.Context, ops []repositories.AppendOp, transitions []repositories.StatusTransition) ([]*entities.LedgerEntry, []*entities.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	keys := make(map[string]struct{}, len(ops)+len(transitions))
	for _, op := range ops {
		keys[op.Key.String()] = struct{}{}
	}

	s.mu.RLock()
	for _, t := range transitions {
		e, ok := s.entries[t.EntryID]
		if !ok {
			s.mu.RUnlock()
			return nil, nil, domainerrors.NotFoundError("LEDGER_ENTRY")
		}
		keys[keyOf(e).String()] = struct{}{}
	}
	s.mu.RUnlock()

	unlock := s.lockKeys(keys)
	defer unlock()

	// guards read through the store's own locked accessors
	for _, op := range ops {
		if op.Guard == nil {
			continue
		}
		if err := op.Guard(ctx, s); err != nil {
			return nil, nil, err
		}
	}

	s.mu.RLock()
	for _, t := range transitions {
		current := s.entries[t.EntryID].Status
		if !t.Allows(current) {
			s.mu.RUnlock()
			return nil, nil, fmt.Errorf("%w: entry %s is %s", repositories.ErrStatusConflict, t.EntryID, current)
		}
	}
	working := make(map[string]*entities.LedgerEntry, len(ops))
	for _, op := range ops {
		k := op.Key.String()
		if _, seen := working[k]; seen {
			continue
		}
		if chain := s.chains[k]; len(chain) > 0 {
			working[k] = cloneEntry(chain[len(chain)-1])
		} else {
			working[k] = nil
		}
	}
	now := s.now()
	s.mu.RUnlock()

	built := make([]*entities.LedgerEntry, 0, len(ops))
	for _, op := range ops {
		k := op.Key.String()
		e, err := op.Build(working[k])
		if err != nil {
			return nil, nil, err
		}
		if e.CustomerID != op.Key.CustomerID || e.CurrencyCode != op.Key.CurrencyCode {
			return nil, nil, fmt.Errorf("built entry does not belong to chain %s", k)
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.CreatedAt = now
		e.UpdatedAt = now
		working[k] = e
		built = append(built, e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range built {
		if e.Action == entities.ActionDeposit && s.hasTxHashLocked(e.ExternalTxHash, e.Action) {
			return nil, nil, domainerrors.DuplicateEventError(e.ExternalTxHash, string(e.Action))
		}
	}

	updated := make([]*entities.LedgerEntry, 0, len(transitions))
	for _, t := range transitions {
		e := s.entries[t.EntryID]
		e.Status = t.To
		if t.Patch.TxHash != nil {
			e.ExternalTxHash = *t.Patch.TxHash
		}
		if t.Patch.ApprovalRequired != nil {
			e.ApprovalRequired = *t.Patch.ApprovalRequired
		}
		if t.Patch.ApprovedBy != nil {
			by := *t.Patch.ApprovedBy
			e.ApprovedBy = &by
		}
		e.UpdatedAt = now
		updated = append(updated, cloneEntry(e))
	}

	appended := make([]*entities.LedgerEntry, 0, len(built))
	for _, e := range built {
		s.seq++
		e.Sequence = s.seq
		k := keyOf(e).String()
		s.chains[k] = append(s.chains[k], e)
		s.entries[e.ID] = e
		appended = append(appended, cloneEntry(e))
	}
	return appended, updated, nil
}

func (s *LedgerStore) hasTxHashLocked(txHash string, action entities.LedgerAction) bool {
	for _, e := range s.entries {
		if e.ExternalTxHash == txHash && e.Action == action {
			return true
		}
	}
	return false
}

func (s *LedgerStore) Latest(ctx context.Context, key entities.BalanceKey) (*entities.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[key.String()]
	if len(chain) == 0 {
		return nil, nil
	}
	return cloneEntry(chain[len(chain)-1]), nil
}

func (s *LedgerStore) GetByID(ctx context.Context, id uuid.UUID) (*entities.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, domainerrors.NotFoundError("LEDGER_ENTRY")
	}
	return cloneEntry(e), nil
}

func (s *LedgerStore) FindPending(ctx context.Context, key entities.BalanceKey) (*entities.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[key.String()]
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].IsPending() {
			return cloneEntry(chain[i]), nil
		}
	}
	return nil, nil
}

func (s *LedgerStore) ExistsByTxHash(ctx context.Context, txHash string, action *entities.LedgerAction) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ExternalTxHash != txHash {
			continue
		}
		if action == nil || e.Action == *action {
			return true, nil
		}
	}
	return false, nil
}

func (s *LedgerStore) ListByKey(ctx context.Context, key entities.BalanceKey, limit, offset int) ([]*entities.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[key.String()]
	if offset >= len(chain) {
		return []*entities.LedgerEntry{}, nil
	}
	end := len(chain)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*entities.LedgerEntry, 0, end-offset)
	for _, e := range chain[offset:end] {
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func (s *LedgerStore) ListByRelatedOrder(ctx context.Context, relatedOrderID string) ([]*entities.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*entities.LedgerEntry
	for _, e := range s.entries {
		if e.RelatedOrderID != nil && *e.RelatedOrderID == relatedOrderID {
			out = append(out, cloneEntry(e))
		}
	}
	sortBySequence(out)
	return out, nil
}

func (s *LedgerStore) CountByAction(ctx context.Context, customerID uuid.UUID, action entities.LedgerAction) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.CustomerID == customerID && e.Action == action {
			n++
		}
	}
	return n, nil
}

func (s *LedgerStore) DailyWithdrawUsage(ctx context.Context, key entities.BalanceKey, since time.Time, excludeID *uuid.UUID) (entities.DailyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	usage := entities.DailyUsage{}
	for _, e := range s.chains[key.String()] {
		if e.Action != entities.ActionWithdraw || e.CreatedAt.Before(since) {
			continue
		}
		if e.Status == entities.EntryStatusFail || e.Status == entities.EntryStatusCanceled {
			continue
		}
		if excludeID != nil && e.ID == *excludeID {
			continue
		}
		usage.AmountUSD = usage.AmountUSD.Add(e.AmountUSD)
		usage.Count++
	}
	return usage, nil
}

func (s *LedgerStore) ListStale(ctx context.Context, action entities.LedgerAction, status entities.EntryStatus, createdBefore time.Time, limit int) ([]*entities.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*entities.LedgerEntry
	for _, e := range s.entries {
		if e.Action == action && e.Status == status && e.CreatedAt.Before(createdBefore) {
			out = append(out, cloneEntry(e))
		}
	}
	sortBySequence(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func keyOf(e *entities.LedgerEntry) entities.BalanceKey {
	return entities.BalanceKey{CustomerID: e.CustomerID, CurrencyCode: e.CurrencyCode}
}

func sortBySequence(entries []*entities.LedgerEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
}

func cloneEntry(e *entities.LedgerEntry) *entities.LedgerEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.ChainCode != nil {
		v := *e.ChainCode
		c.ChainCode = &v
	}
	if e.RelatedOrderID != nil {
		v := *e.RelatedOrderID
		c.RelatedOrderID = &v
	}
	if e.ApprovedBy != nil {
		v := *e.ApprovedBy
		c.ApprovedBy = &v
	}
	return &c
}
