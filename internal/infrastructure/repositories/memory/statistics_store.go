package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	"github.com/rail-service/ledger_engine/internal/domain/repositories"
)

type periodKey struct {
	customerID uuid.UUID
	period     entities.Period
}

type attributionKey struct {
	contributorID uuid.UUID
	periodKey
}

// StatisticsStore keeps monthly rollups in memory
type StatisticsStore struct {
	mu            sync.Mutex
	rows          map[periodKey]*entities.StatisticPeriod
	contributions map[periodKey]*entities.StatisticContribution
	attributions  map[attributionKey]entities.StatisticDelta
}

var _ repositories.StatisticsRepository = (*StatisticsStore)(nil)

// NewStatisticsStore creates an empty store
func NewStatisticsStore() *StatisticsStore {
	return &StatisticsStore{
		rows:          make(map[periodKey]*entities.StatisticPeriod),
		contributions: make(map[periodKey]*entities.StatisticContribution),
		attributions:  make(map[attributionKey]entities.StatisticDelta),
	}
}

func (s *StatisticsStore) ApplyDeltas(ctx context.Context, updates []repositories.StatisticUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(updates)
	return nil
}

func (s *StatisticsStore) applyLocked(updates []repositories.StatisticUpdate) {
	now := time.Now()
	for _, u := range updates {
		k := periodKey{customerID: u.CustomerID, period: u.Period}
		row, ok := s.rows[k]
		if !ok {
			row = &entities.StatisticPeriod{
				CustomerID: u.CustomerID,
				Month:      u.Period.Month,
				Year:       u.Period.Year,
				CreatedAt:  now,
			}
			s.rows[k] = row
		}
		row.Apply(u.Delta)
		row.UpdatedAt = now
	}
}

func (s *StatisticsStore) attributeLocked(contributorID uuid.UUID, updates []repositories.StatisticUpdate) {
	for _, u := range updates {
		k := attributionKey{contributorID: contributorID, periodKey: periodKey{customerID: u.CustomerID, period: u.Period}}
		s.attributions[k] = s.attributions[k].Add(u.Delta)
	}
}

func (s *StatisticsStore) RecordContribution(ctx context.Context, contribution entities.StatisticContribution, updates []repositories.StatisticUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyLocked(updates)
	s.attributeLocked(contribution.CustomerID, updates)

	k := periodKey{customerID: contribution.CustomerID, period: contribution.Period()}
	c, ok := s.contributions[k]
	if !ok {
		c = &entities.StatisticContribution{CustomerID: contribution.CustomerID, Month: contribution.Month, Year: contribution.Year}
		s.contributions[k] = c
	}
	c.Activations += contribution.Activations
	c.VolumeUSD = c.VolumeUSD.Add(contribution.VolumeUSD)
	return nil
}

func (s *StatisticsStore) ReassignContributions(ctx context.Context, contributors []uuid.UUID, replay []repositories.StatisticAttribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	moving := make(map[uuid.UUID]struct{}, len(contributors))
	for _, id := range contributors {
		moving[id] = struct{}{}
	}
	var reversal []repositories.StatisticUpdate
	for k, d := range s.attributions {
		if _, ok := moving[k.contributorID]; !ok {
			continue
		}
		reversal = append(reversal, repositories.StatisticUpdate{CustomerID: k.customerID, Period: k.period, Delta: d.Neg()})
		delete(s.attributions, k)
	}
	s.applyLocked(reversal)

	for _, a := range replay {
		s.applyLocked([]repositories.StatisticUpdate{a.StatisticUpdate})
		s.attributeLocked(a.ContributorID, []repositories.StatisticUpdate{a.StatisticUpdate})
	}
	return nil
}

func (s *StatisticsStore) Get(ctx context.Context, customerID uuid.UUID, period entities.Period) (*entities.StatisticPeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[periodKey{customerID: customerID, period: period}]
	if !ok {
		return nil, nil
	}
	c := *row
	return &c, nil
}

func (s *StatisticsStore) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]*entities.StatisticPeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entities.StatisticPeriod
	for k, row := range s.rows {
		if k.customerID == customerID {
			c := *row
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period().Before(out[j].Period()) })
	return out, nil
}

// All returns every stored row
func (s *StatisticsStore) All() []*entities.StatisticPeriod {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entities.StatisticPeriod, 0, len(s.rows))
	for _, row := range s.rows {
		c := *row
		out = append(out, &c)
	}
	return out
}

func (s *StatisticsStore) ListContributions(ctx context.Context, customerID uuid.UUID) ([]*entities.StatisticContribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entities.StatisticContribution
	for k, c := range s.contributions {
		if k.customerID == customerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period().Before(out[j].Period()) })
	return out, nil
}

func (s *StatisticsStore) ListAttributions(ctx context.Context, contributorID uuid.UUID) ([]repositories.StatisticAttribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repositories.StatisticAttribution
	for k, d := range s.attributions {
		if k.contributorID != contributorID {
			continue
		}
		out = append(out, repositories.StatisticAttribution{
			ContributorID:   contributorID,
			StatisticUpdate: repositories.StatisticUpdate{CustomerID: k.customerID, Period: k.period, Delta: d},
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period != out[j].Period {
			return out[i].Period.Before(out[j].Period)
		}
		return out[i].CustomerID.String() < out[j].CustomerID.String()
	})
	return out, nil
}
