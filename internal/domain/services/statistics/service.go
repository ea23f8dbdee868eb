// Package statistics maintains monthly referral rollups per customer.
//
// Every record operation has an exact inverse so that a customer's
// contribution can be moved from one sponsor chain to another.
package statistics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/internal/domain/repositories"
	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/metrics"
)

const (
	defaultEpochYear  = 2023
	defaultEpochMonth = 2
)

// ChainResolver resolves a customer's own node and ancestry
type ChainResolver interface {
	Node(ctx context.Context, customerID uuid.UUID) (*entities.SponsorNode, error)
	Chain(ctx context.Context, customerID uuid.UUID) (entities.SponsorChain, error)
}

// SponsorDirectory edits the referral tree
type SponsorDirectory interface {
	SetSponsor(ctx context.Context, id uuid.UUID, sponsorID *uuid.UUID) error
	ListDirectReferrals(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
}

// Config holds the read-path epoch
type Config struct {
	// Periods strictly before EpochMonth/EpochYear read as zero
	EpochYear  int
	EpochMonth int
}

// Service updates and reads statistic periods
type Service struct {
	repo      repositories.StatisticsRepository
	chains    ChainResolver
	directory SponsorDirectory
	epoch     entities.Period
	now       func() time.Time
	logger    *logger.Logger
}

// NewService creates the aggregator
func NewService(repo repositories.StatisticsRepository, chains ChainResolver, directory SponsorDirectory, config Config, logger *logger.Logger) *Service {
	if config.EpochYear == 0 {
		config.EpochYear = defaultEpochYear
	}
	if config.EpochMonth == 0 {
		config.EpochMonth = defaultEpochMonth
	}
	return &Service{
		repo:      repo,
		chains:    chains,
		directory: directory,
		epoch:     entities.Period{Month: config.EpochMonth, Year: config.EpochYear},
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock overrides the time source used for the default period
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Epoch returns the first period reported with stored values
func (s *Service) Epoch() entities.Period {
	return s.epoch
}

func (s *Service) resolvePeriod(period *entities.Period) (entities.Period, error) {
	if period == nil {
		return entities.PeriodOf(s.now()), nil
	}
	if err := period.Validate(); err != nil {
		return entities.Period{}, domainerrors.ValidationError("period", err.Error())
	}
	return *period, nil
}

// RecordActivation counts a newly active member for every ancestor
func (s *Service) RecordActivation(ctx context.Context, customerID uuid.UUID, period *entities.Period) error {
	return s.recordActivation(ctx, customerID, period, 1)
}

// RemoveActivation is the exact inverse of RecordActivation
func (s *Service) RemoveActivation(ctx context.Context, customerID uuid.UUID, period *entities.Period) error {
	return s.recordActivation(ctx, customerID, period, -1)
}

func (s *Service) recordActivation(ctx context.Context, customerID uuid.UUID, period *entities.Period, sign int64) error {
	p, err := s.resolvePeriod(period)
	if err != nil {
		return err
	}
	chain, err := s.chains.Chain(ctx, customerID)
	if err != nil {
		return fmt.Errorf("resolve sponsor chain: %w", err)
	}

	contribution := entities.StatisticContribution{CustomerID: customerID, Month: p.Month, Year: p.Year, Activations: sign}
	if err := s.record(ctx, "activation", contribution, activationUpdates(chain, p, sign)); err != nil {
		return err
	}

	s.logger.Debug("Activation recorded",
		"customer_id", customerID,
		"period", p.String(),
		"sign", sign,
		"ancestors", len(chain))
	return nil
}

// RecordVolume attributes investment volume to every ancestor, to the direct
// sponsor, and to each ancestor that raises the commission level seen so far
func (s *Service) RecordVolume(ctx context.Context, customerID uuid.UUID, amountUSD decimal.Decimal, period *entities.Period) error {
	return s.recordVolume(ctx, customerID, amountUSD, period)
}

// RemoveVolume is the exact inverse of RecordVolume
func (s *Service) RemoveVolume(ctx context.Context, customerID uuid.UUID, amountUSD decimal.Decimal, period *entities.Period) error {
	return s.recordVolume(ctx, customerID, amountUSD.Neg(), period)
}

func (s *Service) recordVolume(ctx context.Context, customerID uuid.UUID, amountUSD decimal.Decimal, period *entities.Period) error {
	if amountUSD.IsZero() {
		return nil
	}
	p, err := s.resolvePeriod(period)
	if err != nil {
		return err
	}
	origin, err := s.chains.Node(ctx, customerID)
	if err != nil {
		return err
	}
	chain, err := s.chains.Chain(ctx, customerID)
	if err != nil {
		return fmt.Errorf("resolve sponsor chain: %w", err)
	}

	contribution := entities.StatisticContribution{CustomerID: customerID, Month: p.Month, Year: p.Year, VolumeUSD: amountUSD}
	return s.record(ctx, "volume", contribution, volumeUpdates(origin.CommissionLevel, chain, p, amountUSD))
}

// RecordSelfInvestment adds to the customer's own invested total
func (s *Service) RecordSelfInvestment(ctx context.Context, customerID uuid.UUID, amountUSD decimal.Decimal, period *entities.Period) error {
	if !amountUSD.IsPositive() {
		return domainerrors.ValidationError("amount_usd", "amount must be positive")
	}
	p, err := s.resolvePeriod(period)
	if err != nil {
		return err
	}
	return s.apply(ctx, "self_investment", []repositories.StatisticUpdate{{
		CustomerID: customerID,
		Period:     p,
		Delta:      entities.StatisticDelta{SelfInvestedUSD: amountUSD},
	}})
}

// record applies updates and remembers them as the contributor's
// attributions. The contribution is stored even when the chain is empty so a
// later move can replay it.
func (s *Service) record(ctx context.Context, kind string, contribution entities.StatisticContribution, updates []repositories.StatisticUpdate) error {
	if err := s.repo.RecordContribution(ctx, contribution, updates); err != nil {
		return fmt.Errorf("record %s: %w", kind, err)
	}
	metrics.StatisticsUpdatesTotal.WithLabelValues(kind).Add(float64(len(updates)))
	return nil
}

func (s *Service) apply(ctx context.Context, kind string, updates []repositories.StatisticUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if err := s.repo.ApplyDeltas(ctx, updates); err != nil {
		return fmt.Errorf("apply %s deltas: %w", kind, err)
	}
	metrics.StatisticsUpdatesTotal.WithLabelValues(kind).Add(float64(len(updates)))
	return nil
}

// activationUpdates counts a member for every ancestor and a direct
// referral for floor 1
func activationUpdates(chain entities.SponsorChain, p entities.Period, sign int64) []repositories.StatisticUpdate {
	updates := make([]repositories.StatisticUpdate, 0, len(chain))
	for _, a := range chain {
		d := entities.StatisticDelta{RefCountMember: sign}
		if a.Floor == 1 {
			d.RefCountDirect = sign
		}
		updates = append(updates, repositories.StatisticUpdate{CustomerID: a.CustomerID, Period: p, Delta: d})
	}
	return updates
}

// volumeUpdates builds the per-ancestor volume deltas. The breakdown walk
// starts at the originating customer's level and credits an ancestor only
// when its level is strictly above every level seen below it.
func volumeUpdates(originLevel int, chain entities.SponsorChain, p entities.Period, amountUSD decimal.Decimal) []repositories.StatisticUpdate {
	updates := make([]repositories.StatisticUpdate, 0, len(chain))
	levelCurrent := originLevel
	for _, a := range chain {
		d := entities.StatisticDelta{RefVolumeUSD: amountUSD}
		if a.Floor == 1 {
			d.RefVolumeDirectUSD = amountUSD
		}
		if a.CommissionLevel > levelCurrent {
			d.RefVolumeBreakdownUSD = amountUSD
			levelCurrent = a.CommissionLevel
		}
		updates = append(updates, repositories.StatisticUpdate{CustomerID: a.CustomerID, Period: p, Delta: d})
	}
	return updates
}

// GetPeriod reads one period. Missing rows and rows before the epoch read as zero.
func (s *Service) GetPeriod(ctx context.Context, customerID uuid.UUID, month, year int) (*entities.StatisticPeriod, error) {
	p := entities.Period{Month: month, Year: year}
	if err := p.Validate(); err != nil {
		return nil, domainerrors.ValidationError("period", err.Error())
	}
	row, err := s.repo.Get(ctx, customerID, p)
	if err != nil {
		return nil, fmt.Errorf("get statistic period: %w", err)
	}
	if row == nil {
		row = &entities.StatisticPeriod{CustomerID: customerID, Month: month, Year: year}
	}
	return s.present(row), nil
}

// ListPeriods returns every stored period of a customer, oldest first
func (s *Service) ListPeriods(ctx context.Context, customerID uuid.UUID) ([]*entities.StatisticPeriod, error) {
	rows, err := s.repo.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list statistic periods: %w", err)
	}
	for i, row := range rows {
		rows[i] = s.present(row)
	}
	return rows, nil
}

func (s *Service) present(row *entities.StatisticPeriod) *entities.StatisticPeriod {
	if row.Period().Before(s.epoch) {
		return row.Zeroed()
	}
	return row
}

// Reparent moves customerID (and its whole subtree) under newSponsorID.
// The sponsor edge is changed first. Then, in one repository call, every
// member's stored attributions are subtracted from the recipients they were
// applied to and the member's contributions are replayed under the new chain
// in their original periods. If the replay cannot be built or stored the
// old sponsor is restored. A nil newSponsorID detaches the customer.
func (s *Service) Reparent(ctx context.Context, customerID uuid.UUID, newSponsorID *uuid.UUID) error {
	members, err := s.subtree(ctx, customerID)
	if err != nil {
		return err
	}
	if newSponsorID != nil {
		if _, inside := members[*newSponsorID]; inside {
			return domainerrors.ValidationError("sponsor_id", "new sponsor is inside the moved subtree")
		}
		if _, err := s.chains.Node(ctx, *newSponsorID); err != nil {
			return err
		}
	}
	mover, err := s.chains.Node(ctx, customerID)
	if err != nil {
		return err
	}

	contributors := make([]uuid.UUID, 0, len(members))
	contributions := make(map[uuid.UUID][]*entities.StatisticContribution, len(members))
	for id := range members {
		contributors = append(contributors, id)
		list, err := s.repo.ListContributions(ctx, id)
		if err != nil {
			return fmt.Errorf("list contributions of %s: %w", id, err)
		}
		if len(list) > 0 {
			contributions[id] = list
		}
	}

	if err := s.directory.SetSponsor(ctx, customerID, newSponsorID); err != nil {
		return fmt.Errorf("set sponsor: %w", err)
	}

	replay, err := s.replay(ctx, contributions)
	if err == nil {
		err = s.repo.ReassignContributions(ctx, contributors, replay)
	}
	if err != nil {
		s.restoreSponsor(ctx, customerID, mover.SponsorID)
		return fmt.Errorf("reassign statistics: %w", err)
	}
	metrics.StatisticsUpdatesTotal.WithLabelValues("reparent").Add(float64(len(replay)))

	s.logger.Info("Customer re-parented",
		"customer_id", customerID,
		"new_sponsor_id", newSponsorID,
		"subtree_size", len(members),
		"contributors", len(contributions))
	return nil
}

// replay computes the attributions every contribution produces under the
// sponsor chains as they are now
func (s *Service) replay(ctx context.Context, contributions map[uuid.UUID][]*entities.StatisticContribution) ([]repositories.StatisticAttribution, error) {
	var out []repositories.StatisticAttribution
	for id, list := range contributions {
		origin, err := s.chains.Node(ctx, id)
		if err != nil {
			return nil, err
		}
		chain, err := s.chains.Chain(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve sponsor chain: %w", err)
		}
		var updates []repositories.StatisticUpdate
		for _, c := range list {
			if c.Activations != 0 {
				updates = append(updates, activationUpdates(chain, c.Period(), c.Activations)...)
			}
			if !c.VolumeUSD.IsZero() {
				updates = append(updates, volumeUpdates(origin.CommissionLevel, chain, c.Period(), c.VolumeUSD)...)
			}
		}
		for _, u := range updates {
			out = append(out, repositories.StatisticAttribution{ContributorID: id, StatisticUpdate: u})
		}
	}
	return out, nil
}

func (s *Service) restoreSponsor(ctx context.Context, customerID uuid.UUID, sponsorID *uuid.UUID) {
	if err := s.directory.SetSponsor(ctx, customerID, sponsorID); err != nil {
		s.logger.Error("Failed to restore sponsor after statistics reassignment failure",
			"customer_id", customerID,
			"sponsor_id", sponsorID,
			"error", err)
	}
}

// subtree collects customerID and every descendant breadth first
func (s *Service) subtree(ctx context.Context, customerID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	members := map[uuid.UUID]struct{}{customerID: {}}
	queue := []uuid.UUID{customerID}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := queue[0]
		queue = queue[1:]
		children, err := s.directory.ListDirectReferrals(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list referrals of %s: %w", id, err)
		}
		for _, child := range children {
			if _, seen := members[child]; seen {
				s.logger.Error("Referral cycle detected", "customer_id", child)
				continue
			}
			members[child] = struct{}{}
			queue = append(queue, child)
		}
	}
	return members, nil
}
