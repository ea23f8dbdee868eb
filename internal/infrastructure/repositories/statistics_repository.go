package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainrepo "github.com/rail-service/ledger_engine/internal/domain/repositories"
	"github.com/rail-service/ledger_engine/internal/infrastructure/database"
)

const statisticColumns = `customer_id, month, year, self_invested_usd, ref_count_member, ref_count_direct,
	ref_volume_usd, ref_volume_direct_usd, ref_volume_breakdown_usd, created_at, updated_at`

// StatisticsRepository persists monthly rollups
type StatisticsRepository struct {
	db *sqlx.DB
}

var _ domainrepo.StatisticsRepository = (*StatisticsRepository)(nil)

// NewStatisticsRepository creates a new statistics repository
func NewStatisticsRepository(db *sqlx.DB) *StatisticsRepository {
	return &StatisticsRepository{db: db}
}

// ApplyDeltas upserts every row in one transaction. Counters are added in SQL
// so concurrent writers never lose an increment.
func (r *StatisticsRepository) ApplyDeltas(ctx context.Context, updates []domainrepo.StatisticUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return database.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		return applyDeltas(ctx, tx, updates)
	})
}

// RecordContribution applies the deltas, stores them as the contributor's
// attributions and adds the contribution in one transaction
func (r *StatisticsRepository) RecordContribution(ctx context.Context, contribution entities.StatisticContribution, updates []domainrepo.StatisticUpdate) error {
	return database.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockContributors(ctx, tx, []uuid.UUID{contribution.CustomerID}); err != nil {
			return err
		}
		if err := applyDeltas(ctx, tx, updates); err != nil {
			return err
		}
		attributions := make([]domainrepo.StatisticAttribution, len(updates))
		for i, u := range updates {
			attributions[i] = domainrepo.StatisticAttribution{ContributorID: contribution.CustomerID, StatisticUpdate: u}
		}
		if err := attribute(ctx, tx, attributions); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO statistic_contributions (customer_id, year, month, activations, volume_usd)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (customer_id, year, month) DO UPDATE SET
				activations = statistic_contributions.activations + EXCLUDED.activations,
				volume_usd = statistic_contributions.volume_usd + EXCLUDED.volume_usd`,
			contribution.CustomerID, contribution.Year, contribution.Month, contribution.Activations, contribution.VolumeUSD)
		if err != nil {
			return fmt.Errorf("add contribution: %w", err)
		}
		return nil
	})
}

// ReassignContributions deletes the contributors' attributions, subtracts
// them from the rollups, then applies and stores replay
func (r *StatisticsRepository) ReassignContributions(ctx context.Context, contributors []uuid.UUID, replay []domainrepo.StatisticAttribution) error {
	return database.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockContributors(ctx, tx, contributors); err != nil {
			return err
		}

		var removed []attributionRow
		err := tx.SelectContext(ctx, &removed, `
			DELETE FROM statistic_attributions
			WHERE contributor_id = ANY($1::uuid[])
			RETURNING `+attributionColumns,
			pq.StringArray(uuidStrings(contributors)))
		if err != nil {
			return fmt.Errorf("delete attributions: %w", err)
		}

		reversal := make([]domainrepo.StatisticUpdate, len(removed))
		for i, row := range removed {
			reversal[i] = row.toAttribution().StatisticUpdate
			reversal[i].Delta = reversal[i].Delta.Neg()
		}
		if err := applyDeltas(ctx, tx, reversal); err != nil {
			return err
		}

		updates := make([]domainrepo.StatisticUpdate, len(replay))
		for i, a := range replay {
			updates[i] = a.StatisticUpdate
		}
		if err := applyDeltas(ctx, tx, updates); err != nil {
			return err
		}
		return attribute(ctx, tx, replay)
	})
}

func (r *StatisticsRepository) ListAttributions(ctx context.Context, contributorID uuid.UUID) ([]domainrepo.StatisticAttribution, error) {
	var rows []attributionRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+attributionColumns+`
		FROM statistic_attributions
		WHERE contributor_id = $1
		ORDER BY year, month, recipient_id`, contributorID)
	if err != nil {
		return nil, fmt.Errorf("list attributions: %w", err)
	}
	out := make([]domainrepo.StatisticAttribution, len(rows))
	for i, row := range rows {
		out[i] = row.toAttribution()
	}
	return out, nil
}

const attributionColumns = `contributor_id, recipient_id, year, month, ref_count_member, ref_count_direct,
	ref_volume_usd, ref_volume_direct_usd, ref_volume_breakdown_usd`

type attributionRow struct {
	ContributorID         uuid.UUID       `db:"contributor_id"`
	RecipientID           uuid.UUID       `db:"recipient_id"`
	Year                  int             `db:"year"`
	Month                 int             `db:"month"`
	RefCountMember        int64           `db:"ref_count_member"`
	RefCountDirect        int64           `db:"ref_count_direct"`
	RefVolumeUSD          decimal.Decimal `db:"ref_volume_usd"`
	RefVolumeDirectUSD    decimal.Decimal `db:"ref_volume_direct_usd"`
	RefVolumeBreakdownUSD decimal.Decimal `db:"ref_volume_breakdown_usd"`
}

func (a attributionRow) toAttribution() domainrepo.StatisticAttribution {
	return domainrepo.StatisticAttribution{
		ContributorID: a.ContributorID,
		StatisticUpdate: domainrepo.StatisticUpdate{
			CustomerID: a.RecipientID,
			Period:     entities.Period{Month: a.Month, Year: a.Year},
			Delta: entities.StatisticDelta{
				RefCountMember:        a.RefCountMember,
				RefCountDirect:        a.RefCountDirect,
				RefVolumeUSD:          a.RefVolumeUSD,
				RefVolumeDirectUSD:    a.RefVolumeDirectUSD,
				RefVolumeBreakdownUSD: a.RefVolumeBreakdownUSD,
			},
		},
	}
}

// lockContributors serializes record and reassign per contributor. Keys are
// taken in sorted order.
func lockContributors(ctx context.Context, tx *sqlx.Tx, contributors []uuid.UUID) error {
	keys := uuidStrings(contributors)
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "statistics:"+k); err != nil {
			return fmt.Errorf("lock contributor %s: %w", k, err)
		}
	}
	return nil
}

func applyDeltas(ctx context.Context, tx *sqlx.Tx, updates []domainrepo.StatisticUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	query := `
		INSERT INTO statistic_periods (
			customer_id, year, month, self_invested_usd, ref_count_member, ref_count_direct,
			ref_volume_usd, ref_volume_direct_usd, ref_volume_breakdown_usd, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (customer_id, year, month) DO UPDATE SET
			self_invested_usd = statistic_periods.self_invested_usd + EXCLUDED.self_invested_usd,
			ref_count_member = statistic_periods.ref_count_member + EXCLUDED.ref_count_member,
			ref_count_direct = statistic_periods.ref_count_direct + EXCLUDED.ref_count_direct,
			ref_volume_usd = statistic_periods.ref_volume_usd + EXCLUDED.ref_volume_usd,
			ref_volume_direct_usd = statistic_periods.ref_volume_direct_usd + EXCLUDED.ref_volume_direct_usd,
			ref_volume_breakdown_usd = statistic_periods.ref_volume_breakdown_usd + EXCLUDED.ref_volume_breakdown_usd,
			updated_at = EXCLUDED.updated_at`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare statistics upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, u := range updates {
		d := u.Delta
		_, err := stmt.ExecContext(ctx,
			u.CustomerID,
			u.Period.Year,
			u.Period.Month,
			d.SelfInvestedUSD,
			d.RefCountMember,
			d.RefCountDirect,
			d.RefVolumeUSD,
			d.RefVolumeDirectUSD,
			d.RefVolumeBreakdownUSD,
			now,
		)
		if err != nil {
			return fmt.Errorf("upsert statistics for %s %s: %w", u.CustomerID, u.Period, err)
		}
	}
	return nil
}

func attribute(ctx context.Context, tx *sqlx.Tx, attributions []domainrepo.StatisticAttribution) error {
	for _, a := range attributions {
		d := a.Delta
		_, err := tx.ExecContext(ctx, `
			INSERT INTO statistic_attributions (`+attributionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (contributor_id, recipient_id, year, month) DO UPDATE SET
				ref_count_member = statistic_attributions.ref_count_member + EXCLUDED.ref_count_member,
				ref_count_direct = statistic_attributions.ref_count_direct + EXCLUDED.ref_count_direct,
				ref_volume_usd = statistic_attributions.ref_volume_usd + EXCLUDED.ref_volume_usd,
				ref_volume_direct_usd = statistic_attributions.ref_volume_direct_usd + EXCLUDED.ref_volume_direct_usd,
				ref_volume_breakdown_usd = statistic_attributions.ref_volume_breakdown_usd + EXCLUDED.ref_volume_breakdown_usd`,
			a.ContributorID, a.CustomerID, a.Period.Year, a.Period.Month,
			d.RefCountMember, d.RefCountDirect, d.RefVolumeUSD, d.RefVolumeDirectUSD, d.RefVolumeBreakdownUSD)
		if err != nil {
			return fmt.Errorf("store attribution %s -> %s: %w", a.ContributorID, a.CustomerID, err)
		}
	}
	return nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (r *StatisticsRepository) Get(ctx context.Context, customerID uuid.UUID, period entities.Period) (*entities.StatisticPeriod, error) {
	var row entities.StatisticPeriod
	err := r.db.GetContext(ctx, &row,
		`SELECT `+statisticColumns+` FROM statistic_periods WHERE customer_id = $1 AND year = $2 AND month = $3`,
		customerID, period.Year, period.Month)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get statistics: %w", err)
	}
	return &row, nil
}

func (r *StatisticsRepository) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]*entities.StatisticPeriod, error) {
	var rows []*entities.StatisticPeriod
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+statisticColumns+` FROM statistic_periods WHERE customer_id = $1 ORDER BY year, month`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("list statistics: %w", err)
	}
	return rows, nil
}

func (r *StatisticsRepository) ListContributions(ctx context.Context, customerID uuid.UUID) ([]*entities.StatisticContribution, error) {
	var out []*entities.StatisticContribution
	err := r.db.SelectContext(ctx, &out, `
		SELECT customer_id, month, year, activations, volume_usd
		FROM statistic_contributions
		WHERE customer_id = $1
		ORDER BY year, month`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	return out, nil
}
