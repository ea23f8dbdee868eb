package entities

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Period is a calendar month
type Period struct {
	Month int `json:"month" db:"month"`
	Year  int `json:"year" db:"year"`
}

// PeriodOf returns the UTC calendar month containing t
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Month: int(t.Month()), Year: t.Year()}
}

// Before reports whether p is strictly earlier than other
func (p Period) Before(other Period) bool {
	if p.Year != other.Year {
		return p.Year < other.Year
	}
	return p.Month < other.Month
}

// Validate checks the month is in range
func (p Period) Validate() error {
	if p.Month < 1 || p.Month > 12 {
		return fmt.Errorf("invalid month %d", p.Month)
	}
	if p.Year < 1970 {
		return fmt.Errorf("invalid year %d", p.Year)
	}
	return nil
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// StatisticPeriod is a per-customer monthly rollup
type StatisticPeriod struct {
	CustomerID            uuid.UUID       `json:"customer_id" db:"customer_id"`
	Month                 int             `json:"month" db:"month"`
	Year                  int             `json:"year" db:"year"`
	SelfInvestedUSD       decimal.Decimal `json:"self_invested_usd" db:"self_invested_usd"`
	RefCountMember        int64           `json:"ref_count_member" db:"ref_count_member"`
	RefCountDirect        int64           `json:"ref_count_direct" db:"ref_count_direct"`
	RefVolumeUSD          decimal.Decimal `json:"ref_volume_usd" db:"ref_volume_usd"`
	RefVolumeDirectUSD    decimal.Decimal `json:"ref_volume_direct_usd" db:"ref_volume_direct_usd"`
	RefVolumeBreakdownUSD decimal.Decimal `json:"ref_volume_breakdown_usd" db:"ref_volume_breakdown_usd"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
}

// Period returns the row's calendar month
func (s *StatisticPeriod) Period() Period {
	return Period{Month: s.Month, Year: s.Year}
}

// Apply adds a delta to the counters
func (s *StatisticPeriod) Apply(d StatisticDelta) {
	s.SelfInvestedUSD = s.SelfInvestedUSD.Add(d.SelfInvestedUSD)
	s.RefCountMember += d.RefCountMember
	s.RefCountDirect += d.RefCountDirect
	s.RefVolumeUSD = s.RefVolumeUSD.Add(d.RefVolumeUSD)
	s.RefVolumeDirectUSD = s.RefVolumeDirectUSD.Add(d.RefVolumeDirectUSD)
	s.RefVolumeBreakdownUSD = s.RefVolumeBreakdownUSD.Add(d.RefVolumeBreakdownUSD)
}

// Zeroed returns a copy with every counter cleared
func (s *StatisticPeriod) Zeroed() *StatisticPeriod {
	return &StatisticPeriod{
		CustomerID:            s.CustomerID,
		Month:                 s.Month,
		Year:                  s.Year,
		SelfInvestedUSD:       decimal.Zero,
		RefVolumeUSD:          decimal.Zero,
		RefVolumeDirectUSD:    decimal.Zero,
		RefVolumeBreakdownUSD: decimal.Zero,
		CreatedAt:             s.CreatedAt,
		UpdatedAt:             s.UpdatedAt,
	}
}

// StatisticDelta is an increment (or, negated, a decrement) to a period row
type StatisticDelta struct {
	SelfInvestedUSD       decimal.Decimal
	RefCountMember        int64
	RefCountDirect        int64
	RefVolumeUSD          decimal.Decimal
	RefVolumeDirectUSD    decimal.Decimal
	RefVolumeBreakdownUSD decimal.Decimal
}

// Neg returns the exact inverse of d
func (d StatisticDelta) Neg() StatisticDelta {
	return StatisticDelta{
		SelfInvestedUSD:       d.SelfInvestedUSD.Neg(),
		RefCountMember:        -d.RefCountMember,
		RefCountDirect:        -d.RefCountDirect,
		RefVolumeUSD:          d.RefVolumeUSD.Neg(),
		RefVolumeDirectUSD:    d.RefVolumeDirectUSD.Neg(),
		RefVolumeBreakdownUSD: d.RefVolumeBreakdownUSD.Neg(),
	}
}

// Add returns the sum of d and other
func (d StatisticDelta) Add(other StatisticDelta) StatisticDelta {
	return StatisticDelta{
		SelfInvestedUSD:       d.SelfInvestedUSD.Add(other.SelfInvestedUSD),
		RefCountMember:        d.RefCountMember + other.RefCountMember,
		RefCountDirect:        d.RefCountDirect + other.RefCountDirect,
		RefVolumeUSD:          d.RefVolumeUSD.Add(other.RefVolumeUSD),
		RefVolumeDirectUSD:    d.RefVolumeDirectUSD.Add(other.RefVolumeDirectUSD),
		RefVolumeBreakdownUSD: d.RefVolumeBreakdownUSD.Add(other.RefVolumeBreakdownUSD),
	}
}

// IsZero reports whether applying d would change nothing
func (d StatisticDelta) IsZero() bool {
	return d.SelfInvestedUSD.IsZero() && d.RefCountMember == 0 && d.RefCountDirect == 0 &&
		d.RefVolumeUSD.IsZero() && d.RefVolumeDirectUSD.IsZero() && d.RefVolumeBreakdownUSD.IsZero()
}

// StatisticContribution records what a customer contributed in a period so
// the contribution can be reversed and replayed when the customer moves
type StatisticContribution struct {
	CustomerID  uuid.UUID       `json:"customer_id" db:"customer_id"`
	Month       int             `json:"month" db:"month"`
	Year        int             `json:"year" db:"year"`
	Activations int64           `json:"activations" db:"activations"`
	VolumeUSD   decimal.Decimal `json:"volume_usd" db:"volume_usd"`
}

// Period returns the contribution's calendar month
func (c *StatisticContribution) Period() Period {
	return Period{Month: c.Month, Year: c.Year}
}
