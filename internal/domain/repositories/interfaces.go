package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
)

// ErrStatusConflict is returned by a status transition whose expected
// current status no longer holds
var ErrStatusConflict = errors.New("entry status changed concurrently")

// EntryBuilder derives a new entry from the latest entry on its balance chain.
// latest is nil when the chain is empty. Returning an error aborts the whole batch.
type EntryBuilder func(latest *entities.LedgerEntry) (*entities.LedgerEntry, error)

// ChainReader reads balance chains from inside a locked append, so what it
// returns cannot change before the batch commits
type ChainReader interface {
	FindPending(ctx context.Context, key entities.BalanceKey) (*entities.LedgerEntry, error)
	DailyWithdrawUsage(ctx context.Context, key entities.BalanceKey, since time.Time, excludeID *uuid.UUID) (entities.DailyUsage, error)
}

// ChainGuard runs once the batch's chains are locked and before any entry is
// built. Returning an error aborts the whole batch.
type ChainGuard func(ctx context.Context, chain ChainReader) error

// AppendOp appends one entry to the chain identified by Key. Guard is optional.
type AppendOp struct {
	Key   entities.BalanceKey
	Build EntryBuilder
	Guard ChainGuard
}

// StatusPatch carries the mutable withdrawal bookkeeping fields
type StatusPatch struct {
	TxHash           *string
	ApprovalRequired *bool
	ApprovedBy       *string
}

// StatusTransition is a compare-and-set on an entry's status
type StatusTransition struct {
	EntryID uuid.UUID
	From    []entities.EntryStatus
	To      entities.EntryStatus
	Patch   StatusPatch
}

// Allows reports whether current satisfies the transition's precondition
func (t StatusTransition) Allows(current entities.EntryStatus) bool {
	for _, s := range t.From {
		if s == current {
			return true
		}
	}
	return false
}

// LedgerRepository persists balance chains. AppendEntries is the only way
// entries are created; it serializes writers per (customer, currency) key.
type LedgerRepository interface {
	// AppendEntries locks every key in sorted order, runs op guards, applies
	// transitions, then builds and persists the entries in op order. Builders see entries added
	// earlier in the same batch. Either everything is written or nothing is.
	AppendEntries(ctx context.Context, ops []AppendOp, transitions ...StatusTransition) ([]*entities.LedgerEntry, error)
	// Transition applies status transitions without appending entries
	Transition(ctx context.Context, transitions ...StatusTransition) ([]*entities.LedgerEntry, error)

	Latest(ctx context.Context, key entities.BalanceKey) (*entities.LedgerEntry, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entities.LedgerEntry, error)
	FindPending(ctx context.Context, key entities.BalanceKey) (*entities.LedgerEntry, error)
	ExistsByTxHash(ctx context.Context, txHash string, action *entities.LedgerAction) (bool, error)
	ListByKey(ctx context.Context, key entities.BalanceKey, limit, offset int) ([]*entities.LedgerEntry, error)
	ListByRelatedOrder(ctx context.Context, relatedOrderID string) ([]*entities.LedgerEntry, error)
	CountByAction(ctx context.Context, customerID uuid.UUID, action entities.LedgerAction) (int, error)
	// DailyWithdrawUsage sums WITHDRAW entries created at or after since that
	// were not failed or canceled, optionally excluding one entry
	DailyWithdrawUsage(ctx context.Context, key entities.BalanceKey, since time.Time, excludeID *uuid.UUID) (entities.DailyUsage, error)
	ListStale(ctx context.Context, action entities.LedgerAction, status entities.EntryStatus, createdBefore time.Time, limit int) ([]*entities.LedgerEntry, error)
}

// PendingDepositRepository stages deposit observations
type PendingDepositRepository interface {
	// Stage inserts the record unless (tx_hash, currency_code) already exists,
	// in which case the existing record is returned with created=false
	Stage(ctx context.Context, deposit *entities.PendingDeposit) (*entities.PendingDeposit, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entities.PendingDeposit, error)
	// Claim sets the processing flag unless another worker holds a fresh claim
	Claim(ctx context.Context, id uuid.UUID, lease time.Duration) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	RecordFailure(ctx context.Context, id uuid.UUID, reason string) error
	ListIncomplete(ctx context.Context, createdBefore time.Time, limit int) ([]*entities.PendingDeposit, error)
}

// StatisticUpdate adds Delta to one customer's period row
type StatisticUpdate struct {
	CustomerID uuid.UUID
	Period     entities.Period
	Delta      entities.StatisticDelta
}

// StatisticAttribution is the delta one contributor's activity added to
// one recipient's period row
type StatisticAttribution struct {
	ContributorID uuid.UUID
	StatisticUpdate
}

// StatisticsRepository persists monthly rollups
type StatisticsRepository interface {
	// ApplyDeltas upserts every update in one unit of work
	ApplyDeltas(ctx context.Context, updates []StatisticUpdate) error
	// RecordContribution applies updates, adds them to the contributor's
	// attributions and adds the contribution, in one unit of work
	RecordContribution(ctx context.Context, contribution entities.StatisticContribution, updates []StatisticUpdate) error
	// ReassignContributions reverses and drops every stored attribution of
	// the contributors, then applies and stores replay, in one unit of work
	ReassignContributions(ctx context.Context, contributors []uuid.UUID, replay []StatisticAttribution) error
	Get(ctx context.Context, customerID uuid.UUID, period entities.Period) (*entities.StatisticPeriod, error)
	ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]*entities.StatisticPeriod, error)
	ListContributions(ctx context.Context, customerID uuid.UUID) ([]*entities.StatisticContribution, error)
	ListAttributions(ctx context.Context, contributorID uuid.UUID) ([]StatisticAttribution, error)
}

// CommissionRuleRepository reads commission tables
type CommissionRuleRepository interface {
	ListByPackage(ctx context.Context, packageID uuid.UUID) ([]*entities.CommissionRule, error)
	ListByBonusType(ctx context.Context, bonusType string) ([]*entities.CommissionRule, error)
}

// CurrencyDirectory is the currency catalog
type CurrencyDirectory interface {
	FindByCode(ctx context.Context, code string) (*entities.Currency, error)
	FindAttribute(ctx context.Context, currencyCode, chainCode string) (*entities.CurrencyAttribute, error)
}

// CustomerDirectory owns customers and the sponsor edges between them
type CustomerDirectory interface {
	GetCustomer(ctx context.Context, id uuid.UUID) (*entities.Customer, error)
	GetNode(ctx context.Context, id uuid.UUID) (*entities.SponsorNode, error)
	SetSponsor(ctx context.Context, id uuid.UUID, sponsorID *uuid.UUID) error
	ListDirectReferrals(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
}

// WalletRegistry resolves on-chain addresses
type WalletRegistry interface {
	// FindByAddress returns nil, nil when the address is unknown
	FindByAddress(ctx context.Context, currencyCode, chainCode, address string) (*entities.Wallet, error)
	FindCustomerWallet(ctx context.Context, customerID uuid.UUID, currencyCode, chainCode string) (*entities.Wallet, error)
	FindFundingWallet(ctx context.Context, currencyCode, chainCode string) (*entities.Wallet, error)
	AdjustOnHold(ctx context.Context, walletID uuid.UUID, delta decimal.Decimal) error
}
