package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/internal/domain/repositories"
)

// CurrencyStore is an in-memory currency catalog
type CurrencyStore struct {
	mu         sync.RWMutex
	currencies map[string]*entities.Currency
	attributes map[string]*entities.CurrencyAttribute
}

var _ repositories.CurrencyDirectory = (*CurrencyStore)(nil)

func NewCurrencyStore() *CurrencyStore {
	return &CurrencyStore{
		currencies: make(map[string]*entities.Currency),
		attributes: make(map[string]*entities.CurrencyAttribute),
	}
}

// PutCurrency inserts or replaces a currency
func (s *CurrencyStore) PutCurrency(c *entities.Currency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.currencies[c.Code] = &cp
}

// PutAttribute inserts or replaces a currency/chain attribute
func (s *CurrencyStore) PutAttribute(a *entities.CurrencyAttribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.attributes[a.CurrencyCode+"|"+a.ChainCode] = &cp
}

func (s *CurrencyStore) FindByCode(ctx context.Context, code string) (*entities.Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.currencies[code]
	if !ok {
		return nil, domainerrors.NotFoundError("CURRENCY")
	}
	cp := *c
	return &cp, nil
}

func (s *CurrencyStore) FindAttribute(ctx context.Context, currencyCode, chainCode string) (*entities.CurrencyAttribute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attributes[currencyCode+"|"+chainCode]
	if !ok {
		return nil, domainerrors.NotFoundError("CURRENCY_ATTRIBUTE")
	}
	cp := *a
	return &cp, nil
}

// CustomerStore is an in-memory customer directory
type CustomerStore struct {
	mu        sync.RWMutex
	customers map[uuid.UUID]*entities.Customer
}

var _ repositories.CustomerDirectory = (*CustomerStore)(nil)

func NewCustomerStore() *CustomerStore {
	return &CustomerStore{customers: make(map[uuid.UUID]*entities.Customer)}
}

// Put inserts or replaces a customer
func (s *CustomerStore) Put(c *entities.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.customers[c.ID] = &cp
}

func (s *CustomerStore) GetCustomer(ctx context.Context, id uuid.UUID) (*entities.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, domainerrors.NotFoundError("CUSTOMER")
	}
	cp := *c
	return &cp, nil
}

func (s *CustomerStore) GetNode(ctx context.Context, id uuid.UUID) (*entities.SponsorNode, error) {
	c, err := s.GetCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	return &entities.SponsorNode{
		CustomerID:      c.ID,
		SponsorID:       c.SponsorID,
		CommissionLevel: c.CommissionLevel,
		KYCStatus:       c.KYCStatus,
	}, nil
}

func (s *CustomerStore) SetSponsor(ctx context.Context, id uuid.UUID, sponsorID *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return domainerrors.NotFoundError("CUSTOMER")
	}
	if sponsorID == nil {
		c.SponsorID = nil
		return nil
	}
	v := *sponsorID
	c.SponsorID = &v
	return nil
}

func (s *CustomerStore) ListDirectReferrals(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uuid.UUID
	for _, c := range s.customers {
		if c.SponsorID != nil && *c.SponsorID == id {
			out = append(out, c.ID)
		}
	}
	return out, nil
}

// WalletStore is an in-memory wallet registry
type WalletStore struct {
	mu      sync.RWMutex
	wallets map[uuid.UUID]*entities.Wallet
}

var _ repositories.WalletRegistry = (*WalletStore)(nil)

func NewWalletStore() *WalletStore {
	return &WalletStore{wallets: make(map[uuid.UUID]*entities.Wallet)}
}

// Put inserts or replaces a wallet
func (s *WalletStore) Put(w *entities.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	s.wallets[cp.ID] = &cp
}

func (s *WalletStore) find(match func(w *entities.Wallet) bool) *entities.Wallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.wallets {
		if match(w) {
			cp := *w
			return &cp
		}
	}
	return nil
}

func (s *WalletStore) FindByAddress(ctx context.Context, currencyCode, chainCode, address string) (*entities.Wallet, error) {
	return s.find(func(w *entities.Wallet) bool {
		return w.Purpose == entities.WalletPurposeDeposit && w.CurrencyCode == currencyCode &&
			w.ChainCode == chainCode && entities.SameAddress(w.Address, address)
	}), nil
}

func (s *WalletStore) FindCustomerWallet(ctx context.Context, customerID uuid.UUID, currencyCode, chainCode string) (*entities.Wallet, error) {
	w := s.find(func(w *entities.Wallet) bool {
		return w.Purpose == entities.WalletPurposeDeposit && w.CustomerID != nil && *w.CustomerID == customerID &&
			w.CurrencyCode == currencyCode && w.ChainCode == chainCode
	})
	if w == nil {
		return nil, domainerrors.NotFoundError("WALLET")
	}
	return w, nil
}

func (s *WalletStore) FindFundingWallet(ctx context.Context, currencyCode, chainCode string) (*entities.Wallet, error) {
	w := s.find(func(w *entities.Wallet) bool {
		return w.Purpose == entities.WalletPurposeFunding && w.CurrencyCode == currencyCode && w.ChainCode == chainCode
	})
	if w == nil {
		return nil, domainerrors.NotFoundError("FUNDING_WALLET")
	}
	return w, nil
}

func (s *WalletStore) AdjustOnHold(ctx context.Context, walletID uuid.UUID, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return domainerrors.NotFoundError("WALLET")
	}
	w.OnHold = w.OnHold.Add(delta)
	return nil
}

// CommissionRuleStore is an in-memory commission table
type CommissionRuleStore struct {
	mu    sync.RWMutex
	rules []*entities.CommissionRule
}

var _ repositories.CommissionRuleRepository = (*CommissionRuleStore)(nil)

func NewCommissionRuleStore(rules ...*entities.CommissionRule) *CommissionRuleStore {
	s := &CommissionRuleStore{}
	for _, r := range rules {
		s.Put(r)
	}
	return s
}

// Put appends a rule
func (s *CommissionRuleStore) Put(r *entities.CommissionRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	s.rules = append(s.rules, &cp)
}

func (s *CommissionRuleStore) ListByPackage(ctx context.Context, packageID uuid.UUID) ([]*entities.CommissionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*entities.CommissionRule
	for _, r := range s.rules {
		if r.PackageID != nil && *r.PackageID == packageID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *CommissionRuleStore) ListByBonusType(ctx context.Context, bonusType string) ([]*entities.CommissionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*entities.CommissionRule
	for _, r := range s.rules {
		if r.BonusType != nil && *r.BonusType == bonusType {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
