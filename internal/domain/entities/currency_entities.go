package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency is reference data owned by the currency catalog
type Currency struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	Code        string          `json:"code" db:"code"`
	USDRate     decimal.Decimal `json:"usd_rate" db:"usd_rate"`
	MinCrawl    decimal.Decimal `json:"min_crawl" db:"min_crawl"`
	SwapEnabled []string        `json:"swap_enabled" db:"-"`
	SwapFee     decimal.Decimal `json:"swap_fee" db:"swap_fee"`
	Active      bool            `json:"active" db:"active"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// ToUSD converts an amount of this currency into USD
func (c *Currency) ToUSD(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(c.USDRate)
}

// FromUSD converts a USD amount into this currency. A zero rate yields zero.
func (c *Currency) FromUSD(usd decimal.Decimal) decimal.Decimal {
	if c.USDRate.IsZero() {
		return decimal.Zero
	}
	return usd.Div(c.USDRate)
}

// CanSwapTo reports whether exchanging into target is enabled
func (c *Currency) CanSwapTo(target string) bool {
	for _, code := range c.SwapEnabled {
		if code == target {
			return true
		}
	}
	return false
}

// CurrencyAttribute holds per-(currency, chain) withdrawal settings
type CurrencyAttribute struct {
	CurrencyCode           string          `json:"currency_code" db:"currency_code"`
	ChainCode              string          `json:"chain_code" db:"chain_code"`
	WithdrawEnabled        bool            `json:"withdraw_enabled" db:"withdraw_enabled"`
	MinWithdraw            decimal.Decimal `json:"min_withdraw" db:"min_withdraw"`
	MaxWithdraw            decimal.Decimal `json:"max_withdraw" db:"max_withdraw"`
	WithdrawFeeToken       decimal.Decimal `json:"withdraw_fee_token" db:"withdraw_fee_token"`
	WithdrawFeeChain       decimal.Decimal `json:"withdraw_fee_chain" db:"withdraw_fee_chain"`
	MaxAmountWithdrawDaily decimal.Decimal `json:"max_amount_withdraw_daily" db:"max_amount_withdraw_daily"`
	MaxTimesWithdraw       int             `json:"max_times_withdraw" db:"max_times_withdraw"`
	ValueNeedApprove       decimal.Decimal `json:"value_need_approve" db:"value_need_approve"`
	NativeToken            string          `json:"native_token" db:"native_token"`
}

// HasChainFee reports whether withdrawals pay a separate native-token fee
func (a *CurrencyAttribute) HasChainFee() bool {
	return a.WithdrawFeeChain.IsPositive() && a.NativeToken != ""
}
