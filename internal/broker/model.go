package broker

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/cash"
	"quantfolio/internal/domain"
	"quantfolio/internal/order"
)

// Model prices the brokerage side of a trade: fees, slippage and settlement,
// plus the account limits the ledger snapshots need.
type Model interface {
	cash.AccountModel
	Supports(sec domain.Security) bool
	Fee(o order.Order, qty, price decimal.Decimal) decimal.Decimal
	// Slippage returns the fill price after slippage for a fill at price.
	Slippage(o order.Order, price decimal.Decimal) decimal.Decimal
	// SettlementTime returns when cash from a fill at t settles.
	SettlementTime(sec domain.Security, t time.Time) time.Time
}

// ModelConfig parameterizes DefaultModel.
type ModelConfig struct {
	Markets            []domain.Market
	CommissionPerShare decimal.Decimal
	MinCommission      decimal.Decimal
	SlippageBps        decimal.Decimal
	SettlementDays     int
	Leverage           decimal.Decimal
	// MaxDayTrades is the rolling day-trade allowance; zero disables the
	// limit.
	MaxDayTrades int
}

// DefaultModel is a per-share commission, basis-point slippage, T+N
// settlement model.
type DefaultModel struct {
	cfg       ModelConfig
	dayTrades atomic.Int64
}

var _ Model = (*DefaultModel)(nil)

// NewDefaultModel creates a DefaultModel. A zero leverage means 1.
func NewDefaultModel(cfg ModelConfig) *DefaultModel {
	if cfg.Leverage.IsZero() {
		cfg.Leverage = decimal.NewFromInt(1)
	}
	return &DefaultModel{cfg: cfg}
}

// Supports reports whether sec trades on one of the configured markets. An
// empty market list supports everything.
func (m *DefaultModel) Supports(sec domain.Security) bool {
	if len(m.cfg.Markets) == 0 {
		return true
	}
	for _, mk := range m.cfg.Markets {
		if mk == sec.Market {
			return true
		}
	}
	return false
}

func (m *DefaultModel) Fee(_ order.Order, qty, _ decimal.Decimal) decimal.Decimal {
	if qty.IsZero() {
		return decimal.Zero
	}
	return decimal.Max(qty.Abs().Mul(m.cfg.CommissionPerShare), m.cfg.MinCommission)
}

func (m *DefaultModel) Slippage(o order.Order, price decimal.Decimal) decimal.Decimal {
	if m.cfg.SlippageBps.IsZero() {
		return price
	}
	// Only orders filling at market move against the trader.
	switch o.Type() {
	case order.TypeLimit, order.TypeStopLimit:
		return price
	}
	adj := price.Mul(m.cfg.SlippageBps).Div(decimal.NewFromInt(10000))
	if o.Details().Direction() == order.Sell {
		return price.Sub(adj)
	}
	return price.Add(adj)
}

// SettlementTime adds SettlementDays business days to t.
func (m *DefaultModel) SettlementTime(_ domain.Security, t time.Time) time.Time {
	out := t
	for n := 0; n < m.cfg.SettlementDays; {
		out = out.AddDate(0, 0, 1)
		if wd := out.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n++
		}
	}
	return out
}

func (m *DefaultModel) Leverage() decimal.Decimal { return m.cfg.Leverage }

// SetDayTradeCount records the broker-reported number of recent day trades.
func (m *DefaultModel) SetDayTradeCount(n int64) { m.dayTrades.Store(n) }

// DayTradingOrdersLeft returns the remaining day-trade allowance, or -1 when
// unlimited.
func (m *DefaultModel) DayTradingOrdersLeft(string) int {
	if m.cfg.MaxDayTrades <= 0 {
		return -1
	}
	left := m.cfg.MaxDayTrades - int(m.dayTrades.Load())
	if left < 0 {
		return 0
	}
	return left
}
