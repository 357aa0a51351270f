// Package domain defines the core value types shared across the quantfolio
// runtime: securities, market data, signal states and account snapshots.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies the market a security trades on.
type Market string

const (
	MarketUS Market = "us"
	MarketCN Market = "cn"
)

// Currency is an ISO 4217 currency code.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	CNY Currency = "CNY"
)

// Security identifies a tradable instrument. It is comparable and used as a
// map key throughout the runtime.
type Security struct {
	Ticker   string
	Market   Market
	Currency Currency
}

// String returns the ticker qualified by market, e.g. "us:AAPL".
func (s Security) String() string {
	return string(s.Market) + ":" + s.Ticker
}

// Bar is an OHLCV bar for a single security.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     int64
	TradeCount int64
	VWAP       decimal.Decimal
}

// Tick is a single trade print.
type Tick struct {
	Symbol    string
	Timestamp time.Time
	Price     decimal.Decimal
	Size      int64
	Exchange  string
}

// DataUpdates is one slice of market data delivered by the feed.
type DataUpdates struct {
	Time   time.Time
	Bars   map[Security]Bar
	Ticks  map[Security]Tick
	Halted map[Security]bool
}

// NewDataUpdates returns an empty DataUpdates stamped with t.
func NewDataUpdates(t time.Time) DataUpdates {
	return DataUpdates{
		Time:   t,
		Bars:   make(map[Security]Bar),
		Ticks:  make(map[Security]Tick),
		Halted: make(map[Security]bool),
	}
}

// Securities returns every security that has a bar, tick or halt entry.
func (d DataUpdates) Securities() []Security {
	seen := make(map[Security]struct{}, len(d.Bars)+len(d.Ticks))
	var out []Security
	add := func(s Security) {
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for s := range d.Bars {
		add(s)
	}
	for s := range d.Ticks {
		add(s)
	}
	for s := range d.Halted {
		add(s)
	}
	return out
}

// Filter returns a copy of d restricted to the securities in u. The returned
// maps are never shared with d.
func (d DataUpdates) Filter(u Universe) DataUpdates {
	out := NewDataUpdates(d.Time)
	for s, b := range d.Bars {
		if u.Contains(s) {
			out.Bars[s] = b
		}
	}
	for s, t := range d.Ticks {
		if u.Contains(s) {
			out.Ticks[s] = t
		}
	}
	for s, h := range d.Halted {
		if u.Contains(s) {
			out.Halted[s] = h
		}
	}
	return out
}

// Clone returns a deep copy of d.
func (d DataUpdates) Clone() DataUpdates {
	out := NewDataUpdates(d.Time)
	for s, b := range d.Bars {
		out.Bars[s] = b
	}
	for s, t := range d.Ticks {
		out.Ticks[s] = t
	}
	for s, h := range d.Halted {
		out.Halted[s] = h
	}
	return out
}

// Empty reports whether d carries no data.
func (d DataUpdates) Empty() bool {
	return len(d.Bars) == 0 && len(d.Ticks) == 0 && len(d.Halted) == 0
}

// Universe is the weighted set of securities a fund may trade.
type Universe map[Security]decimal.Decimal

// Contains reports whether s is part of the universe.
func (u Universe) Contains(s Security) bool {
	_, ok := u[s]
	return ok
}

// Weight returns the weight of s, or zero when s is not in the universe.
func (u Universe) Weight(s Security) decimal.Decimal {
	return u[s]
}

// Securities returns the universe members.
func (u Universe) Securities() []Security {
	out := make([]Security, 0, len(u))
	for s := range u {
		out = append(out, s)
	}
	return out
}

// SecurityState is a strategy module's opinion about a security.
type SecurityState int

const (
	NoEntry SecurityState = iota
	EntryLong
	EntryShort
	ExitLong
	ExitShort
	Liquidate
	Error
)

var securityStateNames = [...]string{
	NoEntry:    "NoEntry",
	EntryLong:  "EntryLong",
	EntryShort: "EntryShort",
	ExitLong:   "ExitLong",
	ExitShort:  "ExitShort",
	Liquidate:  "Liquidate",
	Error:      "Error",
}

func (s SecurityState) String() string {
	if s < 0 || int(s) >= len(securityStateNames) {
		return "Unknown"
	}
	return securityStateNames[s]
}

// Actionable reports whether the state should lead to an order.
func (s SecurityState) Actionable() bool {
	switch s {
	case EntryLong, EntryShort, ExitLong, ExitShort, Liquidate:
		return true
	}
	return false
}

// AccountActionType classifies broker-reported account changes.
type AccountActionType string

const (
	AccountActionSync       AccountActionType = "sync"
	AccountActionDeposit    AccountActionType = "deposit"
	AccountActionWithdrawal AccountActionType = "withdrawal"
	AccountActionDividend   AccountActionType = "dividend"
	AccountActionFee        AccountActionType = "fee"
)

// AccountInfo is a broker account snapshot.
type AccountInfo struct {
	Currency      Currency
	Equity        decimal.Decimal
	Cash          decimal.Decimal
	BuyingPower   decimal.Decimal
	DayTradeCount int64
}

// PositionSide is the direction of a broker-held position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Position is a broker-reported position.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	Side          PositionSide
}
