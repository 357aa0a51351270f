// Package order defines the order model: order variants with their trigger
// rules, the factory that creates them, and the tickets that carry submit,
// update and cancel requests through a fund.
package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
)

// Type is the order type.
type Type int

const (
	TypeMarket Type = iota
	TypeLimit
	TypeStopMarket
	TypeStopLimit
	TypeMarketOnOpen
	TypeMarketOnClose
)

var typeNames = [...]string{
	TypeMarket:        "Market",
	TypeLimit:         "Limit",
	TypeStopMarket:    "StopMarket",
	TypeStopLimit:     "StopLimit",
	TypeMarketOnOpen:  "MarketOnOpen",
	TypeMarketOnClose: "MarketOnClose",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// State is the lifecycle state of an order.
type State int

const (
	StateNew State = iota
	StateSubmitted
	StatePartiallyFilled
	StateFilled
	StateCancelled
	StateInvalid
)

var stateNames = [...]string{
	StateNew:             "New",
	StateSubmitted:       "Submitted",
	StatePartiallyFilled: "PartiallyFilled",
	StateFilled:          "Filled",
	StateCancelled:       "Cancelled",
	StateInvalid:         "Invalid",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Closed reports whether no further fills can happen.
func (s State) Closed() bool {
	return s == StateFilled || s == StateCancelled || s == StateInvalid
}

// Direction is derived from the sign of the quantity.
type Direction int

const (
	Hold Direction = iota
	Buy
	Sell
)

func (d Direction) String() string {
	switch d {
	case Buy:
		return "Buy"
	case Sell:
		return "Sell"
	}
	return "Hold"
}

// Details are the fields shared by every order type.
type Details struct {
	InternalID int64
	FundID     string
	Security   domain.Security
	Quantity   decimal.Decimal // positive buys, negative sells
	State      State
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	CreatedUTC time.Time
	Comment    string
	BrokerID   string
}

// Direction returns Buy for positive quantities, Sell for negative ones.
func (d *Details) Direction() Direction {
	switch d.Quantity.Sign() {
	case 1:
		return Buy
	case -1:
		return Sell
	}
	return Hold
}

// Calendar answers exchange-hours questions for a security.
type Calendar interface {
	IsOpen(t time.Time) bool
	NextOpen(t time.Time) time.Time
	NextClose(t time.Time) time.Time
	// DayClose returns the final close of the trading day at or after t,
	// past any intraday break.
	DayClose(t time.Time) time.Time
	Location() *time.Location
}

// Prices is the price context an order is evaluated against: the latest
// price and the range of the current bar.
type Prices struct {
	Time     time.Time
	Current  decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Calendar Calendar
}

// UpdateFields carries the mutable fields of an update ticket. Nil fields are
// left unchanged.
type UpdateFields struct {
	OrderID    int64
	Quantity   *decimal.Decimal
	LimitPrice *decimal.Decimal
	StopPrice  *decimal.Decimal
	Comment    *string
}

// Order is implemented by every order type.
type Order interface {
	Details() *Details
	Type() Type
	// IsTriggered reports whether the order is actionable under p and the
	// price it would fill at.
	IsTriggered(p Prices) (bool, decimal.Decimal)
	// Update applies f in place. It panics when f targets another order.
	Update(f UpdateFields)
	Clone() Order
}

type base struct {
	d Details
}

func (b *base) Details() *Details { return &b.d }

// apply copies the set fields of f onto the details. Price fields only apply
// to the order types that carry them.
func (b *base) apply(f UpdateFields, limit, stop bool) {
	if f.OrderID != b.d.InternalID {
		panic(fmt.Sprintf("order: update for order %d applied to order %d", f.OrderID, b.d.InternalID))
	}
	if f.Quantity != nil {
		b.d.Quantity = *f.Quantity
	}
	if limit && f.LimitPrice != nil {
		b.d.LimitPrice = *f.LimitPrice
	}
	if stop && f.StopPrice != nil {
		b.d.StopPrice = *f.StopPrice
	}
	if f.Comment != nil {
		b.d.Comment = *f.Comment
	}
}
