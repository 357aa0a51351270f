package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Compile-time interface checks.
var (
	_ Order = (*MarketOrder)(nil)
	_ Order = (*LimitOrder)(nil)
	_ Order = (*StopMarketOrder)(nil)
	_ Order = (*StopLimitOrder)(nil)
	_ Order = (*MarketOnOpenOrder)(nil)
	_ Order = (*MarketOnCloseOrder)(nil)
)

// AuctionOffset shifts the trigger of auction orders away from the session
// boundary: MarketOnOpen fires after the open, MarketOnClose before the
// close.
const AuctionOffset = 15 * time.Minute

// ---------------------------------------------------------------------------
// Market
// ---------------------------------------------------------------------------

// MarketOrder fills immediately at the current price.
type MarketOrder struct {
	base
}

func (o *MarketOrder) Type() Type { return TypeMarket }

func (o *MarketOrder) IsTriggered(p Prices) (bool, decimal.Decimal) {
	return true, p.Current
}

func (o *MarketOrder) Update(f UpdateFields) { o.apply(f, false, false) }

func (o *MarketOrder) Clone() Order {
	c := *o
	return &c
}

// ---------------------------------------------------------------------------
// Limit
// ---------------------------------------------------------------------------

// LimitOrder fills at the limit price or better.
type LimitOrder struct {
	base
}

func (o *LimitOrder) Type() Type { return TypeLimit }

// IsTriggered fires a buy once the bar trades below the limit and a sell once
// it trades above it.
func (o *LimitOrder) IsTriggered(p Prices) (bool, decimal.Decimal) {
	limit := o.d.LimitPrice
	switch o.d.Direction() {
	case Buy:
		if p.Low.LessThan(limit) {
			return true, decimal.Min(p.High, limit)
		}
	case Sell:
		if p.High.GreaterThan(limit) {
			return true, decimal.Max(p.Low, limit)
		}
	}
	return false, decimal.Zero
}

func (o *LimitOrder) Update(f UpdateFields) { o.apply(f, true, false) }

func (o *LimitOrder) Clone() Order {
	c := *o
	return &c
}

// ---------------------------------------------------------------------------
// Stop market
// ---------------------------------------------------------------------------

// StopMarketOrder becomes a market order once the stop price is crossed.
type StopMarketOrder struct {
	base
}

func (o *StopMarketOrder) Type() Type { return TypeStopMarket }

func (o *StopMarketOrder) IsTriggered(p Prices) (bool, decimal.Decimal) {
	stop := o.d.StopPrice
	switch o.d.Direction() {
	case Buy:
		if p.High.GreaterThan(stop) {
			return true, decimal.Max(stop, p.Current)
		}
	case Sell:
		if p.Low.LessThan(stop) {
			return true, decimal.Min(stop, p.Current)
		}
	}
	return false, decimal.Zero
}

func (o *StopMarketOrder) Update(f UpdateFields) { o.apply(f, false, true) }

func (o *StopMarketOrder) Clone() Order {
	c := *o
	return &c
}

// ---------------------------------------------------------------------------
// Stop limit
// ---------------------------------------------------------------------------

// StopLimitOrder arms once the stop price is crossed and then fills at the
// limit. Arming is permanent.
type StopLimitOrder struct {
	base
	stopTriggered bool
}

func (o *StopLimitOrder) Type() Type { return TypeStopLimit }

// StopTriggered reports whether the stop condition has been met.
func (o *StopLimitOrder) StopTriggered() bool { return o.stopTriggered }

func (o *StopLimitOrder) IsTriggered(p Prices) (bool, decimal.Decimal) {
	dir := o.d.Direction()
	if !o.stopTriggered {
		switch dir {
		case Buy:
			o.stopTriggered = p.High.GreaterThan(o.d.StopPrice)
		case Sell:
			o.stopTriggered = p.Low.LessThan(o.d.StopPrice)
		}
		if !o.stopTriggered {
			return false, decimal.Zero
		}
	}

	limit := o.d.LimitPrice
	switch dir {
	case Buy:
		if p.Current.GreaterThanOrEqual(limit) {
			return true, limit
		}
	case Sell:
		if p.Current.LessThanOrEqual(limit) {
			return true, limit
		}
	}
	return false, decimal.Zero
}

func (o *StopLimitOrder) Update(f UpdateFields) { o.apply(f, true, true) }

func (o *StopLimitOrder) Clone() Order {
	c := *o
	return &c
}

// ---------------------------------------------------------------------------
// Auction orders
// ---------------------------------------------------------------------------

// MarketOnOpenOrder fills at the current price shortly after the next
// session opens.
type MarketOnOpenOrder struct {
	base
	triggerAt time.Time
}

func (o *MarketOnOpenOrder) Type() Type { return TypeMarketOnOpen }

// TriggerTime returns the cached trigger time; zero before the first check.
func (o *MarketOnOpenOrder) TriggerTime() time.Time { return o.triggerAt }

func (o *MarketOnOpenOrder) IsTriggered(p Prices) (bool, decimal.Decimal) {
	if p.Calendar == nil {
		return false, decimal.Zero
	}
	if o.triggerAt.IsZero() {
		loc := p.Calendar.Location()
		o.triggerAt = p.Calendar.NextOpen(p.Time.In(loc)).Add(AuctionOffset)
	}
	return fireAt(o.triggerAt, p)
}

func (o *MarketOnOpenOrder) Update(f UpdateFields) { o.apply(f, false, false) }

func (o *MarketOnOpenOrder) Clone() Order {
	c := *o
	return &c
}

// MarketOnCloseOrder fills at the current price shortly before the trading
// day closes.
type MarketOnCloseOrder struct {
	base
	triggerAt time.Time
}

func (o *MarketOnCloseOrder) Type() Type { return TypeMarketOnClose }

// TriggerTime returns the cached trigger time; zero before the first check.
func (o *MarketOnCloseOrder) TriggerTime() time.Time { return o.triggerAt }

func (o *MarketOnCloseOrder) IsTriggered(p Prices) (bool, decimal.Decimal) {
	if p.Calendar == nil {
		return false, decimal.Zero
	}
	if o.triggerAt.IsZero() {
		loc := p.Calendar.Location()
		o.triggerAt = p.Calendar.DayClose(p.Time.In(loc)).Add(-AuctionOffset)
	}
	return fireAt(o.triggerAt, p)
}

func (o *MarketOnCloseOrder) Update(f UpdateFields) { o.apply(f, false, false) }

func (o *MarketOnCloseOrder) Clone() Order {
	c := *o
	return &c
}

func fireAt(at time.Time, p Prices) (bool, decimal.Decimal) {
	if p.Time.In(p.Calendar.Location()).Before(at) {
		return false, decimal.Zero
	}
	return true, p.Current
}
