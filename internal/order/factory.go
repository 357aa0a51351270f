package order

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
)

// Factory creates orders with unique internal ids. A single factory is shared
// by every fund of a portfolio.
type Factory struct {
	nextID atomic.Int64
	now    func() time.Time
}

// NewFactory returns a factory stamping orders with now(). A nil now uses the
// wall clock.
func NewFactory(now func() time.Time) *Factory {
	if now == nil {
		now = time.Now
	}
	return &Factory{now: now}
}

func (f *Factory) details(fundID string, sec domain.Security, qty decimal.Decimal, comment string) Details {
	return Details{
		InternalID: f.nextID.Add(1),
		FundID:     fundID,
		Security:   sec,
		Quantity:   qty,
		State:      StateNew,
		CreatedUTC: f.now().UTC(),
		Comment:    comment,
	}
}

// NewMarket creates a market order.
func (f *Factory) NewMarket(fundID string, sec domain.Security, qty decimal.Decimal, comment string) *MarketOrder {
	return &MarketOrder{base{f.details(fundID, sec, qty, comment)}}
}

// NewLimit creates a limit order.
func (f *Factory) NewLimit(fundID string, sec domain.Security, qty, limit decimal.Decimal, comment string) *LimitOrder {
	o := &LimitOrder{base{f.details(fundID, sec, qty, comment)}}
	o.d.LimitPrice = limit
	return o
}

// NewStopMarket creates a stop market order.
func (f *Factory) NewStopMarket(fundID string, sec domain.Security, qty, stop decimal.Decimal, comment string) *StopMarketOrder {
	o := &StopMarketOrder{base{f.details(fundID, sec, qty, comment)}}
	o.d.StopPrice = stop
	return o
}

// NewStopLimit creates a stop limit order.
func (f *Factory) NewStopLimit(fundID string, sec domain.Security, qty, stop, limit decimal.Decimal, comment string) *StopLimitOrder {
	o := &StopLimitOrder{base: base{f.details(fundID, sec, qty, comment)}}
	o.d.StopPrice = stop
	o.d.LimitPrice = limit
	return o
}

// NewMarketOnOpen creates a market-on-open order.
func (f *Factory) NewMarketOnOpen(fundID string, sec domain.Security, qty decimal.Decimal, comment string) *MarketOnOpenOrder {
	return &MarketOnOpenOrder{base: base{f.details(fundID, sec, qty, comment)}}
}

// NewMarketOnClose creates a market-on-close order.
func (f *Factory) NewMarketOnClose(fundID string, sec domain.Security, qty decimal.Decimal, comment string) *MarketOnCloseOrder {
	return &MarketOnCloseOrder{base: base{f.details(fundID, sec, qty, comment)}}
}

// Convert returns a new order of type t carrying o's details, id included.
// Trigger state is not carried over.
func Convert(o Order, t Type) (Order, error) {
	d := *o.Details()
	switch t {
	case TypeMarket:
		return &MarketOrder{base{d}}, nil
	case TypeLimit:
		return &LimitOrder{base{d}}, nil
	case TypeStopMarket:
		return &StopMarketOrder{base{d}}, nil
	case TypeStopLimit:
		return &StopLimitOrder{base: base{d}}, nil
	case TypeMarketOnOpen:
		return &MarketOnOpenOrder{base: base{d}}, nil
	case TypeMarketOnClose:
		return &MarketOnCloseOrder{base: base{d}}, nil
	}
	return nil, fmt.Errorf("converting order %d: unknown type %v", d.InternalID, t)
}
