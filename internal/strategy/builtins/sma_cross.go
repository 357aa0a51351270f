// Package builtins provides built-in strategy modules that ship with the
// quantfolio runtime.
package builtins

import (
	"fmt"

	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
	"quantfolio/internal/order"
	"quantfolio/internal/strategy"
)

// Compile-time interface check.
var _ strategy.SignalModule = (*SMACross)(nil)

// SMACross implements a simple moving average crossover signal. It reports
// EntryLong while the short-period SMA is above the long-period SMA and
// ExitLong otherwise. It only trades long.
type SMACross struct {
	strategy.Base
	shortPeriod int
	longPeriod  int
	closes      map[domain.Security][]decimal.Decimal
}

// NewSMACross creates a new SMACross module with the specified short and long
// moving average periods.
func NewSMACross(short, long int) *SMACross {
	return &SMACross{
		Base:        strategy.Base{ID: "sma-cross"},
		shortPeriod: short,
		longPeriod:  long,
	}
}

func (s *SMACross) SetParameter(name, value string) error {
	switch name {
	case "short":
		n, err := strategy.ParseInt(name, value)
		if err != nil {
			return err
		}
		s.shortPeriod = n
	case "long":
		n, err := strategy.ParseInt(name, value)
		if err != nil {
			return err
		}
		s.longPeriod = n
	default:
		return s.Base.SetParameter(name, value)
	}
	return nil
}

// Initialize validates the periods and allocates the price buffers.
func (s *SMACross) Initialize(ctx strategy.Context) error {
	if s.shortPeriod <= 0 || s.shortPeriod >= s.longPeriod {
		return fmt.Errorf("%s: short period %d must be positive and below long period %d", s.Name(), s.shortPeriod, s.longPeriod)
	}
	s.closes = make(map[domain.Security][]decimal.Decimal, len(ctx.Universe()))
	for sec := range ctx.Universe() {
		s.closes[sec] = make([]decimal.Decimal, 0, s.longPeriod+1)
	}
	return s.Base.Initialize(ctx)
}

// OnData appends each bar close and republishes the crossover state once
// enough history is available.
func (s *SMACross) OnData(updates domain.DataUpdates) {
	for sec, bar := range updates.Bars {
		buf := append(s.closes[sec], bar.Close)
		if len(buf) > s.longPeriod {
			buf = buf[len(buf)-s.longPeriod:]
		}
		s.closes[sec] = buf
		if len(buf) < s.longPeriod {
			continue
		}

		state := domain.ExitLong
		if sma(buf[len(buf)-s.shortPeriod:]).GreaterThan(sma(buf)) {
			state = domain.EntryLong
		}
		s.Ctx.Signals().SetState(sec, s.Name(), state)
	}
}

// CreateOrder returns a market order moving the position toward state.
func (s *SMACross) CreateOrder(sec domain.Security, state domain.SecurityState) (order.Order, error) {
	pos := s.Ctx.Position(sec)
	switch state {
	case domain.EntryLong:
		if pos.IsPositive() {
			return nil, nil
		}
		price := s.Ctx.Price(sec)
		if !price.IsPositive() {
			return nil, nil
		}
		budget := s.Ctx.Funds().BuyingPower.Mul(weightOf(s.Ctx.Universe(), sec))
		qty := budget.Div(price).Floor()
		if !qty.IsPositive() {
			return nil, nil
		}
		return s.Ctx.Orders().NewMarket(s.Ctx.FundID(), sec, qty, s.Name()+" entry"), nil
	case domain.ExitLong, domain.Liquidate:
		if !pos.IsPositive() {
			return nil, nil
		}
		return s.Ctx.Orders().NewMarket(s.Ctx.FundID(), sec, pos.Neg(), s.Name()+" exit"), nil
	case domain.ExitShort:
		if !pos.IsNegative() {
			return nil, nil
		}
		return s.Ctx.Orders().NewMarket(s.Ctx.FundID(), sec, pos.Neg(), s.Name()+" cover"), nil
	}
	return nil, nil
}

func sma(values []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// weightOf returns the universe weight of sec, or an equal share when the
// universe carries no weights.
func weightOf(u domain.Universe, sec domain.Security) decimal.Decimal {
	if w := u.Weight(sec); w.IsPositive() {
		return w
	}
	if len(u) == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(u))))
}
