package builtins

import (
	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
	"quantfolio/internal/order"
	"quantfolio/internal/strategy"
)

var _ strategy.MoneyManagementModule = (*FixedFraction)(nil)

// FixedFraction sizes entries so that a position is worth fraction × weight
// of the fund's net liquidation value, and sizes exits to flatten.
type FixedFraction struct {
	strategy.Base
	fraction decimal.Decimal
}

// NewFixedFraction creates a FixedFraction module.
func NewFixedFraction(fraction decimal.Decimal) *FixedFraction {
	return &FixedFraction{
		Base:     strategy.Base{ID: "fixed-fraction"},
		fraction: fraction,
	}
}

func (f *FixedFraction) SetParameter(name, value string) error {
	if name != "fraction" {
		return f.Base.SetParameter(name, value)
	}
	v, err := strategy.ParseFraction(name, value)
	if err != nil {
		return err
	}
	f.fraction = v
	return nil
}

// OrderQuantity returns the quantity that moves the position to its target.
// The ticket quantity is kept when no price is known.
func (f *FixedFraction) OrderQuantity(t *order.Ticket, state domain.SecurityState, weight decimal.Decimal) (decimal.Decimal, error) {
	price := f.Ctx.Price(t.Security)
	if !price.IsPositive() {
		return t.Quantity(), nil
	}
	if !weight.IsPositive() {
		weight = weightOf(f.Ctx.Universe(), t.Security)
	}
	pos := f.Ctx.Position(t.Security)

	switch state {
	case domain.EntryLong, domain.EntryShort:
		value := f.Ctx.Funds().NetLiquidationValue.Mul(weight).Mul(f.fraction)
		target := value.Div(price).Floor()
		if state == domain.EntryShort {
			target = target.Neg()
		}
		return target.Sub(pos), nil
	case domain.ExitLong, domain.ExitShort, domain.Liquidate:
		return pos.Neg(), nil
	}
	return t.Quantity(), nil
}
