package builtins

import (
	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
	"quantfolio/internal/order"
	"quantfolio/internal/strategy"
)

var _ strategy.RiskManagementModule = (*RiskLimits)(nil)

// RiskLimits enforces position sizing and daily loss limits, and protects
// every filled entry with a stop when stop_loss_pct is set.
//
// Parameters:
//   - max_position_pct: largest share of net liquidation value one position
//     may hold before further entries are refused (default 1).
//   - max_daily_loss_pct: largest drawdown from the day's first observed net
//     liquidation value before all trading is refused (default 1).
//   - stop_loss_pct: distance of the protective stop from the fill price
//     (default off).
type RiskLimits struct {
	strategy.Base
	maxPositionPct  decimal.Decimal
	maxDailyLossPct decimal.Decimal
	stopLossPct     decimal.Decimal

	dayStartNLV decimal.Decimal
	// entries are the tickets awaiting fills, by order id.
	entries map[int64]entry
}

type entry struct {
	ticket *order.Ticket
	long   bool
}

// NewRiskLimits creates a RiskLimits module with the specified thresholds.
func NewRiskLimits(maxPositionPct, maxDailyLossPct decimal.Decimal) *RiskLimits {
	return &RiskLimits{
		Base:            strategy.Base{ID: "risk-limits"},
		maxPositionPct:  maxPositionPct,
		maxDailyLossPct: maxDailyLossPct,
		entries:         make(map[int64]entry),
	}
}

func (r *RiskLimits) SetParameter(name, value string) error {
	var dst *decimal.Decimal
	switch name {
	case "max_position_pct":
		dst = &r.maxPositionPct
	case "max_daily_loss_pct":
		dst = &r.maxDailyLossPct
	case "stop_loss_pct":
		dst = &r.stopLossPct
	default:
		return r.Base.SetParameter(name, value)
	}
	v, err := strategy.ParseFraction(name, value)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

// OnEndOfDay resets the daily loss reference and forgets entries whose
// ticket was rejected.
func (r *RiskLimits) OnEndOfDay() {
	r.dayStartNLV = decimal.Zero
	for id, e := range r.entries {
		if !e.ticket.Response.IsSuccess() {
			delete(r.entries, id)
		}
	}
}

// IsTradingAllowed refuses trading once the daily loss limit is hit, and
// refuses sec once its position exceeds the position limit.
func (r *RiskLimits) IsTradingAllowed(sec domain.Security) (bool, error) {
	nlv := r.Ctx.Funds().NetLiquidationValue
	if r.dayStartNLV.IsZero() {
		r.dayStartNLV = nlv
	}
	one := decimal.NewFromInt(1)
	floor := r.dayStartNLV.Mul(one.Sub(r.maxDailyLossPct))
	if nlv.LessThan(floor) {
		r.Ctx.Logger().Warn("daily loss limit reached",
			"module", r.Name(), "nlv", nlv.String(), "floor", floor.String())
		return false, nil
	}

	exposure := r.Ctx.Position(sec).Mul(r.Ctx.Price(sec)).Abs()
	if nlv.IsPositive() && exposure.GreaterThan(nlv.Mul(r.maxPositionPct)) {
		return false, nil
	}
	return true, nil
}

// RiskManagement remembers entry tickets; their stops are placed as they
// fill. It never returns supplementary orders.
func (r *RiskLimits) RiskManagement(t *order.Ticket, state domain.SecurityState, _ decimal.Decimal) ([]order.Order, error) {
	if r.stopLossPct.IsZero() || t.Kind != order.Submit {
		return nil, nil
	}
	switch state {
	case domain.EntryLong:
		r.entries[t.OrderID] = entry{ticket: t, long: true}
	case domain.EntryShort:
		r.entries[t.OrderID] = entry{ticket: t, long: false}
	}
	return nil, nil
}

// OnOrderTicketEvent submits a stop for each fill of a remembered entry,
// sized to the filled quantity.
func (r *RiskLimits) OnOrderTicketEvent(e order.Event) {
	en, ok := r.entries[e.OrderID]
	if !ok {
		return
	}
	switch e.State {
	case order.StateFilled, order.StateCancelled, order.StateInvalid:
		delete(r.entries, e.OrderID)
	}
	if !e.IsFill() || !e.FillPrice.IsPositive() {
		return
	}

	qty := e.FillQuantity
	one := decimal.NewFromInt(1)
	var stop decimal.Decimal
	switch {
	case en.long && qty.IsPositive():
		stop = e.FillPrice.Mul(one.Sub(r.stopLossPct))
	case !en.long && qty.IsNegative():
		stop = e.FillPrice.Mul(one.Add(r.stopLossPct))
	default:
		return
	}
	r.Ctx.Submit(r.Ctx.Orders().NewStopMarket(r.Ctx.FundID(), e.Security, qty.Neg(), stop.Round(2), r.Name()+" stop loss"))
}
