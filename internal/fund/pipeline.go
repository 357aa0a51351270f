package fund

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
	"quantfolio/internal/order"
)

// MarketOnCloseCutoff is how long before the close a MarketOnClose order
// must be submitted.
const MarketOnCloseCutoff = 16 * time.Minute

// ProcessTicket runs t through the fund's pipeline. The response is recorded
// on the ticket and returned; on success it is the execution collaborator's
// response, unchanged.
func (f *QuantFund) ProcessTicket(t *order.Ticket) order.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.process(t, true)
	f.flushQueued()
	return r
}

// process is the pipeline body. Risk and money management only run for
// top-level submits; supplementary orders re-enter with topLevel false, so
// the recursion is at most one level deep. Supplementary orders that were
// accepted are cancelled again when t itself fails. Must be called with mu
// held.
func (f *QuantFund) process(t *order.Ticket, topLevel bool) order.Response {
	if t.Kind == order.Cancel {
		return f.forward(t)
	}

	var attached []*order.Ticket
	if t.Kind == order.Submit && topLevel {
		state := f.board.Consensus(t.Security)
		weight := f.cfg.Universe.Weight(t.Security)

		if f.risk != nil {
			if !f.isTradingAllowed(t.Security) {
				return f.reject(t, order.Errorf(order.RiskManagementNotAllowed,
					"risk management does not allow trading %s", t.Security))
			}
			for _, o := range f.supplementaryOrders(t, state, weight) {
				st := order.NewSubmitTicket(o)
				if r := f.process(st, false); !r.IsSuccess() {
					f.log.Info("supplementary order rejected", "security", t.Security.String(), "response", r.String())
					continue
				}
				attached = append(attached, st)
			}
		}

		if f.money != nil {
			if q, ok := f.orderQuantity(t, state, weight); ok {
				t.SetQuantity(q)
			}
		}
	}

	r := f.checkAndForward(t)
	if !r.IsSuccess() {
		f.cancelAttached(attached)
	}
	return r
}

// cancelAttached cancels the supplementary orders of a failed ticket.
func (f *QuantFund) cancelAttached(attached []*order.Ticket) {
	for _, st := range attached {
		c := order.NewCancelTicket(st.FundID, st.Security, st.OrderID)
		if r := f.forward(c); !r.IsSuccess() {
			f.log.Warn("cancelling supplementary order", "order", st.OrderID, "response", r.String())
		}
	}
}

// checkAndForward converts, prechecks and forwards t.
func (f *QuantFund) checkAndForward(t *order.Ticket) order.Response {
	now := f.deps.Now()
	if t.Kind == order.Submit && t.Order.Type() == order.TypeMarket && !f.exchangeOpen(t.Security, now) {
		moo, err := order.Convert(t.Order, order.TypeMarketOnOpen)
		if err != nil {
			return f.reject(t, order.Errorf(order.ProcessingError, "%v", err))
		}
		f.log.Debug("exchange closed, market order converted to market on open", "order", t.OrderID)
		t.Order = moo
	}

	if r := f.precheck(t, now); !r.IsSuccess() {
		return f.reject(t, r)
	}
	if t.Kind == order.Submit {
		f.ordersToday++
	}
	return f.forward(t)
}

func (f *QuantFund) forward(t *order.Ticket) order.Response {
	r := t.Reply(f.deps.Executor.Execute(t))
	if t.Kind == order.Submit {
		if r.IsSuccess() {
			f.results.recordSubmitted()
		} else {
			f.results.recordRejected(r.Code)
		}
	}
	return r
}

func (f *QuantFund) reject(t *order.Ticket, r order.Response) order.Response {
	if t.Kind == order.Submit && t.Order != nil {
		t.Order.Details().State = order.StateInvalid
	}
	f.results.recordRejected(r.Code)
	return t.Reply(r)
}

// precheck validates t in a fixed order; the first failure wins.
func (f *QuantFund) precheck(t *order.Ticket, now time.Time) order.Response {
	sec := t.Security
	submit := t.Kind == order.Submit

	if !f.cfg.Universe.Contains(sec) || !f.deps.Market.Known(sec) {
		return order.Errorf(order.MissingSecurity, "%s is not in the universe of fund %s", sec, f.cfg.ID)
	}
	if s := f.State(); s != Running && s != Backfilling {
		return order.Errorf(order.PreOrderChecksError, "fund %s is %s", f.cfg.ID, s)
	}
	if f.deps.Market.Price(sec).IsZero() {
		return order.Errorf(order.SecurityPriceZero, "no price for %s", sec)
	}
	if f.deps.Market.Halted(sec) {
		return order.Errorf(order.NonTradableSecurity, "%s is halted", sec)
	}

	if submit {
		if t.Quantity().IsZero() {
			return order.Errorf(order.OrderQuantityZero, "order quantity is zero")
		}
		if t.Order.Type() == order.TypeMarketOnClose {
			if !f.exchangeOpen(sec, now) {
				return order.Errorf(order.ExchangeNotOpen, "exchange for %s is closed", sec)
			}
			if cal := f.deps.Market.Calendar(sec); cal != nil {
				if deadline := cal.DayClose(now).Add(-MarketOnCloseCutoff); now.After(deadline) {
					return order.Errorf(order.MarketOnCloseOrderTooLate,
						"market on close orders must be submitted before %s", deadline.In(cal.Location()).Format(time.Kitchen))
				}
			}
		}
		if f.State() == Backfilling {
			return order.Errorf(order.QuantFundBackfilling, "fund %s is backfilling", f.cfg.ID)
		}
	}

	if f.conversionRate(sec).IsZero() {
		return order.Errorf(order.ConversionRateZero, "no conversion rate %s/%s", sec.Currency, f.cfg.Currency)
	}

	day := f.exchangeDay(sec, now)
	if day != f.orderDay {
		f.orderDay = day
		f.ordersToday = 0
	}
	if limit := f.cfg.MaxOrdersPerDay; limit > 0 && f.ordersToday >= limit {
		return order.Errorf(order.ExceededMaximumOrders, "fund %s reached %d orders today", f.cfg.ID, limit)
	}
	return order.OK
}

func (f *QuantFund) exchangeOpen(sec domain.Security, now time.Time) bool {
	cal := f.deps.Market.Calendar(sec)
	return cal == nil || cal.IsOpen(now)
}

func (f *QuantFund) exchangeDay(sec domain.Security, now time.Time) string {
	if cal := f.deps.Market.Calendar(sec); cal != nil {
		now = now.In(cal.Location())
	}
	return now.Format("2006-01-02")
}

func (f *QuantFund) conversionRate(sec domain.Security) decimal.Decimal {
	if f.deps.Converter == nil || sec.Currency == "" || f.cfg.Currency == "" {
		return decimal.NewFromInt(1)
	}
	return f.deps.Converter.Rate(sec.Currency, f.cfg.Currency)
}

// ---------------------------------------------------------------------------
// Module calls
// ---------------------------------------------------------------------------

// isTradingAllowed asks the risk module. A fault counts as a refusal.
func (f *QuantFund) isTradingAllowed(sec domain.Security) bool {
	allowed := false
	f.guard(f.risk, "IsTradingAllowed", func() {
		var err error
		allowed, err = f.risk.IsTradingAllowed(sec)
		if err != nil {
			f.deps.Exceptions.Handle(fmt.Errorf("module %s IsTradingAllowed: %w", f.risk.Name(), err), f.cfg.ID)
			allowed = false
		}
	})
	return allowed
}

func (f *QuantFund) supplementaryOrders(t *order.Ticket, state domain.SecurityState, weight decimal.Decimal) []order.Order {
	var out []order.Order
	f.guard(f.risk, "RiskManagement", func() {
		orders, err := f.risk.RiskManagement(t, state, weight)
		if err != nil {
			f.deps.Exceptions.Handle(fmt.Errorf("module %s RiskManagement: %w", f.risk.Name(), err), f.cfg.ID)
			return
		}
		out = orders
	})
	return out
}

// orderQuantity asks the money management module. ok is false when the
// module faulted; the ticket then keeps its quantity.
func (f *QuantFund) orderQuantity(t *order.Ticket, state domain.SecurityState, weight decimal.Decimal) (q decimal.Decimal, ok bool) {
	f.guard(f.money, "OrderQuantity", func() {
		var err error
		q, err = f.money.OrderQuantity(t, state, weight)
		if err != nil {
			f.deps.Exceptions.Handle(fmt.Errorf("module %s OrderQuantity: %w", f.money.Name(), err), f.cfg.ID)
			return
		}
		ok = true
	})
	return q, ok
}
