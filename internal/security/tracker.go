// Package security tracks the market state of every subscribed security:
// latest price, current bar range, trading halts, and the exchange calendar
// that applies to it.
package security

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
	"quantfolio/internal/order"
)

// Quote is the latest market state of a security.
type Quote struct {
	Price  decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Time   time.Time
	Halted bool
}

// Tracker holds the latest Quote of every subscribed security. It is safe
// for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	quotes    map[domain.Security]*Quote
	calendars map[domain.Market]order.Calendar
}

// NewTracker creates a Tracker. calendars maps each market to its exchange
// calendar.
func NewTracker[C order.Calendar](calendars map[domain.Market]C) *Tracker {
	t := &Tracker{
		quotes:    make(map[domain.Security]*Quote),
		calendars: make(map[domain.Market]order.Calendar, len(calendars)),
	}
	for m, c := range calendars {
		t.calendars[m] = c
	}
	return t
}

// Subscribe registers sec. Subscribing twice is harmless.
func (t *Tracker) Subscribe(sec domain.Security) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.quotes[sec]; !ok {
		t.quotes[sec] = &Quote{}
	}
}

// Known reports whether sec has been subscribed.
func (t *Tracker) Known(sec domain.Security) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.quotes[sec]
	return ok
}

// Update applies a data slice. Bars set price and range; ticks set price and
// widen the range; halt flags are replaced. Unsubscribed securities are
// ignored.
func (t *Tracker) Update(u domain.DataUpdates) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for sec, bar := range u.Bars {
		q, ok := t.quotes[sec]
		if !ok {
			continue
		}
		q.Price = bar.Close
		q.High = bar.High
		q.Low = bar.Low
		q.Time = u.Time
	}
	for sec, tick := range u.Ticks {
		q, ok := t.quotes[sec]
		if !ok {
			continue
		}
		if _, hasBar := u.Bars[sec]; !hasBar {
			q.High, q.Low = tick.Price, tick.Price
		}
		q.Price = tick.Price
		q.High = decimal.Max(q.High, tick.Price)
		q.Low = decimal.Min(q.Low, tick.Price)
		q.Time = u.Time
	}
	for sec, halted := range u.Halted {
		if q, ok := t.quotes[sec]; ok {
			q.Halted = halted
		}
	}
}

// Quote returns the latest quote of sec.
func (t *Tracker) Quote(sec domain.Security) (Quote, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.quotes[sec]
	if !ok {
		return Quote{}, false
	}
	return *q, true
}

// Price returns the latest price of sec, zero if unknown.
func (t *Tracker) Price(sec domain.Security) decimal.Decimal {
	q, _ := t.Quote(sec)
	return q.Price
}

// Halted reports whether trading in sec is halted.
func (t *Tracker) Halted(sec domain.Security) bool {
	q, _ := t.Quote(sec)
	return q.Halted
}

// Calendar returns the exchange calendar of sec's market, or nil.
func (t *Tracker) Calendar(sec domain.Security) order.Calendar {
	return t.calendars[sec.Market]
}

// Prices returns the price context orders on sec are evaluated against at
// now.
func (t *Tracker) Prices(sec domain.Security, now time.Time) order.Prices {
	q, _ := t.Quote(sec)
	return order.Prices{
		Time:     now,
		Current:  q.Price,
		High:     q.High,
		Low:      q.Low,
		Calendar: t.Calendar(sec),
	}
}

// Securities returns every subscribed security.
func (t *Tracker) Securities() []domain.Security {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Security, 0, len(t.quotes))
	for sec := range t.quotes {
		out = append(out, sec)
	}
	return out
}
