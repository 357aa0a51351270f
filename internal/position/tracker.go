// Package position tracks the holdings of every fund at average cost and
// values them at the latest market price.
package position

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"quantfolio/internal/cash"
	"quantfolio/internal/domain"
)

// PriceSource supplies the latest price of a security.
type PriceSource interface {
	Price(sec domain.Security) decimal.Decimal
}

// Lot is an open position at average cost.
type Lot struct {
	Security domain.Security
	Quantity decimal.Decimal
	AvgPrice decimal.Decimal
}

// Tracker holds the lots of every fund. It is safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	prices PriceSource
	lots   map[string]map[domain.Security]*Lot
}

var _ cash.Holdings = (*Tracker)(nil)

// NewTracker creates an empty Tracker valuing holdings with prices.
func NewTracker(prices PriceSource) *Tracker {
	return &Tracker{
		prices: prices,
		lots:   make(map[string]map[domain.Security]*Lot),
	}
}

// Apply books a fill of qty (signed) at price for fundID and returns the
// profit realised by the part of the fill that reduced the position.
func (t *Tracker) Apply(fundID string, sec domain.Security, qty, price decimal.Decimal) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	bySec, ok := t.lots[fundID]
	if !ok {
		bySec = make(map[domain.Security]*Lot)
		t.lots[fundID] = bySec
	}
	lot, ok := bySec[sec]
	if !ok {
		lot = &Lot{Security: sec}
		bySec[sec] = lot
	}

	realized := decimal.Zero
	switch {
	case lot.Quantity.IsZero() || lot.Quantity.Sign() == qty.Sign():
		// Opening or adding: blend the average price.
		total := lot.Quantity.Add(qty)
		cost := lot.Quantity.Mul(lot.AvgPrice).Add(qty.Mul(price))
		lot.Quantity = total
		if !total.IsZero() {
			lot.AvgPrice = cost.Div(total)
		}
	default:
		closing := decimal.Min(lot.Quantity.Abs(), qty.Abs())
		if lot.Quantity.IsPositive() {
			realized = price.Sub(lot.AvgPrice).Mul(closing)
		} else {
			realized = lot.AvgPrice.Sub(price).Mul(closing)
		}
		lot.Quantity = lot.Quantity.Add(qty)
		switch {
		case lot.Quantity.IsZero():
			lot.AvgPrice = decimal.Zero
		case lot.Quantity.Sign() == qty.Sign():
			// Flipped through zero: the remainder opens at the fill price.
			lot.AvgPrice = price
		}
	}

	if lot.Quantity.IsZero() {
		delete(bySec, sec)
	}
	return realized
}

// Quantity returns the signed holding of fundID in sec.
func (t *Tracker) Quantity(fundID string, sec domain.Security) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if lot, ok := t.lots[fundID][sec]; ok {
		return lot.Quantity
	}
	return decimal.Zero
}

// Lots returns a copy of fundID's open lots sorted by security.
func (t *Tracker) Lots(fundID string) []Lot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Lot, 0, len(t.lots[fundID]))
	for _, lot := range t.lots[fundID] {
		out = append(out, *lot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Security.String() < out[j].Security.String() })
	return out
}

// Holdings implements cash.Holdings. cash.BaseAccount aggregates every fund.
func (t *Tracker) Holdings(account string) []cash.Holding {
	t.mu.RLock()
	qty := make(map[domain.Security]decimal.Decimal)
	for fundID, bySec := range t.lots {
		if account != cash.BaseAccount && fundID != account {
			continue
		}
		for sec, lot := range bySec {
			qty[sec] = qty[sec].Add(lot.Quantity)
		}
	}
	t.mu.RUnlock()

	out := make([]cash.Holding, 0, len(qty))
	for sec, q := range qty {
		if q.IsZero() {
			continue
		}
		out = append(out, cash.Holding{Security: sec, Quantity: q, Price: t.prices.Price(sec)})
	}
	return out
}

// Remove drops every lot of fundID.
func (t *Tracker) Remove(fundID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lots, fundID)
}

// Restore replaces fundID's lot in lot.Security, e.g. from a persisted
// snapshot. A zero quantity removes it.
func (t *Tracker) Restore(fundID string, lot Lot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bySec, ok := t.lots[fundID]
	if !ok {
		bySec = make(map[domain.Security]*Lot)
		t.lots[fundID] = bySec
	}
	if lot.Quantity.IsZero() {
		delete(bySec, lot.Security)
		return
	}
	bySec[lot.Security] = &lot
}
