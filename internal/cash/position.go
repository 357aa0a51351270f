package cash

import (
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
)

// SettledCash accumulates cash that is immediately usable.
type SettledCash struct {
	amount decimal.Decimal
}

// Add credits (or debits, when negative) the accumulator.
func (s *SettledCash) Add(amount decimal.Decimal) {
	s.amount = s.amount.Add(amount)
}

// Amount returns the settled balance.
func (s *SettledCash) Amount() decimal.Decimal {
	return s.amount
}

// UnsettledCash is an amount that becomes settled at SettlementUTC.
type UnsettledCash struct {
	Amount        decimal.Decimal
	SettlementUTC time.Time
}

// IsSettled reports whether the entry is due at now.
func (u UnsettledCash) IsSettled(now time.Time) bool {
	return !now.Before(u.SettlementUTC)
}

// CashPosition tracks one currency for one account. It is not safe for
// concurrent use; the Manager serialises access.
type CashPosition struct {
	Currency  domain.Currency
	settled   SettledCash
	unsettled []UnsettledCash
}

// NewCashPosition returns an empty position in currency c.
func NewCashPosition(c domain.Currency) *CashPosition {
	return &CashPosition{Currency: c}
}

// AddSettled credits amount as immediately settled cash.
func (p *CashPosition) AddSettled(amount decimal.Decimal) {
	p.settled.Add(amount)
}

// AddUnsettled records amount as pending until settlement.
func (p *CashPosition) AddUnsettled(amount decimal.Decimal, settlement time.Time) {
	p.unsettled = append(p.unsettled, UnsettledCash{Amount: amount, SettlementUTC: settlement.UTC()})
}

// Settle promotes every unsettled entry that is due at now and returns the
// promoted total.
func (p *CashPosition) Settle(now time.Time) decimal.Decimal {
	promoted := decimal.Zero
	kept := p.unsettled[:0]
	for _, u := range p.unsettled {
		if u.IsSettled(now) {
			p.settled.Add(u.Amount)
			promoted = promoted.Add(u.Amount)
			continue
		}
		kept = append(kept, u)
	}
	for i := len(kept); i < len(p.unsettled); i++ {
		p.unsettled[i] = UnsettledCash{}
	}
	p.unsettled = kept
	return promoted
}

// TotalSettledCash returns the settled balance.
func (p *CashPosition) TotalSettledCash() decimal.Decimal {
	return p.settled.Amount()
}

// TotalUnsettledCash returns the sum of all pending entries.
func (p *CashPosition) TotalUnsettledCash() decimal.Decimal {
	total := decimal.Zero
	for _, u := range p.unsettled {
		total = total.Add(u.Amount)
	}
	return total
}

// TotalCash is TotalSettledCash plus every unsettled amount.
func (p *CashPosition) TotalCash() decimal.Decimal {
	return p.TotalSettledCash().Add(p.TotalUnsettledCash())
}

// Unsettled returns a copy of the pending entries.
func (p *CashPosition) Unsettled() []UnsettledCash {
	out := make([]UnsettledCash, len(p.unsettled))
	copy(out, p.unsettled)
	return out
}
