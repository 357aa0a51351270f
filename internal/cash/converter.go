package cash

import (
	"sync"

	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
)

// Converter converts amounts between currencies. Rate returns zero when no
// rate is known for the pair.
type Converter interface {
	Rate(from, to domain.Currency) decimal.Decimal
	Convert(amount decimal.Decimal, from, to domain.Currency) decimal.Decimal
}

type pair struct {
	from, to domain.Currency
}

// StaticConverter holds pair rates in memory. Rates may be replaced at any
// time from another goroutine.
type StaticConverter struct {
	mu    sync.RWMutex
	rates map[pair]decimal.Decimal
}

var _ Converter = (*StaticConverter)(nil)

// NewStaticConverter returns a converter with no rates besides identity.
func NewStaticConverter() *StaticConverter {
	return &StaticConverter{rates: make(map[pair]decimal.Decimal)}
}

// SetRate records that one unit of from buys rate units of to.
func (c *StaticConverter) SetRate(from, to domain.Currency, rate decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[pair{from, to}] = rate
}

// Rate returns the conversion rate from -> to. The inverse of a known rate is
// used when only the opposite pair is recorded.
func (c *StaticConverter) Rate(from, to domain.Currency) decimal.Decimal {
	if from == to {
		return decimal.NewFromInt(1)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.rates[pair{from, to}]; ok {
		return r
	}
	if r, ok := c.rates[pair{to, from}]; ok && !r.IsZero() {
		return decimal.NewFromInt(1).Div(r)
	}
	return decimal.Zero
}

// Convert multiplies amount by the from -> to rate.
func (c *StaticConverter) Convert(amount decimal.Decimal, from, to domain.Currency) decimal.Decimal {
	return amount.Mul(c.Rate(from, to))
}
