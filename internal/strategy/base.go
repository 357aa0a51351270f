package strategy

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
	"quantfolio/internal/order"
)

// Base provides no-op hooks for modules to embed. Embedders override the
// hooks they care about.
type Base struct {
	ID  string
	Ctx Context
}

func (b *Base) Name() string { return b.ID }

// Initialize stores ctx.
func (b *Base) Initialize(ctx Context) error {
	b.Ctx = ctx
	return nil
}

// SetParameter accepts "id" and rejects everything else.
func (b *Base) SetParameter(name, value string) error {
	if name == "id" {
		b.ID = value
		return nil
	}
	return fmt.Errorf("%s: unknown parameter %q", b.ID, name)
}

func (b *Base) OnData(domain.DataUpdates)       {}
func (b *Base) OnEndOfDay()                     {}
func (b *Base) OnMarginCall([]*order.Ticket)    {}
func (b *Base) OnOrderTicketEvent(order.Event)  {}
func (b *Base) OnTermination() (liquidate bool) { return false }

// ParseInt parses a positive integer parameter.
func ParseInt(name, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", name, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("parameter %s: must be positive, got %d", name, n)
	}
	return n, nil
}

// ParseFraction parses a decimal parameter in (0, 1].
func ParseFraction(name, value string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parameter %s: %w", name, err)
	}
	if !v.IsPositive() || v.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("parameter %s: must be in (0, 1], got %s", name, v)
	}
	return v, nil
}

// ParseBool parses a boolean parameter.
func ParseBool(name, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parameter %s: %w", name, err)
	}
	return b, nil
}
