package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
	"quantfolio/internal/order"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface for paper trading and
// backtesting. Orders rest in memory and fill when their trigger condition
// holds against the quotes passed to Fills; there is no order book.
type SimulatorBroker struct {
	model    Model
	currency domain.Currency

	mu        sync.Mutex
	seq       int
	cash      decimal.Decimal
	orders    map[string]order.Order
	positions map[domain.Security]*domain.Position
	marks     map[domain.Security]decimal.Decimal
}

// NewSimulatorBroker creates a SimulatorBroker holding startingCash in
// currency.
func NewSimulatorBroker(currency domain.Currency, startingCash decimal.Decimal, model Model) *SimulatorBroker {
	return &SimulatorBroker{
		model:     model,
		currency:  currency,
		cash:      startingCash,
		orders:    make(map[string]order.Order),
		positions: make(map[domain.Security]*domain.Position),
		marks:     make(map[domain.Security]decimal.Decimal),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SubmitOrder stores a copy of o until it fills or is cancelled.
func (b *SimulatorBroker) SubmitOrder(_ context.Context, o order.Order) (string, error) {
	sec := o.Details().Security
	if !b.model.Supports(sec) {
		return "", fmt.Errorf("submit %s: %w", sec, ErrUnsupported)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := "sim-" + strconv.Itoa(b.seq)
	b.orders[id] = o.Clone()
	return id, nil
}

// ReplaceOrder updates the resting copy in place, keeping its trigger state.
func (b *SimulatorBroker) ReplaceOrder(_ context.Context, brokerID string, f order.UpdateFields) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerID]
	if !ok {
		return "", fmt.Errorf("replace %s: %w", brokerID, ErrOrderNotFound)
	}
	o.Update(f)
	return brokerID, nil
}

// CancelOrder removes the specified order.
func (b *SimulatorBroker) CancelOrder(_ context.Context, brokerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[brokerID]; !ok {
		return fmt.Errorf("cancel %s: %w", brokerID, ErrOrderNotFound)
	}
	delete(b.orders, brokerID)
	return nil
}

// Fills evaluates every resting order against quotes, oldest first. Orders
// on securities without a price never fill.
func (b *SimulatorBroker) Fills(_ context.Context, now time.Time, quotes Quotes) ([]Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sec := range b.positions {
		if p := quotes.Prices(sec, now).Current; !p.IsZero() {
			b.marks[sec] = p
		}
	}

	ids := make([]string, 0, len(b.orders))
	for id := range b.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return seqOf(ids[i]) < seqOf(ids[j]) })

	var fills []Fill
	for _, id := range ids {
		o := b.orders[id]
		det := o.Details()
		p := quotes.Prices(det.Security, now)
		if p.Current.IsZero() {
			continue
		}
		b.marks[det.Security] = p.Current
		ok, px := o.IsTriggered(p)
		if !ok {
			continue
		}

		px = b.model.Slippage(o, px)
		qty := det.Quantity
		fee := b.model.Fee(o, qty, px)
		b.cash = b.cash.Sub(qty.Mul(px)).Sub(fee)
		b.applyFill(det.Security, qty, px)
		delete(b.orders, id)

		fills = append(fills, Fill{
			BrokerID: id,
			Security: det.Security,
			Quantity: qty,
			Price:    px,
			Fee:      fee,
			Time:     now,
			State:    order.StateFilled,
		})
	}
	return fills, nil
}

func (b *SimulatorBroker) applyFill(sec domain.Security, qty, price decimal.Decimal) {
	pos, ok := b.positions[sec]
	if !ok {
		pos = &domain.Position{Symbol: sec.Ticker}
		b.positions[sec] = pos
	}
	total := pos.Qty.Add(qty)
	switch {
	case pos.Qty.IsZero() || pos.Qty.Sign() == qty.Sign():
		pos.AvgEntryPrice = pos.Qty.Mul(pos.AvgEntryPrice).Add(qty.Mul(price)).Div(total)
	case !total.IsZero() && total.Sign() != pos.Qty.Sign():
		pos.AvgEntryPrice = price
	}
	pos.Qty = total
	if total.IsZero() {
		delete(b.positions, sec)
		return
	}
	pos.Side = domain.PositionSideLong
	if total.IsNegative() {
		pos.Side = domain.PositionSideShort
	}
}

// OpenOrders returns the number of resting orders.
func (b *SimulatorBroker) OpenOrders() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// GetPositions returns all simulated positions.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	positions := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// GetAccount returns the simulated cash and equity, marking positions at the
// last seen prices.
func (b *SimulatorBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	equity := b.cash
	gross := decimal.Zero
	for sec, p := range b.positions {
		mark, ok := b.marks[sec]
		if !ok {
			mark = p.AvgEntryPrice
		}
		v := p.Qty.Mul(mark)
		equity = equity.Add(v)
		gross = gross.Add(v.Abs())
	}
	bp := equity.Mul(b.model.Leverage()).Sub(gross)
	if bp.IsNegative() {
		bp = decimal.Zero
	}
	return &domain.AccountInfo{
		Currency:    b.currency,
		Equity:      equity,
		Cash:        b.cash,
		BuyingPower: bp,
	}, nil
}

func seqOf(id string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(id, "sim-"))
	return n
}
