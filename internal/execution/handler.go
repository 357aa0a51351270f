// Package execution hands validated order tickets to the broker, tracks the
// orders it has open there, journals every state change, and turns broker
// fills into order events for the portfolio to apply.
package execution

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/broker"
	"quantfolio/internal/fund"
	"quantfolio/internal/order"
	"quantfolio/internal/store"
)

// DefaultTimeout bounds a single broker call made on behalf of a ticket.
const DefaultTimeout = 10 * time.Second

type tracked struct {
	o        order.Order
	brokerID string
	filled   decimal.Decimal
	notional decimal.Decimal
}

var _ fund.Executor = (*Handler)(nil)

// Handler implements the fund's execution collaborator. Ticket handling is
// synchronous: the broker call finishes before Execute returns.
type Handler struct {
	broker  broker.Broker
	journal store.OrderJournal
	now     func() time.Time
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	open     map[int64]*tracked
	byBroker map[string]int64
	events   []order.Event
}

// New creates a Handler. A nil journal disables journaling; a nil now uses
// the wall clock.
func New(b broker.Broker, journal store.OrderJournal, now func() time.Time, log *slog.Logger) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{
		broker:   b,
		journal:  journal,
		now:      now,
		timeout:  DefaultTimeout,
		log:      log.With("component", "execution", "broker", b.Name()),
		open:     make(map[int64]*tracked),
		byBroker: make(map[string]int64),
	}
}

// Execute forwards t to the broker and reports the outcome on the ticket.
func (h *Handler) Execute(t *order.Ticket) order.Response {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	switch t.Kind {
	case order.Submit:
		return t.Reply(h.submit(ctx, t.Order))
	case order.Update:
		return t.Reply(h.update(ctx, t.Fields))
	case order.Cancel:
		return t.Reply(h.cancel(ctx, t.OrderID))
	}
	return t.Reply(order.Errorf(order.ProcessingError, "unknown ticket kind %s", t.Kind))
}

func (h *Handler) submit(ctx context.Context, o order.Order) order.Response {
	det := o.Details()
	brokerID, err := h.broker.SubmitOrder(ctx, o)
	if err != nil {
		det.State = order.StateInvalid
		h.log.Warn("order rejected by broker", "fund", det.FundID, "order", det.InternalID, "error", err)
		h.record(ctx, &tracked{o: o}, order.Event{Message: err.Error()})
		return order.Errorf(order.BrokerageRejected, "%v", err)
	}

	det.BrokerID = brokerID
	det.State = order.StateSubmitted
	tr := &tracked{o: o, brokerID: brokerID}

	h.mu.Lock()
	h.open[det.InternalID] = tr
	h.byBroker[brokerID] = det.InternalID
	h.mu.Unlock()

	h.log.Info("order submitted", "fund", det.FundID, "order", det.InternalID, "type", o.Type(),
		"security", det.Security, "quantity", det.Quantity, "broker_id", brokerID)
	h.record(ctx, tr, order.Event{})
	return order.OK
}

func (h *Handler) update(ctx context.Context, f order.UpdateFields) order.Response {
	h.mu.Lock()
	tr, ok := h.open[f.OrderID]
	h.mu.Unlock()
	if !ok {
		return order.Errorf(order.OrderNotFound, "order %d is not open", f.OrderID)
	}

	newID, err := h.broker.ReplaceOrder(ctx, tr.brokerID, f)
	if err != nil {
		h.log.Warn("update rejected by broker", "order", f.OrderID, "error", err)
		return order.Errorf(order.BrokerageRejected, "%v", err)
	}

	h.mu.Lock()
	tr.o.Update(f)
	if newID != tr.brokerID {
		delete(h.byBroker, tr.brokerID)
		h.byBroker[newID] = f.OrderID
		tr.brokerID = newID
		tr.o.Details().BrokerID = newID
	}
	h.mu.Unlock()

	h.record(ctx, tr, order.Event{Message: "updated"})
	return order.OK
}

func (h *Handler) cancel(ctx context.Context, id int64) order.Response {
	h.mu.Lock()
	tr, ok := h.open[id]
	h.mu.Unlock()
	if !ok {
		return order.Errorf(order.OrderNotFound, "order %d is not open", id)
	}

	if err := h.broker.CancelOrder(ctx, tr.brokerID); err != nil {
		h.log.Warn("cancel rejected by broker", "order", id, "error", err)
		return order.Errorf(order.BrokerageRejected, "%v", err)
	}

	h.mu.Lock()
	tr.o.Details().State = order.StateCancelled
	h.closeLocked(id, tr)
	h.mu.Unlock()

	h.record(ctx, tr, order.Event{Message: "cancelled"})
	return order.OK
}

// Sync collects fills from the broker, applies them to the tracked orders and
// queues the resulting events.
func (h *Handler) Sync(ctx context.Context, now time.Time, quotes broker.Quotes) error {
	fills, err := h.broker.Fills(ctx, now, quotes)
	for _, f := range fills {
		h.applyFill(ctx, f)
	}
	return err
}

func (h *Handler) applyFill(ctx context.Context, f broker.Fill) {
	h.mu.Lock()
	id, ok := h.byBroker[f.BrokerID]
	if !ok {
		h.mu.Unlock()
		h.log.Warn("fill for unknown broker order", "broker_id", f.BrokerID)
		return
	}
	tr := h.open[id]
	det := tr.o.Details()
	if !f.Quantity.IsZero() {
		tr.filled = tr.filled.Add(f.Quantity)
		tr.notional = tr.notional.Add(f.Quantity.Mul(f.Price))
	}
	det.State = f.State
	if f.State.Closed() {
		h.closeLocked(id, tr)
	}
	h.mu.Unlock()

	h.record(ctx, tr, order.Event{
		FillPrice:    f.Price,
		FillQuantity: f.Quantity,
		Fee:          f.Fee,
		Time:         f.Time,
		Message:      f.Message,
	})
}

func (h *Handler) closeLocked(id int64, tr *tracked) {
	delete(h.open, id)
	delete(h.byBroker, tr.brokerID)
}

// record stamps e with the order's identity and state, queues it and writes
// the order to the journal.
func (h *Handler) record(ctx context.Context, tr *tracked, e order.Event) {
	det := tr.o.Details()
	e.OrderID = det.InternalID
	e.FundID = det.FundID
	e.Security = det.Security
	e.State = det.State
	if e.Time.IsZero() {
		e.Time = h.now()
	}

	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()

	if h.journal == nil {
		return
	}
	avg := decimal.Zero
	if !tr.filled.IsZero() {
		avg = tr.notional.Div(tr.filled)
	}
	rec := store.OrderRecord{
		ID:           det.InternalID,
		FundID:       det.FundID,
		Security:     det.Security,
		Type:         tr.o.Type().String(),
		State:        det.State.String(),
		Quantity:     det.Quantity,
		LimitPrice:   det.LimitPrice,
		StopPrice:    det.StopPrice,
		FilledQty:    tr.filled,
		AvgFillPrice: avg,
		BrokerID:     tr.brokerID,
		Comment:      det.Comment,
		CreatedAt:    det.CreatedUTC,
		UpdatedAt:    e.Time,
	}
	if err := h.journal.SaveOrder(ctx, rec); err != nil {
		h.log.Error("journal write failed", "order", det.InternalID, "error", err)
	}
}

// Drain returns the queued events in the order they happened and clears the
// queue.
func (h *Handler) Drain() []order.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.events
	h.events = nil
	return out
}

// OpenOrders returns the open orders of a fund ordered by internal id.
func (h *Handler) OpenOrders(fundID string) []order.Order {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []order.Order
	for _, tr := range h.open {
		if tr.o.Details().FundID == fundID {
			out = append(out, tr.o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Details().InternalID < out[j].Details().InternalID })
	return out
}

// OpenCount returns the number of orders open at the broker.
func (h *Handler) OpenCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.open)
}
