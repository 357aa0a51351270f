package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/broker"
	"quantfolio/internal/domain"
	"quantfolio/internal/order"
	"quantfolio/internal/store"
)

var aapl = domain.Security{Ticker: "AAPL", Market: domain.MarketUS, Currency: domain.USD}

var t0 = time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type quotes struct{ price decimal.Decimal }

func (q quotes) Prices(_ domain.Security, now time.Time) order.Prices {
	return order.Prices{Time: now, Current: q.price, High: q.price, Low: q.price}
}

// failingBroker rejects every request.
type failingBroker struct{ broker.Broker }

func (failingBroker) Name() string { return "failing" }
func (failingBroker) SubmitOrder(context.Context, order.Order) (string, error) {
	return "", errors.New("insufficient buying power")
}

func setup(t *testing.T) (*Handler, *broker.SimulatorBroker, *store.SQLiteStore, *order.Factory) {
	t.Helper()
	sim := broker.NewSimulatorBroker(domain.USD, d("10000"), broker.NewDefaultModel(broker.ModelConfig{}))
	journal, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { journal.Close() })
	now := func() time.Time { return t0 }
	h := New(sim, journal, now, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h, sim, journal, order.NewFactory(now)
}

func TestSubmitAndFill(t *testing.T) {
	h, _, journal, f := setup(t)
	ctx := context.Background()

	o := f.NewLimit("f1", aapl, d("10"), d("100"), "entry")
	if r := h.Execute(order.NewSubmitTicket(o)); !r.IsSuccess() {
		t.Fatalf("Execute(submit) = %v", r)
	}
	if o.Details().State != order.StateSubmitted || o.Details().BrokerID == "" {
		t.Errorf("after submit: state %v broker id %q", o.Details().State, o.Details().BrokerID)
	}
	if open := h.OpenOrders("f1"); len(open) != 1 || open[0] != order.Order(o) {
		t.Errorf("OpenOrders(f1) = %v", open)
	}
	if open := h.OpenOrders("f2"); len(open) != 0 {
		t.Errorf("OpenOrders(f2) = %v, want none", open)
	}

	if err := h.Sync(ctx, t0, quotes{d("99")}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	events := h.Drain()
	if len(events) != 2 {
		t.Fatalf("got %d events, want submitted + filled", len(events))
	}
	if events[0].State != order.StateSubmitted || events[0].IsFill() {
		t.Errorf("first event = %+v", events[0])
	}
	fill := events[1]
	if !fill.IsFill() || fill.State != order.StateFilled || !fill.FillQuantity.Equal(d("10")) || !fill.FillPrice.Equal(d("99")) {
		t.Errorf("fill event = %+v", fill)
	}
	if fill.FundID != "f1" || fill.OrderID != o.Details().InternalID {
		t.Errorf("fill identity = %s/%d", fill.FundID, fill.OrderID)
	}
	if h.OpenCount() != 0 {
		t.Errorf("OpenCount after fill = %d, want 0", h.OpenCount())
	}
	if len(h.Drain()) != 0 {
		t.Error("Drain did not clear the queue")
	}

	rec, err := journal.GetOrder(ctx, o.Details().InternalID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if rec.State != "Filled" || !rec.FilledQty.Equal(d("10")) || !rec.AvgFillPrice.Equal(d("99")) || rec.Comment != "entry" {
		t.Errorf("journal record = %+v", rec)
	}
}

func TestUpdateAndCancel(t *testing.T) {
	h, sim, journal, f := setup(t)
	ctx := context.Background()

	o := f.NewLimit("f1", aapl, d("10"), d("90"), "")
	h.Execute(order.NewSubmitTicket(o))

	limit := d("95")
	r := h.Execute(order.NewUpdateTicket("f1", aapl, order.UpdateFields{OrderID: o.Details().InternalID, LimitPrice: &limit}))
	if !r.IsSuccess() {
		t.Fatalf("Execute(update) = %v", r)
	}
	if !o.Details().LimitPrice.Equal(limit) {
		t.Errorf("LimitPrice = %s, want 95", o.Details().LimitPrice)
	}

	r = h.Execute(order.NewCancelTicket("f1", aapl, o.Details().InternalID))
	if !r.IsSuccess() {
		t.Fatalf("Execute(cancel) = %v", r)
	}
	if o.Details().State != order.StateCancelled || sim.OpenOrders() != 0 {
		t.Errorf("after cancel: state %v, broker open %d", o.Details().State, sim.OpenOrders())
	}

	r = h.Execute(order.NewCancelTicket("f1", aapl, o.Details().InternalID))
	if r.Code != order.OrderNotFound {
		t.Errorf("second cancel = %v, want OrderNotFound", r)
	}
	r = h.Execute(order.NewUpdateTicket("f1", aapl, order.UpdateFields{OrderID: 999}))
	if r.Code != order.OrderNotFound {
		t.Errorf("update of unknown order = %v, want OrderNotFound", r)
	}

	events := h.Drain()
	if len(events) != 3 || events[2].State != order.StateCancelled {
		t.Errorf("events = %+v, want submitted, updated, cancelled", events)
	}
	rec, _ := journal.GetOrder(ctx, o.Details().InternalID)
	if rec == nil || rec.State != "Cancelled" || !rec.LimitPrice.Equal(limit) {
		t.Errorf("journal record = %+v", rec)
	}
}

func TestBrokerRejection(t *testing.T) {
	h := New(failingBroker{}, nil, func() time.Time { return t0 }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	o := order.NewFactory(nil).NewMarket("f1", aapl, d("1"), "")

	r := h.Execute(order.NewSubmitTicket(o))
	if r.Code != order.BrokerageRejected {
		t.Fatalf("Execute = %v, want BrokerageRejected", r)
	}
	if o.Details().State != order.StateInvalid {
		t.Errorf("state = %v, want Invalid", o.Details().State)
	}
	if len(h.OpenOrders("f1")) != 0 {
		t.Error("rejected order is tracked as open")
	}
	events := h.Drain()
	if len(events) != 1 || events[0].State != order.StateInvalid {
		t.Errorf("events = %+v, want one Invalid", events)
	}
}
