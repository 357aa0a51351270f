package portfolio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/broker"
	"quantfolio/internal/cash"
	"quantfolio/internal/domain"
	"quantfolio/internal/fund"
	"quantfolio/internal/store"
	"quantfolio/internal/strategy"
	"quantfolio/internal/strategy/builtins"
	"quantfolio/internal/util"
)

var aapl = domain.Security{Ticker: "AAPL", Market: domain.MarketUS, Currency: domain.USD}

// 10:00 New York on a regular Wednesday.
var open = time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type recordingSink struct {
	mu       sync.Mutex
	statuses []Status
}

func (s *recordingSink) Publish(st Status) {
	s.mu.Lock()
	s.statuses = append(s.statuses, st)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

type harness struct {
	p     *Portfolio
	sim   *broker.SimulatorBroker
	db    *store.SQLiteStore
	sink  *recordingSink
	model *broker.DefaultModel
}

func newHarness(t *testing.T, interval time.Duration) *harness {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "quantfolio.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	registry := strategy.NewRegistry()
	builtins.Register(registry)
	model := broker.NewDefaultModel(broker.ModelConfig{SettlementDays: 2})
	sim := broker.NewSimulatorBroker(domain.USD, d("10000"), model)
	sink := &recordingSink{}
	p := New(Config{Currency: domain.USD, StatusInterval: interval}, Deps{
		Registry:      registry,
		Broker:        sim,
		Model:         model,
		Calendars:     util.NewCalendars(domain.MarketUS),
		Journal:       db,
		Signals:       db,
		PositionStore: db,
		Sink:          sink,
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &harness{p: p, sim: sim, db: db, sink: sink, model: model}
}

func smaFund(id string) fund.Config {
	return fund.Config{
		ID:       id,
		Name:     "SMA " + id,
		Currency: domain.USD,
		Capital:  d("5000"),
		Universe: domain.Universe{aapl: d("1")},
		Modules: []fund.ModuleConfig{
			{Name: "sma_cross", Parameters: map[string]string{"short": "1", "long": "2"}},
		},
	}
}

func bar(at time.Time, close string) domain.DataUpdates {
	u := domain.NewDataUpdates(at)
	c := d(close)
	u.Bars[aapl] = domain.Bar{Symbol: "AAPL", Timestamp: at, Open: c, High: c, Low: c, Close: c}
	return u
}

func TestAddFundAllocatesCapital(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	if err := h.p.SyncAccount(ctx); err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}

	if _, err := h.p.AddFund(ctx, smaFund("f1")); err != nil {
		t.Fatalf("AddFund: %v", err)
	}
	if got := h.p.Ledger().GetCash("f1", domain.USD); !got.Equal(d("5000")) {
		t.Errorf("fund cash = %s, want 5000", got)
	}
	if got := h.p.Ledger().GetCash(cash.BaseAccount, domain.USD); !got.Equal(d("5000")) {
		t.Errorf("base cash = %s, want 5000", got)
	}

	if _, err := h.p.AddFund(ctx, smaFund("f1")); !errors.Is(err, ErrFundExists) {
		t.Errorf("duplicate AddFund error = %v, want ErrFundExists", err)
	}
	if err := h.p.StartFund("nope"); !errors.Is(err, ErrFundNotFound) {
		t.Errorf("StartFund(nope) = %v, want ErrFundNotFound", err)
	}
	if err := h.p.RemoveFund("f1"); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("RemoveFund = %v, want ErrNotImplemented", err)
	}
}

func TestAddFundDeployError(t *testing.T) {
	h := newHarness(t, 0)
	cfg := smaFund("bad")
	cfg.Modules = []fund.ModuleConfig{{Name: "no_such_module"}}

	f, err := h.p.AddFund(context.Background(), cfg)
	if err == nil {
		t.Fatal("AddFund with unknown module succeeded")
	}
	if f == nil || f.State() != fund.DeployError {
		t.Fatalf("fund = %v, want DeployError", f)
	}
	if h.p.Ledger().HasFund("bad") {
		t.Error("capital allocated to a fund in DeployError")
	}
	if err := h.p.StartFund("bad"); err == nil {
		t.Error("StartFund of a DeployError fund succeeded")
	}
	if len(h.p.Funds()) != 1 {
		t.Errorf("Funds() = %d, want the failed fund listed", len(h.p.Funds()))
	}
}

func TestRoundTrip(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.p.SyncAccount(ctx)
	f, err := h.p.AddFund(ctx, smaFund("f1"))
	if err != nil {
		t.Fatalf("AddFund: %v", err)
	}
	if err := h.p.StartFund("f1"); err != nil {
		t.Fatalf("StartFund: %v", err)
	}

	step := func(i int, close string) {
		t.Helper()
		if err := h.p.OnData(ctx, bar(open.Add(time.Duration(i)*time.Minute), close)); err != nil {
			t.Fatalf("OnData(%d): %v", i, err)
		}
	}

	step(0, "100")
	step(1, "110") // short SMA crosses above: buy 5000/110 = 45 shares at market
	if n := len(h.p.Execution().OpenOrders("f1")); n != 1 {
		t.Fatalf("open orders after entry signal = %d, want 1", n)
	}

	step(2, "111") // filled at 111
	if got := h.p.Positions().Quantity("f1", aapl); !got.Equal(d("45")) {
		t.Fatalf("position = %s, want 45", got)
	}
	if got := h.p.Ledger().GetCash("f1", domain.USD); !got.Equal(d("5")) {
		t.Errorf("fund cash after buy = %s, want 5", got)
	}

	step(3, "100") // crosses below: sell 45
	step(4, "100") // filled at 100, proceeds settle T+2
	if got := h.p.Positions().Quantity("f1", aapl); !got.IsZero() {
		t.Fatalf("position after exit = %s, want 0", got)
	}
	if got := h.p.Ledger().GetSettledCash("f1", domain.USD); !got.Equal(d("5")) {
		t.Errorf("settled cash = %s, want 5", got)
	}
	if got := h.p.Ledger().GetCash("f1", domain.USD); !got.Equal(d("4505")) {
		t.Errorf("total cash = %s, want 4505", got)
	}

	res := f.Results().Snapshot()
	if res.Submitted != 2 || res.Fills != 2 || !res.RealizedPnL.Equal(d("-495")) {
		t.Errorf("results = %+v, want 2 submitted, 2 fills, -495 realized", res)
	}

	// Two business days later the proceeds settle.
	h.p.OnData(ctx, bar(open.AddDate(0, 0, 2).Add(time.Hour), "100"))
	if got := h.p.Ledger().GetSettledCash("f1", domain.USD); !got.Equal(d("4505")) {
		t.Errorf("settled cash after T+2 = %s, want 4505", got)
	}

	orders, err := h.db.ListOrders(ctx, "f1", 0)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 2 || orders[0].State != "Filled" || orders[1].State != "Filled" {
		t.Errorf("journaled orders = %+v", orders)
	}
	signals, _ := h.db.ListSignals(ctx, "f1", 0)
	if len(signals) != 2 || signals[0].State != domain.ExitLong || signals[1].State != domain.EntryLong {
		t.Errorf("journaled signals = %+v, want ExitLong then EntryLong", signals)
	}
	if h.sink.count() != 6 {
		t.Errorf("published %d statuses, want one per tick", h.sink.count())
	}
}

func TestStatusThrottled(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.p.OnData(ctx, bar(open.Add(time.Duration(i)*time.Minute), "100"))
	}
	if h.sink.count() != 1 {
		t.Errorf("published %d statuses inside the interval, want 1", h.sink.count())
	}
}

func TestStoppedFundIgnoresData(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.p.SyncAccount(ctx)
	h.p.AddFund(ctx, smaFund("f1"))
	h.p.StartFund("f1")
	if err := h.p.StopFund("f1"); err != nil {
		t.Fatalf("StopFund: %v", err)
	}
	h.p.OnData(ctx, bar(open, "100"))
	h.p.OnData(ctx, bar(open.Add(time.Minute), "110"))
	if n := len(h.p.Execution().OpenOrders("f1")); n != 0 {
		t.Errorf("stopped fund placed %d orders", n)
	}
}

func TestRestorePositions(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	if err := h.db.SavePosition(ctx, store.PositionRecord{FundID: "f1", Security: aapl, Quantity: d("7"), AvgPrice: d("90")}); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	h.p.AddFund(ctx, smaFund("f1"))
	if got := h.p.Positions().Quantity("f1", aapl); !got.Equal(d("7")) {
		t.Errorf("restored position = %s, want 7", got)
	}
}

func TestSnapshotAndTerminate(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	h.p.SyncAccount(ctx)
	h.p.AddFund(ctx, smaFund("b"))
	h.p.AddFund(ctx, smaFund("a"))
	h.p.StartFund("a")

	s := h.p.Snapshot()
	if len(s.Funds) != 2 || s.Funds[0].ID != "a" || s.Funds[1].ID != "b" {
		t.Fatalf("snapshot funds = %+v", s.Funds)
	}
	if s.Funds[0].State != fund.Running || s.Funds[1].State != fund.Stopped {
		t.Errorf("states = %v/%v", s.Funds[0].State, s.Funds[1].State)
	}
	if !s.Funds[0].Funds.TotalCash.Equal(d("5000")) {
		t.Errorf("fund a cash = %s, want 5000", s.Funds[0].Funds.TotalCash)
	}
	if len(s.Funds[0].Modules) != 1 || s.Funds[0].Modules[0] != "sma-cross" {
		t.Errorf("modules = %v", s.Funds[0].Modules)
	}

	if err := h.p.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if f, _ := h.p.Fund("a"); f.State() != fund.Stopped {
		t.Errorf("state after Terminate = %v, want Stopped", f.State())
	}
	if h.sink.count() != 1 {
		t.Errorf("Terminate published %d statuses, want 1", h.sink.count())
	}
}
