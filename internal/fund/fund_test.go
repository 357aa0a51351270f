package fund

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/cash"
	"quantfolio/internal/domain"
	"quantfolio/internal/order"
	"quantfolio/internal/position"
	"quantfolio/internal/strategy"
	"quantfolio/internal/util"
)

var (
	aapl = domain.Security{Ticker: "AAPL", Market: domain.MarketUS, Currency: domain.USD}
	msft = domain.Security{Ticker: "MSFT", Market: domain.MarketUS, Currency: domain.USD}

	usCalendar = util.NewTradingCalendar(domain.MarketUS)
	cnCalendar = util.NewTradingCalendar(domain.MarketCN)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// wednesday returns 2024-05-01 hh:mm New York time.
func wednesday(hh, mm int) time.Time {
	return time.Date(2024, 5, 1, hh, mm, 0, 0, usCalendar.Location())
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

type fakeMarket struct {
	known  map[domain.Security]bool
	prices map[domain.Security]decimal.Decimal
	halted map[domain.Security]bool
	cals   map[domain.Market]order.Calendar
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		known:  make(map[domain.Security]bool),
		prices: make(map[domain.Security]decimal.Decimal),
		halted: make(map[domain.Security]bool),
	}
}

func (m *fakeMarket) Subscribe(sec domain.Security)             { m.known[sec] = true }
func (m *fakeMarket) Known(sec domain.Security) bool            { return m.known[sec] }
func (m *fakeMarket) Price(sec domain.Security) decimal.Decimal { return m.prices[sec] }
func (m *fakeMarket) Halted(sec domain.Security) bool           { return m.halted[sec] }

func (m *fakeMarket) Calendar(sec domain.Security) order.Calendar {
	if c, ok := m.cals[sec.Market]; ok {
		return c
	}
	return usCalendar
}

type fakeExecutor struct {
	tickets []*order.Ticket
	resp    order.Response
	open    []order.Order
}

func (e *fakeExecutor) Execute(t *order.Ticket) order.Response {
	e.tickets = append(e.tickets, t)
	return e.resp
}

func (e *fakeExecutor) OpenOrders(string) []order.Order { return e.open }

// ---------------------------------------------------------------------------
// Modules
// ---------------------------------------------------------------------------

type testSignal struct {
	strategy.Base
	state     domain.SecurityState
	qty       decimal.Decimal
	terminate bool
	created   int
}

func (s *testSignal) OnData(u domain.DataUpdates) {
	for sec := range u.Bars {
		s.Ctx.Signals().SetState(sec, s.Name(), s.state)
	}
}

func (s *testSignal) CreateOrder(sec domain.Security, _ domain.SecurityState) (order.Order, error) {
	s.created++
	return s.Ctx.Orders().NewMarket(s.Ctx.FundID(), sec, s.qty, "test"), nil
}

func (s *testSignal) OnTermination() bool { return s.terminate }

type faultyModule struct {
	strategy.Base
	failInit bool
}

func (m *faultyModule) Initialize(ctx strategy.Context) error {
	if m.failInit {
		panic("cannot initialize")
	}
	return m.Base.Initialize(ctx)
}

func (m *faultyModule) OnData(domain.DataUpdates) { panic("bad data") }

type testRisk struct {
	strategy.Base
	allow        bool
	err          error
	stop         bool
	allowedCalls int
	riskCalls    int
}

func (r *testRisk) IsTradingAllowed(domain.Security) (bool, error) {
	r.allowedCalls++
	return r.allow, r.err
}

func (r *testRisk) RiskManagement(t *order.Ticket, _ domain.SecurityState, _ decimal.Decimal) ([]order.Order, error) {
	r.riskCalls++
	if !r.stop {
		return nil, nil
	}
	det := t.Order.Details()
	return []order.Order{r.Ctx.Orders().NewStopMarket(det.FundID, det.Security, d("-3"), d("90"), "stop")}, nil
}

// testProtector places a stop for every fill it sees.
type testProtector struct {
	strategy.Base
}

func (p *testProtector) OnOrderTicketEvent(e order.Event) {
	if e.IsFill() {
		p.Ctx.Submit(p.Ctx.Orders().NewStopMarket(p.Ctx.FundID(), e.Security, e.FillQuantity.Neg(), d("90"), "protect"))
	}
}

type testMoney struct {
	strategy.Base
	qty    decimal.Decimal
	panics bool
	calls  int
}

func (m *testMoney) OrderQuantity(*order.Ticket, domain.SecurityState, decimal.Decimal) (decimal.Decimal, error) {
	m.calls++
	if m.panics {
		panic("sizing failed")
	}
	return m.qty, nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	f      *QuantFund
	market *fakeMarket
	exec   *fakeExecutor
	exc    *LogExceptionHandler
	conv   *cash.StaticConverter
	now    time.Time
}

func newHarness(t *testing.T, cfg Config, modules ...strategy.Module) *harness {
	t.Helper()
	h := &harness{
		market: newFakeMarket(),
		exec:   &fakeExecutor{},
		exc:    NewLogExceptionHandler(testLogger()),
		conv:   cash.NewStaticConverter(),
		now:    wednesday(10, 0),
	}

	reg := strategy.NewRegistry()
	for _, m := range modules {
		m := m
		reg.Register(m.Name(), func() strategy.Module { return m })
		cfg.Modules = append(cfg.Modules, ModuleConfig{Name: m.Name()})
	}
	if cfg.ID == "" {
		cfg.ID = "fund1"
	}
	if cfg.Currency == "" {
		cfg.Currency = domain.USD
	}
	if cfg.Universe == nil {
		cfg.Universe = domain.Universe{aapl: d("0.5")}
	}

	ledger := cash.NewManager(domain.USD, h.conv, nil, nil, testLogger())
	h.f = New(cfg, Deps{
		Registry:   reg,
		Market:     h.market,
		Executor:   h.exec,
		Ledger:     ledger,
		Positions:  position.NewTracker(h.market),
		Converter:  h.conv,
		Exceptions: h.exc,
		Now:        func() time.Time { return h.now },
		Log:        testLogger(),
	})
	return h
}

// running initializes and starts the fund and prices AAPL at 100.
func (h *harness) running(t *testing.T) *harness {
	t.Helper()
	if err := h.f.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := h.f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.market.prices[aapl] = d("100")
	return h
}

func (h *harness) marketTicket(sec domain.Security, qty string) *order.Ticket {
	return order.NewSubmitTicket(h.f.Orders().NewMarket(h.f.ID(), sec, d(qty), ""))
}

func (h *harness) bar(t time.Time, sec domain.Security, price string) domain.DataUpdates {
	u := domain.NewDataUpdates(t)
	u.Bars[sec] = domain.Bar{Symbol: sec.Ticker, Timestamp: t, Open: d(price), High: d(price), Low: d(price), Close: d(price)}
	return u
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestLifecycle(t *testing.T) {
	h := newHarness(t, Config{})
	if got := h.f.State(); got != Stopped {
		t.Fatalf("initial State = %v, want Stopped", got)
	}
	if err := h.f.Start(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Start before Initialize error = %v, want ErrNotInitialized", err)
	}
	if err := h.f.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !h.market.Known(aapl) {
		t.Error("Initialize did not subscribe the universe")
	}

	if err := h.f.Start(); err != nil || !h.f.IsRunning() {
		t.Fatalf("Start = %v, state %v", err, h.f.State())
	}
	if err := h.f.Start(); err != nil || !h.f.IsRunning() {
		t.Errorf("second Start = %v, state %v, want no-op", err, h.f.State())
	}
	h.f.Stop()
	if got := h.f.State(); got != Stopped {
		t.Errorf("State after Stop = %v, want Stopped", got)
	}
	if err := h.f.Start(); err != nil || !h.f.IsRunning() {
		t.Errorf("restart = %v, state %v", err, h.f.State())
	}
}

func TestBackfillOnFirstStartOnly(t *testing.T) {
	h := newHarness(t, Config{BackfillDays: 5}, &testSignal{Base: strategy.Base{ID: "signal"}, state: domain.EntryLong, qty: d("10")})
	h.running(t)

	if !h.f.IsBackfilling() {
		t.Fatalf("State after first Start = %v, want Backfilling", h.f.State())
	}
	if got := h.f.BackfillCutoff(); !got.Equal(h.now) {
		t.Errorf("BackfillCutoff = %v, want %v", got, h.now)
	}
	if got, want := h.f.BackfillStart(), h.now.AddDate(0, 0, -5); !got.Equal(want) {
		t.Errorf("BackfillStart = %v, want %v", got, want)
	}

	// Historical data warms the modules up but orders are refused.
	h.f.OnData(h.bar(h.now.AddDate(0, 0, -1), aapl, "100"))
	if !h.f.IsBackfilling() {
		t.Errorf("State after historical data = %v, want Backfilling", h.f.State())
	}
	if len(h.exec.tickets) != 0 {
		t.Errorf("executor received %d tickets while backfilling", len(h.exec.tickets))
	}
	if got := h.f.Results().Snapshot().Rejections[order.QuantFundBackfilling]; got != 1 {
		t.Errorf("QuantFundBackfilling rejections = %d, want 1", got)
	}

	h.f.OnData(h.bar(h.now, aapl, "100"))
	if !h.f.IsRunning() {
		t.Errorf("State at cutoff = %v, want Running", h.f.State())
	}

	h.f.Stop()
	if err := h.f.Start(); err != nil || !h.f.IsRunning() {
		t.Errorf("restart = %v, state %v, want Running without backfill", err, h.f.State())
	}
}

func TestDeployError(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		mods []strategy.Module
	}{
		{"unknown module", Config{Modules: []ModuleConfig{{Name: "missing"}}}, nil},
		{"bad parameter", Config{}, []strategy.Module{&faultyModule{Base: strategy.Base{ID: "faulty"}}}},
		{"panicking initialize", Config{}, []strategy.Module{&faultyModule{Base: strategy.Base{ID: "faulty"}, failInit: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.cfg, tt.mods...)
			if tt.name == "bad parameter" {
				h.f.cfg.Modules[0].Parameters = map[string]string{"nope": "1"}
			}
			if err := h.f.Initialize(); err == nil {
				t.Fatal("Initialize returned nil error")
			}
			if got := h.f.State(); got != DeployError {
				t.Errorf("State = %v, want DeployError", got)
			}
			if got := h.exc.Count("fund1"); got != 1 {
				t.Errorf("exception count = %d, want 1", got)
			}
			if err := h.f.Start(); !errors.Is(err, ErrDeployError) {
				t.Errorf("Start error = %v, want ErrDeployError", err)
			}
			h.f.Stop()
			if got := h.f.State(); got != DeployError {
				t.Errorf("State after Stop = %v, want DeployError", got)
			}
		})
	}
}

func TestOnTermination(t *testing.T) {
	open := order.NewFactory(time.Now).NewLimit("fund1", aapl, d("5"), d("90"), "")

	for _, votes := range [][2]bool{{true, true}, {true, false}} {
		a := &testSignal{Base: strategy.Base{ID: "a"}, terminate: votes[0]}
		b := &testSignal{Base: strategy.Base{ID: "b"}, terminate: votes[1]}
		h := newHarness(t, Config{}, a, b).running(t)
		h.exec.open = []order.Order{open}

		err := h.f.OnTermination()
		unanimous := votes[0] && votes[1]
		if unanimous {
			if !errors.Is(err, ErrNotImplemented) {
				t.Errorf("OnTermination error = %v, want ErrNotImplemented", err)
			}
			if len(h.exec.tickets) != 1 || h.exec.tickets[0].Kind != order.Cancel || h.exec.tickets[0].OrderID != open.Details().InternalID {
				t.Errorf("cancel tickets = %+v, want one cancel for the open order", h.exec.tickets)
			}
		} else {
			if err != nil {
				t.Errorf("OnTermination error = %v, want nil", err)
			}
			if len(h.exec.tickets) != 0 {
				t.Errorf("executor received %d tickets without unanimous vote", len(h.exec.tickets))
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

func TestPrecheckOrdering(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		ticket func(h *harness) *order.Ticket
		want   order.ErrorCode
	}{
		{
			name:   "missing security before stopped",
			setup:  func(h *harness) { h.f.Stop() },
			ticket: func(h *harness) *order.Ticket { return h.marketTicket(msft, "1") },
			want:   order.MissingSecurity,
		},
		{
			name: "stopped before price zero",
			setup: func(h *harness) {
				h.f.Stop()
				h.market.prices[aapl] = decimal.Zero
			},
			ticket: func(h *harness) *order.Ticket { return h.marketTicket(aapl, "1") },
			want:   order.PreOrderChecksError,
		},
		{
			name: "price zero before halted",
			setup: func(h *harness) {
				h.market.prices[aapl] = decimal.Zero
				h.market.halted[aapl] = true
			},
			ticket: func(h *harness) *order.Ticket { return h.marketTicket(aapl, "1") },
			want:   order.SecurityPriceZero,
		},
		{
			name:   "halted before zero quantity",
			setup:  func(h *harness) { h.market.halted[aapl] = true },
			ticket: func(h *harness) *order.Ticket { return h.marketTicket(aapl, "0") },
			want:   order.NonTradableSecurity,
		},
		{
			name:  "zero quantity before exchange closed",
			setup: func(h *harness) { h.now = wednesday(20, 0) },
			ticket: func(h *harness) *order.Ticket {
				return order.NewSubmitTicket(h.f.Orders().NewMarketOnClose("fund1", aapl, decimal.Zero, ""))
			},
			want: order.OrderQuantityZero,
		},
		{
			name: "exchange closed before backfilling",
			setup: func(h *harness) {
				h.now = wednesday(20, 0)
				h.f.state.Store(int32(Backfilling))
			},
			ticket: func(h *harness) *order.Ticket {
				return order.NewSubmitTicket(h.f.Orders().NewMarketOnClose("fund1", aapl, d("1"), ""))
			},
			want: order.ExchangeNotOpen,
		},
		{
			name: "too late before backfilling",
			setup: func(h *harness) {
				h.now = wednesday(15, 50)
				h.f.state.Store(int32(Backfilling))
			},
			ticket: func(h *harness) *order.Ticket {
				return order.NewSubmitTicket(h.f.Orders().NewMarketOnClose("fund1", aapl, d("1"), ""))
			},
			want: order.MarketOnCloseOrderTooLate,
		},
		{
			name: "backfilling before conversion rate",
			setup: func(h *harness) {
				h.f.state.Store(int32(Backfilling))
				h.f.cfg.Currency = domain.CNY
			},
			ticket: func(h *harness) *order.Ticket { return h.marketTicket(aapl, "1") },
			want:   order.QuantFundBackfilling,
		},
		{
			name: "conversion rate before order limit",
			setup: func(h *harness) {
				h.f.cfg.Currency = domain.CNY
				h.f.cfg.MaxOrdersPerDay = 1
				h.f.orderDay = "2024-05-01"
				h.f.ordersToday = 1
			},
			ticket: func(h *harness) *order.Ticket { return h.marketTicket(aapl, "1") },
			want:   order.ConversionRateZero,
		},
		{
			name: "order limit",
			setup: func(h *harness) {
				h.f.cfg.MaxOrdersPerDay = 1
				h.f.orderDay = "2024-05-01"
				h.f.ordersToday = 1
			},
			ticket: func(h *harness) *order.Ticket { return h.marketTicket(aapl, "1") },
			want:   order.ExceededMaximumOrders,
		},
		{
			name:   "market on close in time",
			setup:  func(h *harness) { h.now = wednesday(15, 40) },
			ticket: func(h *harness) *order.Ticket { return order.NewSubmitTicket(h.f.Orders().NewMarketOnClose("fund1", aapl, d("1"), "")) },
			want:   order.Success,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}).running(t)
			tt.setup(h)
			tk := tt.ticket(h)
			r := h.f.ProcessTicket(tk)
			if r.Code != tt.want {
				t.Errorf("ProcessTicket = %v, want %v", r, tt.want)
			}
			if tk.Response != r {
				t.Errorf("ticket response = %v, want %v", tk.Response, r)
			}
			if forwarded := len(h.exec.tickets) == 1; forwarded != (tt.want == order.Success) {
				t.Errorf("forwarded = %v for %v", forwarded, tt.want)
			}
		})
	}
}

func TestHaltedSecurityRejected(t *testing.T) {
	h := newHarness(t, Config{}).running(t)
	h.market.halted[aapl] = true

	tk := h.marketTicket(aapl, "25")
	r := h.f.ProcessTicket(tk)
	if r.Code != order.NonTradableSecurity {
		t.Errorf("ProcessTicket = %v, want NonTradableSecurity", r)
	}
	if got := tk.Quantity(); !got.Equal(d("25")) {
		t.Errorf("ticket quantity = %s, want 25", got)
	}
	if got := tk.Order.Details().State; got != order.StateInvalid {
		t.Errorf("order state = %v, want Invalid", got)
	}
}

func TestMarketOrderBecomesMarketOnOpenWhenClosed(t *testing.T) {
	h := newHarness(t, Config{}).running(t)
	h.now = wednesday(20, 0)

	tk := h.marketTicket(aapl, "3")
	id := tk.OrderID
	if r := h.f.ProcessTicket(tk); !r.IsSuccess() {
		t.Fatalf("ProcessTicket = %v", r)
	}
	if typ, _ := tk.Type(); typ != order.TypeMarketOnOpen {
		t.Errorf("order type = %v, want MarketOnOpen", typ)
	}
	if tk.Order.Details().InternalID != id {
		t.Errorf("converted order id = %d, want %d", tk.Order.Details().InternalID, id)
	}
}

func TestDailyOrderLimitResets(t *testing.T) {
	h := newHarness(t, Config{MaxOrdersPerDay: 1}).running(t)

	if r := h.f.ProcessTicket(h.marketTicket(aapl, "1")); !r.IsSuccess() {
		t.Fatalf("first order = %v", r)
	}
	if r := h.f.ProcessTicket(h.marketTicket(aapl, "1")); r.Code != order.ExceededMaximumOrders {
		t.Errorf("second order = %v, want ExceededMaximumOrders", r)
	}
	// Rejected and update tickets do not count.
	upd := order.NewUpdateTicket("fund1", aapl, order.UpdateFields{OrderID: 1})
	if r := h.f.ProcessTicket(upd); r.Code != order.ExceededMaximumOrders {
		t.Errorf("update over limit = %v, want ExceededMaximumOrders", r)
	}

	h.now = h.now.AddDate(0, 0, 1)
	if r := h.f.ProcessTicket(h.marketTicket(aapl, "1")); !r.IsSuccess() {
		t.Errorf("order on next day = %v, want success", r)
	}
}

func TestStopFailsPrechecks(t *testing.T) {
	h := newHarness(t, Config{}).running(t)
	h.f.Stop()
	if r := h.f.ProcessTicket(h.marketTicket(aapl, "1")); r.Code != order.PreOrderChecksError {
		t.Errorf("ProcessTicket after Stop = %v, want PreOrderChecksError", r)
	}
	// Cancels still go through.
	if r := h.f.ProcessTicket(order.NewCancelTicket("fund1", aapl, 42)); !r.IsSuccess() {
		t.Errorf("cancel after Stop = %v, want success", r)
	}
}

func TestRiskManagementRefusal(t *testing.T) {
	for _, risk := range []*testRisk{
		{Base: strategy.Base{ID: "risk"}, allow: false},
		{Base: strategy.Base{ID: "risk"}, allow: true, err: errors.New("no data")},
	} {
		h := newHarness(t, Config{}, risk).running(t)
		if r := h.f.ProcessTicket(h.marketTicket(aapl, "1")); r.Code != order.RiskManagementNotAllowed {
			t.Errorf("ProcessTicket = %v, want RiskManagementNotAllowed", r)
		}
		if len(h.exec.tickets) != 0 {
			t.Errorf("executor received %d tickets", len(h.exec.tickets))
		}
		wantFaults := 0
		if risk.err != nil {
			wantFaults = 1
		}
		if got := h.exc.Count("fund1"); got != wantFaults {
			t.Errorf("exception count = %d, want %d", got, wantFaults)
		}
	}
}

func TestSupplementaryOrdersSkipModules(t *testing.T) {
	risk := &testRisk{Base: strategy.Base{ID: "risk"}, allow: true, stop: true}
	money := &testMoney{Base: strategy.Base{ID: "money"}, qty: d("7")}
	h := newHarness(t, Config{}, risk, money).running(t)

	tk := h.marketTicket(aapl, "1")
	if r := h.f.ProcessTicket(tk); !r.IsSuccess() {
		t.Fatalf("ProcessTicket = %v", r)
	}
	if risk.allowedCalls != 1 || risk.riskCalls != 1 || money.calls != 1 {
		t.Errorf("module calls allowed=%d risk=%d money=%d, want 1 each", risk.allowedCalls, risk.riskCalls, money.calls)
	}
	if len(h.exec.tickets) != 2 {
		t.Fatalf("executor received %d tickets, want 2", len(h.exec.tickets))
	}
	stop := h.exec.tickets[0]
	if typ, _ := stop.Type(); typ != order.TypeStopMarket || !stop.Quantity().Equal(d("-3")) {
		t.Errorf("supplementary ticket = %v qty %s, want StopMarket -3 untouched by money management", typ, stop.Quantity())
	}
	if got := h.exec.tickets[1].Quantity(); !got.Equal(d("7")) {
		t.Errorf("main ticket quantity = %s, want 7 from money management", got)
	}
}

func TestRejectedTicketCancelsSupplementaryOrders(t *testing.T) {
	risk := &testRisk{Base: strategy.Base{ID: "risk"}, allow: true, stop: true}
	money := &testMoney{Base: strategy.Base{ID: "money"}, qty: d("40")}
	h := newHarness(t, Config{MaxOrdersPerDay: 1}, risk, money).running(t)

	tk := h.marketTicket(aapl, "1")
	if r := h.f.ProcessTicket(tk); r.Code != order.ExceededMaximumOrders {
		t.Fatalf("ProcessTicket = %v, want ExceededMaximumOrders", r)
	}
	if len(h.exec.tickets) != 2 {
		t.Fatalf("executor received %d tickets, want stop and its cancel", len(h.exec.tickets))
	}
	stop, cancel := h.exec.tickets[0], h.exec.tickets[1]
	if stop.Kind != order.Submit || cancel.Kind != order.Cancel {
		t.Errorf("tickets = %v, %v, want Submit then Cancel", stop.Kind, cancel.Kind)
	}
	if cancel.OrderID != stop.OrderID {
		t.Errorf("cancelled order %d, want the stop %d", cancel.OrderID, stop.OrderID)
	}
}

func TestSubmitFromEventHook(t *testing.T) {
	risk := &testRisk{Base: strategy.Base{ID: "risk"}, allow: true}
	protect := &testProtector{Base: strategy.Base{ID: "protect"}}
	h := newHarness(t, Config{}, risk, protect).running(t)

	h.f.OnOrderEvent(order.Event{OrderID: 1, FundID: "fund1", Security: aapl, State: order.StateFilled,
		FillPrice: d("100"), FillQuantity: d("40"), Time: h.now})

	if len(h.exec.tickets) != 1 {
		t.Fatalf("executor received %d tickets, want 1", len(h.exec.tickets))
	}
	st := h.exec.tickets[0]
	if typ, _ := st.Type(); typ != order.TypeStopMarket || !st.Quantity().Equal(d("-40")) {
		t.Errorf("queued ticket = %v qty %s, want StopMarket -40", typ, st.Quantity())
	}
	if risk.allowedCalls != 0 {
		t.Errorf("risk consulted %d times for a queued order", risk.allowedCalls)
	}

	// Prechecks still apply to queued orders.
	h.f.Stop()
	h.f.OnOrderEvent(order.Event{OrderID: 2, FundID: "fund1", Security: aapl, State: order.StateFilled,
		FillPrice: d("100"), FillQuantity: d("5"), Time: h.now})
	if len(h.exec.tickets) != 1 {
		t.Errorf("stopped fund forwarded a queued order")
	}
}

func TestMoneyManagementFaultKeepsQuantity(t *testing.T) {
	money := &testMoney{Base: strategy.Base{ID: "money"}, panics: true}
	h := newHarness(t, Config{}, money).running(t)

	tk := h.marketTicket(aapl, "4")
	if r := h.f.ProcessTicket(tk); !r.IsSuccess() {
		t.Fatalf("ProcessTicket = %v", r)
	}
	if got := tk.Quantity(); !got.Equal(d("4")) {
		t.Errorf("quantity = %s, want 4", got)
	}
	if got := h.exc.Count("fund1"); got != 1 {
		t.Errorf("exception count = %d, want 1", got)
	}
}

func TestUpdateSkipsModules(t *testing.T) {
	risk := &testRisk{Base: strategy.Base{ID: "risk"}, allow: false}
	h := newHarness(t, Config{}, risk).running(t)

	q := d("2")
	upd := order.NewUpdateTicket("fund1", aapl, order.UpdateFields{OrderID: 9, Quantity: &q})
	if r := h.f.ProcessTicket(upd); !r.IsSuccess() {
		t.Errorf("update = %v, want success", r)
	}
	if risk.allowedCalls != 0 {
		t.Errorf("risk consulted %d times for an update", risk.allowedCalls)
	}
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

func TestOnDataTurnsConsensusIntoOrders(t *testing.T) {
	sig := &testSignal{Base: strategy.Base{ID: "signal"}, state: domain.EntryLong, qty: d("10")}
	faulty := &faultyModule{Base: strategy.Base{ID: "faulty"}}
	h := newHarness(t, Config{}, sig, faulty).running(t)

	h.f.OnData(h.bar(h.now, aapl, "100"))
	if got := h.exc.Count("fund1"); got != 1 {
		t.Errorf("exception count = %d, want 1", got)
	}
	if len(h.exec.tickets) != 1 {
		t.Fatalf("executor received %d tickets, want 1", len(h.exec.tickets))
	}
	if got := h.exec.tickets[0].Quantity(); !got.Equal(d("10")) {
		t.Errorf("order quantity = %s, want 10", got)
	}

	// Unchanged consensus does not repeat the order.
	h.f.OnData(h.bar(h.now.Add(time.Minute), aapl, "101"))
	if sig.created != 1 {
		t.Errorf("CreateOrder called %d times, want 1", sig.created)
	}

	// Data outside the universe is filtered out.
	h.f.OnData(h.bar(h.now.Add(2*time.Minute), msft, "300"))
	if _, ok := h.f.Consensus()[msft]; ok {
		t.Error("consensus recorded for a security outside the universe")
	}

	h.f.Stop()
	h.f.OnData(h.bar(h.now.Add(3*time.Minute), aapl, "102"))
	if got := h.exc.Count("fund1"); got != 2 {
		t.Errorf("exception count after stopped OnData = %d, want 2", got)
	}
}

func TestOnOrderEventRecordsFills(t *testing.T) {
	h := newHarness(t, Config{}).running(t)
	h.f.OnOrderEvent(order.Event{OrderID: 1, FundID: "fund1", Security: aapl, State: order.StateFilled,
		FillPrice: d("100"), FillQuantity: d("-3"), Fee: d("1")})
	h.f.OnOrderEvent(order.Event{OrderID: 2, FundID: "fund1", Security: aapl, State: order.StateCancelled})
	h.f.Results().AddRealized(d("12.5"))

	got := h.f.Results().Snapshot()
	if got.Fills != 1 || !got.Traded.Equal(d("300")) || !got.Fees.Equal(d("1")) || !got.RealizedPnL.Equal(d("12.5")) {
		t.Errorf("Results = %+v", got)
	}
}

func TestMarketOnCloseDeadlineUsesDayClose(t *testing.T) {
	moutai := domain.Security{Ticker: "600519", Market: domain.MarketCN, Currency: domain.CNY}
	sh := cnCalendar.Location()
	tests := []struct {
		name string
		now  time.Time
		want order.ErrorCode
	}{
		{"before lunch", time.Date(2024, 5, 8, 11, 20, 0, 0, sh), order.Success},
		{"afternoon", time.Date(2024, 5, 8, 14, 40, 0, 0, sh), order.Success},
		{"too late", time.Date(2024, 5, 8, 14, 50, 0, 0, sh), order.MarketOnCloseOrderTooLate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{Currency: domain.CNY, Universe: domain.Universe{moutai: d("1")}}).running(t)
			h.market.cals = map[domain.Market]order.Calendar{domain.MarketCN: cnCalendar}
			h.market.known[moutai] = true
			h.market.prices[moutai] = d("1700")
			h.now = tt.now

			tk := order.NewSubmitTicket(h.f.Orders().NewMarketOnClose("fund1", moutai, d("100"), ""))
			if r := h.f.ProcessTicket(tk); r.Code != tt.want {
				t.Errorf("ProcessTicket = %v, want %v", r, tt.want)
			}
		})
	}
}
