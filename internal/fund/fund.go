// Package fund implements QuantFund: one strategy instance with its own
// capital, universe and module chain, its lifecycle state machine, and the
// pipeline that validates order tickets before they reach execution.
package fund

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/cash"
	"quantfolio/internal/domain"
	"quantfolio/internal/order"
	"quantfolio/internal/signal"
	"quantfolio/internal/strategy"
)

// State is the lifecycle state of a fund.
type State int32

const (
	Stopped State = iota
	Initializing
	Backfilling
	Running
	DeployError
)

var stateNames = [...]string{
	Stopped:      "Stopped",
	Initializing: "Initializing",
	Backfilling:  "Backfilling",
	Running:      "Running",
	DeployError:  "DeployError",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

var (
	// ErrDeployError is returned when starting a fund that failed to
	// initialize.
	ErrDeployError = errors.New("fund failed to deploy")
	// ErrNotInitialized is returned when starting a fund before Initialize.
	ErrNotInitialized = errors.New("fund not initialized")
	// ErrNotImplemented marks extension points without an implementation.
	ErrNotImplemented = errors.New("not implemented")
)

// Executor is the order-execution collaborator. Execute hands a validated
// ticket over and returns its response; it must not call back into the fund.
type Executor interface {
	Execute(t *order.Ticket) order.Response
	OpenOrders(fundID string) []order.Order
}

// Market is the fund's view of the market.
type Market interface {
	Subscribe(sec domain.Security)
	Known(sec domain.Security) bool
	Price(sec domain.Security) decimal.Decimal
	Halted(sec domain.Security) bool
	Calendar(sec domain.Security) order.Calendar
}

// Ledger supplies cash snapshots.
type Ledger interface {
	GetCalculatedFunds(account string) cash.CalculatedFunds
}

// Positions supplies the fund's holdings.
type Positions interface {
	Quantity(fundID string, sec domain.Security) decimal.Decimal
}

// ModuleConfig names a registered module and its parameters.
type ModuleConfig struct {
	Name       string
	Parameters map[string]string
}

// Config describes a fund.
type Config struct {
	ID       string
	Name     string
	Currency domain.Currency
	Capital  decimal.Decimal
	Universe domain.Universe
	// Benchmark is optional; the zero Security means none.
	Benchmark       domain.Security
	Modules         []ModuleConfig
	BackfillDays    int
	MaxOrdersPerDay int
}

// Deps are the collaborators a fund is wired to.
type Deps struct {
	Registry   *strategy.Registry
	Market     Market
	Executor   Executor
	Ledger     Ledger
	Positions  Positions
	Converter  cash.Converter
	Exceptions ExceptionHandler
	// Orders is the portfolio-wide order factory; nil gives the fund its own.
	Orders *order.Factory
	// Now returns the current time; the portfolio clock in backtests.
	Now func() time.Time
	Log *slog.Logger
}

// QuantFund is a single strategy instance. Its state is read atomically so
// Stop takes effect immediately; everything else is serialized by mu.
type QuantFund struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	state atomic.Int32

	mu             sync.Mutex
	modules        []strategy.Module
	signals        []strategy.SignalModule
	risk           strategy.RiskManagementModule
	money          strategy.MoneyManagementModule
	initialized    bool
	started        bool
	backfillCutoff time.Time
	orderDay       string
	ordersToday    int
	lastConsensus  map[domain.Security]domain.SecurityState
	benchmark      func() decimal.Decimal
	queued         []order.Order

	board   *signal.Board
	factory *order.Factory
	results *Results
}

var _ strategy.Context = (*QuantFund)(nil)

// New creates a Stopped fund. Call Initialize before Start.
func New(cfg Config, deps Deps) *QuantFund {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Exceptions == nil {
		deps.Exceptions = NewLogExceptionHandler(deps.Log)
	}
	if deps.Orders == nil {
		deps.Orders = order.NewFactory(deps.Now)
	}
	f := &QuantFund{
		cfg:           cfg,
		deps:          deps,
		log:           deps.Log.With("fund", cfg.ID),
		lastConsensus: make(map[domain.Security]domain.SecurityState),
		board:         signal.NewBoard(),
		factory:       deps.Orders,
		results:       newResults(),
		benchmark:     func() decimal.Decimal { return decimal.Zero },
	}
	f.state.Store(int32(Stopped))
	return f
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// State returns the current lifecycle state.
func (f *QuantFund) State() State { return State(f.state.Load()) }

func (f *QuantFund) setState(s State) {
	old := State(f.state.Swap(int32(s)))
	if old != s {
		f.log.Info("fund state changed", "from", old.String(), "to", s.String())
	}
}

// IsRunning reports whether the fund is Running.
func (f *QuantFund) IsRunning() bool { return f.State() == Running }

// IsBackfilling reports whether the fund is Backfilling.
func (f *QuantFund) IsBackfilling() bool { return f.State() == Backfilling }

// Initialize binds the universe, builds and parameterizes the modules,
// subscribes to data for every universe member and binds the benchmark. Any
// failure leaves the fund in DeployError and is reported to the exception
// handler.
func (f *QuantFund) Initialize() (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s := f.State(); s != Stopped || f.initialized {
		return fmt.Errorf("initialize fund %s in state %s", f.cfg.ID, s)
	}
	f.setState(Initializing)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialize fund %s: panic: %v", f.cfg.ID, r)
		}
		if err != nil {
			f.setState(DeployError)
			f.deps.Exceptions.Handle(err, f.cfg.ID)
			return
		}
		f.initialized = true
		f.setState(Stopped)
	}()

	for _, mc := range f.cfg.Modules {
		m, err := f.deps.Registry.New(mc.Name)
		if err != nil {
			return fmt.Errorf("initialize fund %s: %w", f.cfg.ID, err)
		}
		names := make([]string, 0, len(mc.Parameters))
		for name := range mc.Parameters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := m.SetParameter(name, mc.Parameters[name]); err != nil {
				return fmt.Errorf("module %s parameter %s: %w", mc.Name, name, err)
			}
		}
		f.addModule(m)
	}

	for _, m := range f.modules {
		if err := m.Initialize(f); err != nil {
			return fmt.Errorf("initialize module %s: %w", m.Name(), err)
		}
	}

	for sec := range f.cfg.Universe {
		f.deps.Market.Subscribe(sec)
	}

	if bench := f.cfg.Benchmark; bench.Ticker != "" {
		f.deps.Market.Subscribe(bench)
		f.benchmark = func() decimal.Decimal { return f.deps.Market.Price(bench) }
	}
	return nil
}

// addModule appends m and records its capabilities. The first risk and
// money management modules win.
func (f *QuantFund) addModule(m strategy.Module) {
	f.modules = append(f.modules, m)
	if s, ok := m.(strategy.SignalModule); ok {
		f.signals = append(f.signals, s)
	}
	if r, ok := m.(strategy.RiskManagementModule); ok && f.risk == nil {
		f.risk = r
	}
	if mm, ok := m.(strategy.MoneyManagementModule); ok && f.money == nil {
		f.money = mm
	}
}

// Start moves a stopped fund to Running, or to Backfilling on its first start
// when a backfill period is configured.
func (f *QuantFund) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch s := f.State(); s {
	case Running, Backfilling:
		f.log.Info("fund already started", "state", s.String())
		return nil
	case DeployError:
		return fmt.Errorf("start fund %s: %w", f.cfg.ID, ErrDeployError)
	case Initializing:
		return fmt.Errorf("start fund %s: %w", f.cfg.ID, ErrNotInitialized)
	}
	if !f.initialized {
		return fmt.Errorf("start fund %s: %w", f.cfg.ID, ErrNotInitialized)
	}

	first := !f.started
	f.started = true
	if first && f.cfg.BackfillDays > 0 {
		f.backfillCutoff = f.deps.Now()
		f.setState(Backfilling)
		return nil
	}
	f.setState(Running)
	return nil
}

// Stop moves the fund to Stopped immediately. In-flight tickets are not
// waited for; they fail their prechecks. A fund in DeployError stays there.
func (f *QuantFund) Stop() {
	for {
		s := f.State()
		if s == DeployError {
			return
		}
		if f.state.CompareAndSwap(int32(s), int32(Stopped)) {
			if s != Stopped {
				f.log.Info("fund state changed", "from", s.String(), "to", Stopped.String())
			}
			return
		}
	}
}

// BackfillCutoff returns the time at which backfilling ends. It is zero
// unless the fund started with a backfill period.
func (f *QuantFund) BackfillCutoff() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backfillCutoff
}

// BackfillStart returns the first time the backfill replays.
func (f *QuantFund) BackfillStart() time.Time {
	return f.BackfillCutoff().AddDate(0, 0, -f.cfg.BackfillDays)
}

// CompleteBackfill moves a Backfilling fund to Running.
func (f *QuantFund) CompleteBackfill() {
	if f.state.CompareAndSwap(int32(Backfilling), int32(Running)) {
		f.log.Info("fund state changed", "from", Backfilling.String(), "to", Running.String())
	}
}

// OnTermination asks every module whether to liquidate. When all of them
// agree, open orders are cancelled and the fund is liquidated.
func (f *QuantFund) OnTermination() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	liquidate := len(f.modules) > 0
	for _, m := range f.modules {
		vote := false
		f.guard(m, "OnTermination", func() { vote = m.OnTermination() })
		liquidate = liquidate && vote
	}
	if !liquidate {
		return nil
	}

	for _, o := range f.deps.Executor.OpenOrders(f.cfg.ID) {
		d := o.Details()
		t := order.NewCancelTicket(f.cfg.ID, d.Security, d.InternalID)
		if r := f.process(t, true); !r.IsSuccess() {
			f.log.Warn("cancel on termination failed", "order", d.InternalID, "response", r.String())
		}
	}
	return f.liquidate()
}

// liquidate closes every position of the fund.
func (f *QuantFund) liquidate() error {
	f.log.Error("liquidation requested but not available")
	return fmt.Errorf("liquidate fund %s: %w", f.cfg.ID, ErrNotImplemented)
}

// ---------------------------------------------------------------------------
// Market events
// ---------------------------------------------------------------------------

// OnData hands the fund's slice of u to every module and turns consensus
// changes into orders. It does nothing unless the fund is Running or
// Backfilling. A Backfilling fund switches to Running once u reaches the
// backfill cutoff.
func (f *QuantFund) OnData(u domain.DataUpdates) {
	s := f.State()
	if s != Running && s != Backfilling {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if s == Backfilling && !u.Time.Before(f.backfillCutoff) {
		f.CompleteBackfill()
	}

	slice := u.Filter(f.cfg.Universe)
	if slice.Empty() {
		return
	}
	for _, m := range f.modules {
		f.guard(m, "OnData", func() { m.OnData(slice.Clone()) })
	}

	secs := slice.Securities()
	sort.Slice(secs, func(i, j int) bool { return secs[i].String() < secs[j].String() })
	for _, sec := range secs {
		state := f.board.Consensus(sec)
		prev, seen := f.lastConsensus[sec]
		f.lastConsensus[sec] = state
		if (seen && prev == state) || !state.Actionable() {
			continue
		}
		f.log.Debug("consensus changed", "security", sec.String(), "state", state.String())
		for _, sm := range f.signals {
			var o order.Order
			f.guard(sm, "CreateOrder", func() {
				var err error
				if o, err = sm.CreateOrder(sec, state); err != nil {
					f.deps.Exceptions.Handle(fmt.Errorf("module %s CreateOrder: %w", sm.Name(), err), f.cfg.ID)
					o = nil
				}
			})
			if o == nil {
				continue
			}
			t := order.NewSubmitTicket(o)
			if r := f.process(t, true); !r.IsSuccess() {
				f.log.Info("order rejected", "security", sec.String(), "response", r.String())
			}
		}
	}
	f.flushQueued()
}

// OnEndOfDay forwards the end-of-day hook to every module.
func (f *QuantFund) OnEndOfDay() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.modules {
		f.guard(m, "OnEndOfDay", m.OnEndOfDay)
	}
	f.flushQueued()
}

// OnMarginCall forwards a margin call to every module.
func (f *QuantFund) OnMarginCall(tickets []*order.Ticket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.modules {
		f.guard(m, "OnMarginCall", func() { m.OnMarginCall(tickets) })
	}
	f.flushQueued()
}

// OnOrderEvent records e and forwards it to every module.
func (f *QuantFund) OnOrderEvent(e order.Event) {
	f.results.recordEvent(e)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.modules {
		f.guard(m, "OnOrderTicketEvent", func() { m.OnOrderTicketEvent(e) })
	}
	f.flushQueued()
}

// flushQueued sends the orders modules queued through Submit. Must be called
// with mu held.
func (f *QuantFund) flushQueued() {
	for len(f.queued) > 0 {
		o := f.queued[0]
		f.queued = f.queued[1:]
		if r := f.process(order.NewSubmitTicket(o), false); !r.IsSuccess() {
			f.log.Info("queued order rejected", "security", o.Details().Security.String(), "response", r.String())
		}
	}
	f.queued = nil
}

// guard runs a module hook, routing a panic to the exception handler. It
// reports whether fn returned normally.
func (f *QuantFund) guard(m strategy.Module, hook string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			f.deps.Exceptions.Handle(fmt.Errorf("module %s %s: panic: %v", m.Name(), hook, r), f.cfg.ID)
			ok = false
		}
	}()
	fn()
	return true
}

// ---------------------------------------------------------------------------
// strategy.Context
// ---------------------------------------------------------------------------

// ID returns the fund id.
func (f *QuantFund) ID() string { return f.cfg.ID }

func (f *QuantFund) FundID() string            { return f.cfg.ID }
func (f *QuantFund) Universe() domain.Universe { return f.cfg.Universe }
func (f *QuantFund) Signals() *signal.Board    { return f.board }
func (f *QuantFund) Orders() *order.Factory    { return f.factory }
func (f *QuantFund) Logger() *slog.Logger      { return f.log }

// Submit queues o; see strategy.Context. mu is held by the hook calling it.
func (f *QuantFund) Submit(o order.Order) {
	if o == nil {
		return
	}
	f.queued = append(f.queued, o)
}

func (f *QuantFund) Price(sec domain.Security) decimal.Decimal {
	return f.deps.Market.Price(sec)
}

func (f *QuantFund) Position(sec domain.Security) decimal.Decimal {
	return f.deps.Positions.Quantity(f.cfg.ID, sec)
}

// Funds returns the fund's cash snapshot in the fund currency.
func (f *QuantFund) Funds() cash.CalculatedFunds {
	cf := f.deps.Ledger.GetCalculatedFunds(f.cfg.ID)
	if f.cfg.Currency != "" && cf.Currency != f.cfg.Currency {
		cf = cf.ConvertCurrency(f.cfg.Currency, f.deps.Converter)
	}
	return cf
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (f *QuantFund) Name() string               { return f.cfg.Name }
func (f *QuantFund) Config() Config             { return f.cfg }
func (f *QuantFund) Results() *Results          { return f.results }
func (f *QuantFund) Benchmark() decimal.Decimal { return f.benchmark() }

// Consensus returns the current consensus of every security with signal
// interest.
func (f *QuantFund) Consensus() map[domain.Security]domain.SecurityState {
	return f.board.States()
}

// ModuleNames returns the ids of the fund's modules in chain order.
func (f *QuantFund) ModuleNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.modules))
	for i, m := range f.modules {
		out[i] = m.Name()
	}
	return out
}
