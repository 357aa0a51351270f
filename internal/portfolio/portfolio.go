// Package portfolio owns the set of funds sharing one brokerage account. It
// routes market data to the funds, applies broker fills to positions and the
// cash ledger, reconciles the ledger with the broker, and fans out throttled
// status snapshots.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"quantfolio/internal/broker"
	"quantfolio/internal/cash"
	"quantfolio/internal/domain"
	"quantfolio/internal/execution"
	"quantfolio/internal/fund"
	"quantfolio/internal/order"
	"quantfolio/internal/position"
	"quantfolio/internal/security"
	"quantfolio/internal/store"
	"quantfolio/internal/strategy"
	"quantfolio/internal/util"
)

var (
	// ErrFundExists is returned when adding a fund whose id is taken.
	ErrFundExists = errors.New("fund already exists")
	// ErrFundNotFound is returned for operations on unknown fund ids.
	ErrFundNotFound = errors.New("fund not found")
	// ErrNotImplemented is returned by operations that are not supported.
	ErrNotImplemented = errors.New("not implemented")
)

// Config parameterizes a Portfolio.
type Config struct {
	// Currency is the account currency every snapshot is reported in.
	Currency domain.Currency
	// StatusInterval is the minimum wall-clock time between two status
	// publications. Zero publishes on every tick.
	StatusInterval time.Duration
}

// Deps are the collaborators a Portfolio is wired to. Journal, Signals,
// PositionStore and Sink are optional.
type Deps struct {
	Registry      *strategy.Registry
	Broker        broker.Broker
	Model         broker.Model
	Calendars     util.Calendars
	Converter     cash.Converter
	Exceptions    fund.ExceptionHandler
	Journal       store.OrderJournal
	Signals       store.SignalStore
	PositionStore store.PositionStore
	Sink          StatusSink
	Log           *slog.Logger
}

// Portfolio is safe for concurrent use. OnData calls must not overlap.
type Portfolio struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	ledger     *cash.Manager
	positions  *position.Tracker
	securities *security.Tracker
	exec       *execution.Handler
	orders     *order.Factory
	exceptions fund.ExceptionHandler
	limiter    *rate.Limiter

	clockMu sync.RWMutex
	clock   time.Time

	mu        sync.RWMutex
	funds     map[string]*fund.QuantFund
	ids       []string
	consensus map[string]map[domain.Security]domain.SecurityState
}

// New wires a Portfolio around its broker.
func New(cfg Config, deps Deps) *Portfolio {
	if cfg.Currency == "" {
		cfg.Currency = domain.USD
	}
	if deps.Converter == nil {
		deps.Converter = cash.NewStaticConverter()
	}
	if deps.Calendars == nil {
		deps.Calendars = util.NewCalendars(domain.MarketUS)
	}
	p := &Portfolio{
		cfg:       cfg,
		deps:      deps,
		log:       deps.Log.With("component", "portfolio"),
		funds:     make(map[string]*fund.QuantFund),
		consensus: make(map[string]map[domain.Security]domain.SecurityState),
	}
	p.exceptions = deps.Exceptions
	if p.exceptions == nil {
		p.exceptions = fund.NewLogExceptionHandler(deps.Log)
	}
	p.securities = security.NewTracker(map[domain.Market]*util.TradingCalendar(deps.Calendars))
	p.positions = position.NewTracker(p.securities)
	p.ledger = cash.NewManager(cfg.Currency, deps.Converter, p.positions, deps.Model, deps.Log)
	p.exec = execution.New(deps.Broker, deps.Journal, p.Now, deps.Log)
	p.orders = order.NewFactory(p.Now)

	limit := rate.Inf
	if cfg.StatusInterval > 0 {
		limit = rate.Every(cfg.StatusInterval)
	}
	p.limiter = rate.NewLimiter(limit, 1)
	return p
}

// Now returns the portfolio clock: the time of the latest data slice, or the
// wall clock before any data arrived.
func (p *Portfolio) Now() time.Time {
	p.clockMu.RLock()
	defer p.clockMu.RUnlock()
	if p.clock.IsZero() {
		return time.Now()
	}
	return p.clock
}

func (p *Portfolio) setClock(t time.Time) {
	p.clockMu.Lock()
	if t.After(p.clock) {
		p.clock = t
	}
	p.clockMu.Unlock()
}

// Ledger returns the shared cash ledger.
func (p *Portfolio) Ledger() *cash.Manager { return p.ledger }

// Positions returns the per-fund position tracker.
func (p *Portfolio) Positions() *position.Tracker { return p.positions }

// Securities returns the security tracker.
func (p *Portfolio) Securities() *security.Tracker { return p.securities }

// Execution returns the execution handler.
func (p *Portfolio) Execution() *execution.Handler { return p.exec }

// ---------------------------------------------------------------------------
// Fund management
// ---------------------------------------------------------------------------

// AddFund creates and initializes a fund and allocates its capital from the
// base account. A fund whose initialization fails is kept in DeployError so
// its state stays visible; no capital is allocated to it.
func (p *Portfolio) AddFund(ctx context.Context, cfg fund.Config) (*fund.QuantFund, error) {
	p.mu.Lock()
	if _, ok := p.funds[cfg.ID]; ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("fund %s: %w", cfg.ID, ErrFundExists)
	}
	f := fund.New(cfg, fund.Deps{
		Registry:   p.deps.Registry,
		Market:     p.securities,
		Executor:   p.exec,
		Ledger:     p.ledger,
		Positions:  p.positions,
		Converter:  p.deps.Converter,
		Exceptions: p.exceptions,
		Orders:     p.orders,
		Now:        p.Now,
		Log:        p.deps.Log,
	})
	p.funds[cfg.ID] = f
	p.ids = append(p.ids, cfg.ID)
	p.consensus[cfg.ID] = make(map[domain.Security]domain.SecurityState)
	p.mu.Unlock()

	if err := f.Initialize(); err != nil {
		return f, fmt.Errorf("initializing fund %s: %w", cfg.ID, err)
	}
	p.restorePositions(ctx, cfg.ID)
	p.ledger.AddQuantFund(cfg.ID, cfg.Currency, cfg.Capital)
	p.log.Info("fund added", "fund", cfg.ID, "capital", cfg.Capital.String(), "currency", cfg.Currency)
	return f, nil
}

func (p *Portfolio) restorePositions(ctx context.Context, fundID string) {
	if p.deps.PositionStore == nil {
		return
	}
	recs, err := p.deps.PositionStore.ListPositions(ctx, fundID)
	if err != nil {
		p.log.Error("loading positions failed", "fund", fundID, "error", err)
		return
	}
	for _, r := range recs {
		p.securities.Subscribe(r.Security)
		p.positions.Restore(fundID, position.Lot{Security: r.Security, Quantity: r.Quantity, AvgPrice: r.AvgPrice})
	}
	if len(recs) > 0 {
		p.log.Info("positions restored", "fund", fundID, "count", len(recs))
	}
}

// StartFund starts a fund.
func (p *Portfolio) StartFund(id string) error {
	f, err := p.lookup(id)
	if err != nil {
		return err
	}
	return f.Start()
}

// StopFund stops a fund. It takes effect immediately.
func (p *Portfolio) StopFund(id string) error {
	f, err := p.lookup(id)
	if err != nil {
		return err
	}
	f.Stop()
	return nil
}

// RemoveFund is not supported: a fund lives as long as its portfolio.
func (p *Portfolio) RemoveFund(id string) error {
	if _, err := p.lookup(id); err != nil {
		return err
	}
	return fmt.Errorf("remove fund %s: %w", id, ErrNotImplemented)
}

// Fund returns the fund with the given id.
func (p *Portfolio) Fund(id string) (*fund.QuantFund, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.funds[id]
	return f, ok
}

// Funds returns every fund in the order they were added.
func (p *Portfolio) Funds() []*fund.QuantFund {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*fund.QuantFund, 0, len(p.ids))
	for _, id := range p.ids {
		out = append(out, p.funds[id])
	}
	return out
}

func (p *Portfolio) lookup(id string) (*fund.QuantFund, error) {
	f, ok := p.Fund(id)
	if !ok {
		return nil, fmt.Errorf("fund %s: %w", id, ErrFundNotFound)
	}
	return f, nil
}

// ---------------------------------------------------------------------------
// Data flow
// ---------------------------------------------------------------------------

// OnData advances the portfolio by one data slice: market state is updated,
// broker fills are applied, every running or backfilling fund processes the
// slice concurrently, due cash settles, and a status snapshot is published
// unless one went out within the status interval.
func (p *Portfolio) OnData(ctx context.Context, u domain.DataUpdates) error {
	p.setClock(u.Time)
	p.securities.Update(u)

	if err := p.exec.Sync(ctx, u.Time, p.securities); err != nil {
		p.log.Error("collecting fills failed", "error", err)
	}
	p.dispatchEvents(ctx)

	g, _ := errgroup.WithContext(ctx)
	for _, f := range p.Funds() {
		switch f.State() {
		case fund.Running, fund.Backfilling:
		default:
			continue
		}
		g.Go(func() error {
			f.OnData(u)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.dispatchEvents(ctx)
	p.ledger.Update(u.Time)
	p.recordConsensus(ctx, u.Time)
	p.publish()
	return ctx.Err()
}

// dispatchEvents applies queued execution events: fills move positions and
// cash, then every event is routed to its fund.
func (p *Portfolio) dispatchEvents(ctx context.Context) {
	for _, e := range p.exec.Drain() {
		f, ok := p.Fund(e.FundID)
		if !ok {
			p.log.Warn("event for unknown fund", "fund", e.FundID, "order", e.OrderID)
			continue
		}
		if e.IsFill() {
			p.applyFill(ctx, f, e)
		}
		f.OnOrderEvent(e)
	}
}

// applyFill books a fill. Buys are paid from settled cash at once; sale
// proceeds settle per the broker model. Fees are charged immediately.
func (p *Portfolio) applyFill(ctx context.Context, f *fund.QuantFund, e order.Event) {
	realized := p.positions.Apply(e.FundID, e.Security, e.FillQuantity, e.FillPrice)
	f.Results().AddRealized(realized)

	cur := e.Security.Currency
	amount := e.FillQuantity.Mul(e.FillPrice).Neg()
	if amount.IsPositive() && p.deps.Model != nil {
		p.ledger.AddCash(cur, amount, cash.ForFund(e.FundID), cash.SettlesAt(p.deps.Model.SettlementTime(e.Security, e.Time)))
	} else {
		p.ledger.AddCash(cur, amount, cash.ForFund(e.FundID))
	}
	if !e.Fee.IsZero() {
		p.ledger.AddCash(cur, e.Fee.Neg(), cash.ForFund(e.FundID))
	}

	p.log.Info("fill applied", "fund", e.FundID, "order", e.OrderID, "security", e.Security.String(),
		"quantity", e.FillQuantity.String(), "price", e.FillPrice.String(), "realized", realized.String())

	if p.deps.PositionStore == nil {
		return
	}
	rec := store.PositionRecord{FundID: e.FundID, Security: e.Security, UpdatedAt: e.Time}
	for _, lot := range p.positions.Lots(e.FundID) {
		if lot.Security == e.Security {
			rec.Quantity, rec.AvgPrice = lot.Quantity, lot.AvgPrice
		}
	}
	if err := p.deps.PositionStore.SavePosition(ctx, rec); err != nil {
		p.log.Error("saving position failed", "fund", e.FundID, "error", err)
	}
}

// recordConsensus journals every consensus change since the previous tick.
func (p *Portfolio) recordConsensus(ctx context.Context, now time.Time) {
	for _, f := range p.Funds() {
		current := f.Consensus()

		p.mu.Lock()
		last := p.consensus[f.ID()]
		var changed []store.SignalRecord
		for sec, st := range current {
			if prev, ok := last[sec]; ok && prev == st {
				continue
			}
			if _, ok := last[sec]; !ok && st == domain.NoEntry {
				last[sec] = st
				continue
			}
			last[sec] = st
			changed = append(changed, store.SignalRecord{FundID: f.ID(), Security: sec, State: st, Time: now})
		}
		p.mu.Unlock()

		if p.deps.Signals == nil {
			continue
		}
		sort.Slice(changed, func(i, j int) bool { return changed[i].Security.String() < changed[j].Security.String() })
		for _, sig := range changed {
			if err := p.deps.Signals.SaveSignal(ctx, sig); err != nil {
				p.log.Error("saving signal failed", "fund", sig.FundID, "error", err)
			}
		}
	}
}

// OnEndOfDay notifies every running fund that the trading day ended.
func (p *Portfolio) OnEndOfDay() {
	for _, f := range p.Funds() {
		if f.IsRunning() {
			f.OnEndOfDay()
		}
	}
}

// OnMarginCall routes margin-call liquidation tickets to their funds.
func (p *Portfolio) OnMarginCall(tickets []*order.Ticket) {
	byFund := make(map[string][]*order.Ticket)
	for _, t := range tickets {
		byFund[t.FundID] = append(byFund[t.FundID], t)
	}
	for _, f := range p.Funds() {
		if ts, ok := byFund[f.ID()]; ok {
			f.OnMarginCall(ts)
		}
	}
}

// SyncAccount reconciles the ledger with the broker-reported account.
func (p *Portfolio) SyncAccount(ctx context.Context) error {
	acct, err := p.deps.Broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("sync account: %w", err)
	}
	if err := p.ledger.Process(domain.AccountActionSync, acct.Currency, acct.Cash, ""); err != nil {
		return err
	}
	if m, ok := p.deps.Model.(interface{ SetDayTradeCount(int64) }); ok {
		m.SetDayTradeCount(acct.DayTradeCount)
	}
	p.ledger.CheckAllocation(acct.Equity, acct.Currency)
	p.log.Debug("account synced", "cash", acct.Cash.String(), "equity", acct.Equity.String())
	return nil
}

// Terminate gives every fund its termination hook. Errors are joined.
func (p *Portfolio) Terminate() error {
	var errs []error
	for _, f := range p.Funds() {
		if err := f.OnTermination(); err != nil {
			errs = append(errs, fmt.Errorf("fund %s: %w", f.ID(), err))
		}
		f.Stop()
	}
	p.dispatchEvents(context.Background())
	p.publishNow()
	return errors.Join(errs...)
}
