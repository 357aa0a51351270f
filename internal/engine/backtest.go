package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/broker"
	"quantfolio/internal/domain"
	"quantfolio/internal/fund"
	"quantfolio/internal/portfolio"
	"quantfolio/internal/store"
	"quantfolio/internal/strategy"
	"quantfolio/internal/util"
)

// periodsPerYear annualizes the Sharpe ratio of daily returns.
const periodsPerYear = 252

// BacktestResult holds the summary metrics of one fund over a backtest run.
type BacktestResult struct {
	FundID       string
	StartValue   decimal.Decimal
	EndValue     decimal.Decimal
	TotalReturn  float64
	SharpeRatio  float64
	MaxDrawdown  float64
	TotalTrades  int
	WinRate      float64
	ProfitFactor float64
	RealizedPnL  decimal.Decimal
	Rejections   int
}

// BacktestConfig describes a backtest run.
type BacktestConfig struct {
	Currency domain.Currency
	// Cash is the starting balance of the simulated account. It must cover
	// the capital of every fund.
	Cash       decimal.Decimal
	Model      broker.ModelConfig
	Calendars  util.Calendars
	Funds      []fund.Config
	Start, End time.Time
}

// Backtester replays stored bars through funds running against a simulated
// broker and computes performance metrics from their equity curves.
type Backtester struct {
	bars     store.BarStore
	registry *strategy.Registry
	log      *slog.Logger
}

// NewBacktester creates a Backtester that reads bars from the given store and
// looks up strategy modules in the provided registry.
func NewBacktester(barStore store.BarStore, registry *strategy.Registry, log *slog.Logger) *Backtester {
	return &Backtester{
		bars:     barStore,
		registry: registry,
		log:      log,
	}
}

// Run executes the backtest and returns one result per fund, ordered by fund
// id. Funds run without a backfill period: the replay itself is their
// history.
func (bt *Backtester) Run(ctx context.Context, cfg BacktestConfig) ([]BacktestResult, error) {
	if len(cfg.Funds) == 0 {
		return nil, fmt.Errorf("backtest: no funds configured")
	}
	if !cfg.End.After(cfg.Start) {
		return nil, fmt.Errorf("backtest: end %s is not after start %s", cfg.End, cfg.Start)
	}
	if cfg.Currency == "" {
		cfg.Currency = domain.USD
	}
	if cfg.Calendars == nil {
		cfg.Calendars = util.NewCalendars(domain.MarketUS)
	}

	model := broker.NewDefaultModel(cfg.Model)
	sim := broker.NewSimulatorBroker(cfg.Currency, cfg.Cash, model)
	rec := newEquityRecorder()
	p := portfolio.New(portfolio.Config{Currency: cfg.Currency}, portfolio.Deps{
		Registry:  bt.registry,
		Broker:    sim,
		Model:     model,
		Calendars: cfg.Calendars,
		Sink:      rec,
		Log:       bt.log,
	})
	if err := p.SyncAccount(ctx); err != nil {
		return nil, fmt.Errorf("backtest: %w", err)
	}

	seen := make(map[domain.Security]bool)
	var securities []domain.Security
	for _, fc := range cfg.Funds {
		fc.BackfillDays = 0
		if _, err := p.AddFund(ctx, fc); err != nil {
			return nil, fmt.Errorf("backtest: %w", err)
		}
		if err := p.StartFund(fc.ID); err != nil {
			return nil, fmt.Errorf("backtest: %w", err)
		}
		for _, sec := range fc.Universe.Securities() {
			if !seen[sec] {
				seen[sec] = true
				securities = append(securities, sec)
			}
		}
	}

	feed := NewReplayFeed(bt.bars, securities, cfg.Start, cfg.End)
	eng := New(Config{}, p, feed, cfg.Calendars, bt.log)
	if err := eng.Run(ctx); err != nil {
		return nil, fmt.Errorf("backtest: %w", err)
	}

	var results []BacktestResult
	for _, f := range p.Funds() {
		res := rec.result(f.ID(), f.Config().Capital)
		snap := f.Results().Snapshot()
		res.TotalTrades = snap.Fills
		res.RealizedPnL = snap.RealizedPnL
		res.Rejections = snap.Rejected
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].FundID < results[j].FundID })
	bt.log.Info("backtest complete", "funds", len(results), "slices", feed.Len(),
		"start", cfg.Start.Format(time.DateOnly), "end", cfg.End.Format(time.DateOnly))
	return results, nil
}

// ---------------------------------------------------------------------------
// Equity curves
// ---------------------------------------------------------------------------

type point struct {
	at       time.Time
	value    decimal.Decimal
	realized decimal.Decimal
}

// equityRecorder is a status sink that keeps every fund's net liquidation
// value and realized PnL per slice.
type equityRecorder struct {
	mu     sync.Mutex
	curves map[string][]point
}

var _ portfolio.StatusSink = (*equityRecorder)(nil)

func newEquityRecorder() *equityRecorder {
	return &equityRecorder{curves: make(map[string][]point)}
}

func (r *equityRecorder) Publish(s portfolio.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fs := range s.Funds {
		curve := r.curves[fs.ID]
		if n := len(curve); n > 0 && !s.Time.After(curve[n-1].at) {
			continue
		}
		r.curves[fs.ID] = append(curve, point{
			at:       s.Time,
			value:    fs.Funds.NetLiquidationValue,
			realized: fs.Results.RealizedPnL,
		})
	}
}

func (r *equityRecorder) result(fundID string, capital decimal.Decimal) BacktestResult {
	r.mu.Lock()
	curve := r.curves[fundID]
	r.mu.Unlock()

	res := BacktestResult{FundID: fundID, StartValue: capital, EndValue: capital}
	if len(curve) == 0 {
		return res
	}
	res.EndValue = curve[len(curve)-1].value
	if capital.IsPositive() {
		res.TotalReturn = res.EndValue.Sub(capital).Div(capital).InexactFloat64()
	}

	values := make([]float64, 0, len(curve)+1)
	values = append(values, capital.InexactFloat64())
	for _, pt := range curve {
		values = append(values, pt.value.InexactFloat64())
	}
	res.MaxDrawdown = maxDrawdown(values)
	res.SharpeRatio = sharpe(returns(values))

	// Every slice that moved realized PnL closed (part of) a position.
	var wins, losses int
	var gain, loss float64
	prev := decimal.Zero
	for _, pt := range curve {
		delta := pt.realized.Sub(prev).InexactFloat64()
		prev = pt.realized
		switch {
		case delta > 0:
			wins++
			gain += delta
		case delta < 0:
			losses++
			loss -= delta
		}
	}
	if wins+losses > 0 {
		res.WinRate = float64(wins) / float64(wins+losses)
	}
	switch {
	case loss > 0:
		res.ProfitFactor = gain / loss
	case gain > 0:
		res.ProfitFactor = math.Inf(1)
	}
	return res
}

func returns(values []float64) []float64 {
	var out []float64
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			continue
		}
		out = append(out, values[i]/values[i-1]-1)
	}
	return out
}

// maxDrawdown returns the largest peak-to-trough decline as a positive
// fraction of the peak.
func maxDrawdown(values []float64) float64 {
	var peak, worst float64
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func sharpe(rets []float64) float64 {
	if len(rets) < 2 {
		return 0
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var variance float64
	for _, r := range rets {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(rets) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(periodsPerYear)
}
