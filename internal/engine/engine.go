// Package engine hosts a portfolio: it pulls slices from a data feed, replays
// history into funds that start with a backfill period, signals the end of
// each trading day, reconciles the ledger with the broker on a schedule and
// terminates the funds when the feed ends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"quantfolio/internal/domain"
	"quantfolio/internal/fund"
	"quantfolio/internal/portfolio"
	"quantfolio/internal/store"
	"quantfolio/internal/util"
)

// Config parameterizes an Engine.
type Config struct {
	// SyncInterval is the data-time period between account reconciliations.
	// Zero reconciles only at startup.
	SyncInterval time.Duration
	// Market selects the calendar whose local date drives end-of-day
	// notifications. Defaults to the US market.
	Market domain.Market
	// History is the bar source for backfill replays. Without it funds skip
	// their backfill and start running at once.
	History store.BarStore
}

// Engine drives a portfolio from a feed. Run must not be called twice.
type Engine struct {
	cfg       Config
	portfolio *portfolio.Portfolio
	feed      Feed
	loc       *time.Location
	log       *slog.Logger

	day      string
	lastSync time.Time
	ticks    int
}

// New creates an Engine.
func New(cfg Config, p *portfolio.Portfolio, feed Feed, calendars util.Calendars, log *slog.Logger) *Engine {
	if cfg.Market == "" {
		cfg.Market = domain.MarketUS
	}
	loc := time.UTC
	if cal, ok := calendars[cfg.Market]; ok && cal != nil {
		loc = cal.Location()
	}
	return &Engine{
		cfg:       cfg,
		portfolio: p,
		feed:      feed,
		loc:       loc,
		log:       log.With("component", "engine"),
	}
}

// Run processes the feed until it is exhausted or ctx is cancelled, then
// terminates every fund. A feed that ends with io.EOF or a cancelled context
// is not an error.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.portfolio.SyncAccount(ctx); err != nil {
		e.log.Error("initial account sync failed", "error", err)
	}
	e.log.Info("engine started", "funds", len(e.portfolio.Funds()))

	runErr := e.loop(ctx)
	if e.day != "" {
		e.portfolio.OnEndOfDay()
	}
	termErr := e.portfolio.Terminate()
	e.log.Info("engine stopped", "ticks", e.ticks)

	if errors.Is(runErr, io.EOF) || errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, termErr)
}

func (e *Engine) loop(ctx context.Context) error {
	for {
		if err := e.Backfill(ctx); err != nil {
			return err
		}
		u, err := e.feed.Next(ctx)
		if err != nil {
			return err
		}
		if err := e.Step(ctx, u); err != nil {
			return err
		}
	}
}

// Step processes one slice: the previous trading day is closed when the
// slice starts a new one, the account is reconciled when due, and the slice
// is handed to the portfolio.
func (e *Engine) Step(ctx context.Context, u domain.DataUpdates) error {
	day := u.Time.In(e.loc).Format("2006-01-02")
	if e.day != "" && day != e.day {
		e.log.Debug("end of day", "date", e.day)
		e.portfolio.OnEndOfDay()
	}
	e.day = day

	if e.cfg.SyncInterval > 0 && u.Time.Sub(e.lastSync) >= e.cfg.SyncInterval {
		if !e.lastSync.IsZero() {
			if err := e.portfolio.SyncAccount(ctx); err != nil {
				e.log.Error("account sync failed", "error", err)
			}
		}
		e.lastSync = u.Time
	}

	e.ticks++
	if err := e.portfolio.OnData(ctx, u); err != nil {
		return fmt.Errorf("tick %s: %w", u.Time.Format(time.RFC3339), err)
	}
	return nil
}

// Backfill replays history into every Backfilling fund, concurrently across
// funds. Each fund sees the bars of its own universe from its backfill start
// to its cutoff and is moved to Running afterwards, whether or not the
// history reached the cutoff.
func (e *Engine) Backfill(ctx context.Context) error {
	var pending []*fund.QuantFund
	for _, f := range e.portfolio.Funds() {
		if f.IsBackfilling() {
			pending = append(pending, f)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range pending {
		g.Go(func() error {
			return e.backfillFund(gctx, f)
		})
	}
	return g.Wait()
}

func (e *Engine) backfillFund(ctx context.Context, f *fund.QuantFund) error {
	defer f.CompleteBackfill()
	if e.cfg.History == nil {
		e.log.Warn("no history configured, skipping backfill", "fund", f.ID())
		return nil
	}

	start, cutoff := f.BackfillStart(), f.BackfillCutoff()
	feed := NewReplayFeed(e.cfg.History, f.Config().Universe.Securities(), start, cutoff)
	n := 0
	for {
		u, err := feed.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("backfill fund %s: %w", f.ID(), err)
		}
		if !u.Time.Before(cutoff) {
			break
		}
		f.OnData(u)
		n++
	}
	e.log.Info("backfill complete", "fund", f.ID(), "slices", n,
		"start", start.Format(time.DateOnly), "cutoff", cutoff.Format(time.RFC3339))
	return nil
}
