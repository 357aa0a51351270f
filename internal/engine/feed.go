package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"quantfolio/internal/domain"
	"quantfolio/internal/store"
	"quantfolio/internal/util"
)

// Feed delivers market data slices in time order. Next blocks until the next
// slice is available and returns io.EOF once the feed is exhausted.
type Feed interface {
	Next(ctx context.Context) (domain.DataUpdates, error)
}

// ---------------------------------------------------------------------------
// Replay from history
// ---------------------------------------------------------------------------

var _ Feed = (*ReplayFeed)(nil)

// ReplayFeed replays stored bars, and optionally ticks, for a fixed set of
// securities over [start, end]. Records sharing a timestamp are delivered in
// one slice.
type ReplayFeed struct {
	bars       store.BarStore
	ticks      store.TickStore
	securities []domain.Security
	start, end time.Time

	loaded bool
	slices []domain.DataUpdates
	pos    int
}

// NewReplayFeed creates a ReplayFeed reading bars from s.
func NewReplayFeed(s store.BarStore, securities []domain.Security, start, end time.Time) *ReplayFeed {
	return &ReplayFeed{bars: s, securities: securities, start: start, end: end}
}

// WithTicks makes the feed interleave ticks read from ts.
func (f *ReplayFeed) WithTicks(ts store.TickStore) *ReplayFeed {
	f.ticks = ts
	return f
}

// Next returns the next slice. History is read on the first call.
func (f *ReplayFeed) Next(ctx context.Context) (domain.DataUpdates, error) {
	if err := ctx.Err(); err != nil {
		return domain.DataUpdates{}, err
	}
	if !f.loaded {
		if err := f.load(ctx); err != nil {
			return domain.DataUpdates{}, err
		}
		f.loaded = true
	}
	if f.pos >= len(f.slices) {
		return domain.DataUpdates{}, io.EOF
	}
	u := f.slices[f.pos]
	f.pos++
	return u, nil
}

// Len returns the number of slices in the replay. It is zero before the
// first call to Next.
func (f *ReplayFeed) Len() int { return len(f.slices) }

func (f *ReplayFeed) load(ctx context.Context) error {
	byTime := make(map[int64]domain.DataUpdates)
	slice := func(t time.Time) domain.DataUpdates {
		key := t.UnixNano()
		u, ok := byTime[key]
		if !ok {
			u = domain.NewDataUpdates(t)
			byTime[key] = u
		}
		return u
	}

	for _, sec := range f.securities {
		bars, err := f.bars.ReadBars(ctx, sec.Ticker, sec.Market, f.start, f.end)
		if err != nil {
			return fmt.Errorf("reading bars for %s: %w", sec, err)
		}
		for _, b := range bars {
			slice(b.Timestamp).Bars[sec] = b
		}
		if f.ticks == nil {
			continue
		}
		ticks, err := f.ticks.ReadTicks(ctx, sec.Ticker, sec.Market, f.start, f.end)
		if err != nil {
			return fmt.Errorf("reading ticks for %s: %w", sec, err)
		}
		for _, t := range ticks {
			slice(t.Timestamp).Ticks[sec] = t
		}
	}

	f.slices = make([]domain.DataUpdates, 0, len(byTime))
	for _, u := range byTime {
		f.slices = append(f.slices, u)
	}
	sort.Slice(f.slices, func(i, j int) bool { return f.slices[i].Time.Before(f.slices[j].Time) })
	return nil
}

// ---------------------------------------------------------------------------
// Live polling
// ---------------------------------------------------------------------------

// LatestBarsClient is the part of the Alpaca market data client the poll
// feed uses.
type LatestBarsClient interface {
	GetLatestBars(symbols []string, req marketdata.GetLatestBarRequest) (map[string]marketdata.Bar, error)
}

var _ Feed = (*AlpacaPollFeed)(nil)

// AlpacaPollFeed polls Alpaca for the latest bar of every security on a
// fixed interval. A slice only carries bars that changed since the previous
// poll; polls with no new bars are skipped.
type AlpacaPollFeed struct {
	client   LatestBarsClient
	feed     string
	interval time.Duration
	bySymbol map[string]domain.Security
	symbols  []string
	log      *slog.Logger

	last   map[string]time.Time
	ticker *time.Ticker
	primed bool
}

// NewAlpacaPollFeed creates a poll feed. Only US securities are polled.
func NewAlpacaPollFeed(client LatestBarsClient, feed string, interval time.Duration, securities []domain.Security, log *slog.Logger) *AlpacaPollFeed {
	if feed == "" {
		feed = "iex"
	}
	if interval <= 0 {
		interval = time.Minute
	}
	p := &AlpacaPollFeed{
		client:   client,
		feed:     feed,
		interval: interval,
		bySymbol: make(map[string]domain.Security),
		log:      log.With("component", "alpaca-feed"),
		last:     make(map[string]time.Time),
	}
	for _, sec := range securities {
		if sec.Market != domain.MarketUS {
			p.log.Warn("skipping non-US security", "security", sec.String())
			continue
		}
		if _, ok := p.bySymbol[sec.Ticker]; ok {
			continue
		}
		p.bySymbol[sec.Ticker] = sec
		p.symbols = append(p.symbols, sec.Ticker)
	}
	sort.Strings(p.symbols)
	return p
}

// NewAlpacaMarketData creates the Alpaca market data client used by the poll
// feed.
func NewAlpacaMarketData(apiKey, apiSecret, dataURL string) *marketdata.Client {
	return marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   dataURL,
	})
}

// Next polls until at least one bar is new. The first poll happens
// immediately.
func (p *AlpacaPollFeed) Next(ctx context.Context) (domain.DataUpdates, error) {
	if len(p.symbols) == 0 {
		return domain.DataUpdates{}, io.EOF
	}
	for {
		if p.primed {
			if p.ticker == nil {
				p.ticker = time.NewTicker(p.interval)
			}
			select {
			case <-ctx.Done():
				p.ticker.Stop()
				return domain.DataUpdates{}, ctx.Err()
			case <-p.ticker.C:
			}
		}
		p.primed = true

		u, err := p.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return domain.DataUpdates{}, ctx.Err()
			}
			p.log.Warn("polling latest bars failed", "error", err)
			continue
		}
		if len(u.Bars) > 0 {
			return u, nil
		}
	}
}

func (p *AlpacaPollFeed) poll(ctx context.Context) (domain.DataUpdates, error) {
	var latest map[string]marketdata.Bar
	err := util.Retry(ctx, 3, time.Second, func() error {
		var err error
		latest, err = p.client.GetLatestBars(p.symbols, marketdata.GetLatestBarRequest{
			Feed: marketdata.Feed(p.feed),
		})
		return err
	})
	if err != nil {
		return domain.DataUpdates{}, fmt.Errorf("GetLatestBars: %w", err)
	}

	var newest time.Time
	bars := make(map[domain.Security]domain.Bar)
	for sym, ab := range latest {
		sec, ok := p.bySymbol[sym]
		if !ok || !ab.Timestamp.After(p.last[sym]) {
			continue
		}
		p.last[sym] = ab.Timestamp
		bars[sec] = store.BarFromAlpaca(sym, ab)
		if ab.Timestamp.After(newest) {
			newest = ab.Timestamp
		}
	}
	u := domain.NewDataUpdates(newest)
	u.Bars = bars
	return u, nil
}
