package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"quantfolio/internal/api"
	"quantfolio/internal/broker"
	"quantfolio/internal/config"
	"quantfolio/internal/domain"
	"quantfolio/internal/engine"
	"quantfolio/internal/fund"
	"quantfolio/internal/portfolio"
	"quantfolio/internal/store"
	"quantfolio/internal/strategy"
	"quantfolio/internal/strategy/builtins"
	"quantfolio/internal/util"
)

func main() {
	backtest := flag.Bool("backtest", false, "replay stored bars through the configured funds instead of trading")
	start := flag.String("start", "", "backtest start date (YYYY-MM-DD)")
	end := flag.String("end", "", "backtest end date (YYYY-MM-DD), defaults to today")
	syncHistory := flag.Bool("sync-history", true, "download missing daily bars from Alpaca before running")
	flag.Parse()

	cfgPath := "config/quantfolio.yaml"
	if p := os.Getenv("QUANTFOLIO_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	funds := make([]fund.Config, 0, len(cfg.Funds))
	for _, fc := range cfg.Funds {
		f, err := fc.ToFund()
		if err != nil {
			log.Fatalf("fund %s: %v", fc.ID, err)
		}
		funds = append(funds, f)
	}

	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open journal: %v", err)
	}
	defer db.Close()

	registry := strategy.NewRegistry()
	builtins.Register(registry)
	calendars := util.NewCalendars(domain.MarketUS, domain.MarketCN)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *backtest {
		from, to, err := backtestRange(*start, *end, calendars)
		if err != nil {
			log.Fatalf("invalid backtest range: %v", err)
		}
		if *syncHistory {
			downloadHistory(ctx, cfg, pstore, funds, from, to, logger)
		}
		if err := runBacktest(ctx, cfg, pstore, registry, calendars, funds, from, to, logger); err != nil {
			log.Fatalf("backtest failed: %v", err)
		}
		return
	}

	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatalf("live trading needs Alpaca market-data credentials")
	}
	if *syncHistory {
		now := time.Now()
		from := now.AddDate(0, 0, -maxBackfillDays(funds))
		downloadHistory(ctx, cfg, pstore, funds, from, now, logger)
	}
	if err := runLive(ctx, cfg, pstore, db, registry, calendars, funds, logger); err != nil {
		log.Fatalf("trader error: %v", err)
	}
}

// runLive trades the configured funds against the simulator (paper mode) or
// Alpaca, serving status over gRPC until ctx is cancelled.
func runLive(ctx context.Context, cfg *config.Config, pstore *store.ParquetStore, db *store.SQLiteStore,
	registry *strategy.Registry, calendars util.Calendars, funds []fund.Config, logger *slog.Logger) error {
	currency := domain.Currency(cfg.Trading.BaseCurrency)
	statusEvery, pollEvery, syncEvery := cfg.Trading.Durations()
	model := broker.NewDefaultModel(cfg.Trading.ModelConfig())

	var b broker.Broker
	if cfg.Trading.PaperMode {
		b = broker.NewSimulatorBroker(currency, cfg.Trading.Cash(), model)
	} else {
		ab := broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, logger)
		now := time.Now()
		if err := calendars[domain.MarketUS].LoadAlpacaCalendar(ab.Client(), now.AddDate(0, 0, -7), now.AddDate(1, 0, 0)); err != nil {
			logger.Warn("loading Alpaca calendar, using regular sessions", "error", err)
		}
		b = ab
	}
	logger.Info("quantfolio-trader starting", "broker", b.Name(), "paper_mode", cfg.Trading.PaperMode, "funds", len(funds))

	hub := api.NewHub()
	p := portfolio.New(portfolio.Config{
		Currency:       currency,
		StatusInterval: statusEvery,
	}, portfolio.Deps{
		Registry:      registry,
		Broker:        b,
		Model:         model,
		Calendars:     calendars,
		Converter:     cfg.Converter(),
		Journal:       db,
		Signals:       db,
		PositionStore: db,
		Sink:          hub,
		Log:           logger,
	})

	for i, fc := range funds {
		if _, err := p.AddFund(ctx, fc); err != nil {
			logger.Error("adding fund", "fund", fc.ID, "error", err)
			continue
		}
		if cfg.Funds[i].AutoStart {
			if err := p.StartFund(fc.ID); err != nil {
				logger.Error("starting fund", "fund", fc.ID, "error", err)
			}
		}
	}

	md := engine.NewAlpacaMarketData(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL)
	feed := engine.NewAlpacaPollFeed(md, cfg.Alpaca.Feed, pollEvery, universeOf(funds), logger)
	eng := engine.New(engine.Config{SyncInterval: syncEvery, History: pstore}, p, feed, calendars, logger)
	srv := api.NewServer(cfg.Server.GRPCAddr(), api.NewStatusService(hub, db, db, p, logger), logger)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stop()
		return eng.Run(gctx)
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	return g.Wait()
}

func runBacktest(ctx context.Context, cfg *config.Config, pstore *store.ParquetStore, registry *strategy.Registry,
	calendars util.Calendars, funds []fund.Config, from, to time.Time, logger *slog.Logger) error {
	bt := engine.NewBacktester(pstore, registry, logger)
	results, err := bt.Run(ctx, engine.BacktestConfig{
		Currency:  domain.Currency(cfg.Trading.BaseCurrency),
		Cash:      cfg.Trading.Cash(),
		Model:     cfg.Trading.ModelConfig(),
		Calendars: calendars,
		Funds:     funds,
		Start:     from,
		End:       to,
	})
	if err != nil {
		return err
	}

	fmt.Printf("%-16s %12s %12s %9s %8s %8s %7s %8s %8s\n",
		"FUND", "START", "END", "RETURN", "SHARPE", "MAXDD", "TRADES", "WINRATE", "PF")
	for _, r := range results {
		fmt.Printf("%-16s %12s %12s %8.2f%% %8.2f %7.2f%% %7d %7.2f%% %8.2f\n",
			r.FundID, r.StartValue.StringFixed(2), r.EndValue.StringFixed(2),
			r.TotalReturn*100, r.SharpeRatio, r.MaxDrawdown*100, r.TotalTrades, r.WinRate*100, r.ProfitFactor)
	}
	return nil
}

// downloadHistory fills the bar store with daily bars for every US security
// the funds trade. Failures are logged; funds then backfill from what is on
// disk.
func downloadHistory(ctx context.Context, cfg *config.Config, pstore *store.ParquetStore, funds []fund.Config,
	from, to time.Time, logger *slog.Logger) {
	if cfg.Alpaca.APIKey == "" || !to.After(from) {
		return
	}
	var symbols []string
	for _, sec := range universeOf(funds) {
		if sec.Market == domain.MarketUS {
			symbols = append(symbols, sec.Ticker)
		}
	}
	if len(symbols) == 0 {
		return
	}
	hist := store.NewAlpacaHistory(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed, pstore, logger)
	n, err := hist.Sync(ctx, symbols, from, to)
	if err != nil {
		logger.Warn("history download incomplete", "bars", n, "error", err)
		return
	}
	logger.Info("history downloaded", "symbols", len(symbols), "bars", n)
}

// universeOf returns the union of the funds' universes and benchmarks in a
// stable order.
func universeOf(funds []fund.Config) []domain.Security {
	seen := make(map[domain.Security]bool)
	var out []domain.Security
	add := func(s domain.Security) {
		if s.Ticker == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, f := range funds {
		for _, s := range f.Universe.Securities() {
			add(s)
		}
		add(f.Benchmark)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func maxBackfillDays(funds []fund.Config) int {
	n := 0
	for _, f := range funds {
		n = max(n, f.BackfillDays)
	}
	return n
}

func backtestRange(start, end string, calendars util.Calendars) (time.Time, time.Time, error) {
	loc := calendars[domain.MarketUS].Location()
	if start == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("-start is required")
	}
	from, err := time.ParseInLocation("2006-01-02", start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing -start: %w", err)
	}
	to := time.Now().In(loc)
	if end != "" {
		if to, err = time.ParseInLocation("2006-01-02", end, loc); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing -end: %w", err)
		}
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("end %s is not after start %s", to.Format("2006-01-02"), start)
	}
	return from, to, nil
}
