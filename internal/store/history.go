package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
	"quantfolio/internal/util"
)

// alpacaDataRequestsPerMinute is the market-data API rate limit of the free
// plan.
const alpacaDataRequestsPerMinute = 200

// AlpacaHistory downloads daily bars from the Alpaca market-data API into a
// BarStore so backfills and replays can read them locally.
type AlpacaHistory struct {
	client    *marketdata.Client
	store     BarStore
	limiter   *util.RateLimiter
	batchSize int
	feed      string
	log       *slog.Logger
}

// NewAlpacaHistory creates an AlpacaHistory writing into s. An empty dataURL
// uses the default endpoint; an empty feed uses "iex".
func NewAlpacaHistory(apiKey, apiSecret, dataURL, feed string, s BarStore, log *slog.Logger) *AlpacaHistory {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	if feed == "" {
		feed = "iex"
	}
	return &AlpacaHistory{
		client:    marketdata.NewClient(opts),
		store:     s,
		limiter:   util.NewRateLimiter(alpacaDataRequestsPerMinute),
		batchSize: 100,
		feed:      feed,
		log:       log.With("component", "alpaca-history"),
	}
}

// Sync fetches daily bars for symbols over [start, end] in batches and writes
// them to the store. It returns the number of bars written.
func (h *AlpacaHistory) Sync(ctx context.Context, symbols []string, start, end time.Time) (int, error) {
	total := 0
	for i := 0; i < len(symbols); i += h.batchSize {
		batch := symbols[i:min(i+h.batchSize, len(symbols))]

		var bars []domain.Bar
		err := util.Retry(ctx, 3, time.Second, func() error {
			if err := h.limiter.Wait(ctx); err != nil {
				return util.Permanent(err)
			}
			var err error
			bars, err = h.fetchMultiBars(batch, start, end)
			return err
		})
		if err != nil {
			return total, err
		}
		if err := h.store.WriteBars(ctx, domain.MarketUS, bars); err != nil {
			return total, err
		}
		total += len(bars)
		h.log.Info("history batch stored", "symbols", len(batch), "bars", len(bars))
	}
	return total, nil
}

// fetchMultiBars fetches daily bars for multiple symbols in a single API call.
func (h *AlpacaHistory) fetchMultiBars(symbols []string, start, end time.Time) ([]domain.Bar, error) {
	multiBars, err := h.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		End:       end,
		Feed:      marketdata.Feed(h.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	var bars []domain.Bar
	for symbol, alpacaBars := range multiBars {
		for _, ab := range alpacaBars {
			bars = append(bars, BarFromAlpaca(symbol, ab))
		}
	}
	return bars, nil
}

// BarFromAlpaca converts an Alpaca bar to a domain bar.
func BarFromAlpaca(symbol string, ab marketdata.Bar) domain.Bar {
	return domain.Bar{
		Symbol:     strings.ToUpper(symbol),
		Timestamp:  ab.Timestamp.UTC(),
		Open:       decimal.NewFromFloat(ab.Open),
		High:       decimal.NewFromFloat(ab.High),
		Low:        decimal.NewFromFloat(ab.Low),
		Close:      decimal.NewFromFloat(ab.Close),
		Volume:     int64(ab.Volume),
		TradeCount: int64(ab.TradeCount),
		VWAP:       decimal.NewFromFloat(ab.VWAP),
	}
}
