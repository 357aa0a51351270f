package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ TickStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore and TickStore using Parquet files on disk.
// Prices are stored as float64 and read back as decimals.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// TickRecord is the Parquet schema for trade tick data.
type TickRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Price     float64 `parquet:"price"`
	Size      int64   `parquet:"size"`
	Exchange  string  `parquet:"exchange"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar data to Parquet files organized by symbol and year.
// Each symbol+year combination produces a separate file at:
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
//
// Existing files are merged, with incoming bars replacing stored bars at the
// same timestamp.
func (s *ParquetStore) WriteBars(ctx context.Context, market domain.Market, bars []domain.Bar) error {
	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: strings.ToUpper(b.Symbol), year: b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:     k.symbol,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open.InexactFloat64(),
			High:       b.High.InexactFloat64(),
			Low:        b.Low.InexactFloat64(),
			Close:      b.Close.InexactFloat64(),
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP.InexactFloat64(),
		})
	}

	for k, records := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := s.barPath(k.symbol, market, k.year)

		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeRecords(existing, records,
			func(r BarRecord) int64 { return r.Timestamp })

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bar data from Parquet files for the given symbol and time
// range, ordered by time.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, market domain.Market, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(symbol, market, year))
		if err != nil {
			// File doesn't exist for this year, skip.
			continue
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:     r.Symbol,
				Timestamp:  ts,
				Open:       decimal.NewFromFloat(r.Open),
				High:       decimal.NewFromFloat(r.High),
				Low:        decimal.NewFromFloat(r.Low),
				Close:      decimal.NewFromFloat(r.Close),
				Volume:     r.Volume,
				TradeCount: r.TradeCount,
				VWAP:       decimal.NewFromFloat(r.VWAP),
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data in the given market.
func (s *ParquetStore) ListSymbols(_ context.Context, market domain.Market) ([]string, error) {
	dir := filepath.Join(s.DataDir, string(market), "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// TickStore implementation
// ---------------------------------------------------------------------------

// WriteTicks writes tick data to Parquet files organized by symbol and date.
func (s *ParquetStore) WriteTicks(ctx context.Context, market domain.Market, ticks []domain.Tick) error {
	type key struct {
		symbol string
		date   string // YYYY-MM-DD
	}
	groups := make(map[key][]TickRecord)
	for _, t := range ticks {
		k := key{symbol: strings.ToUpper(t.Symbol), date: t.Timestamp.UTC().Format("2006-01-02")}
		groups[k] = append(groups[k], TickRecord{
			Symbol:    k.symbol,
			Timestamp: t.Timestamp.UnixMilli(),
			Price:     t.Price.InexactFloat64(),
			Size:      t.Size,
			Exchange:  t.Exchange,
		})
	}

	for k, records := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := s.tickPath(k.symbol, market, k.date)

		existing, _ := readParquetFile[TickRecord](path)
		merged := append(existing, records...)
		sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing ticks for %s/%s: %w", k.symbol, k.date, err)
		}
	}
	return nil
}

// ReadTicks reads tick data from Parquet files for the given symbol and time
// range, ordered by time.
func (s *ParquetStore) ReadTicks(_ context.Context, symbol string, market domain.Market, start, end time.Time) ([]domain.Tick, error) {
	var ticks []domain.Tick
	first := time.Date(start.UTC().Year(), start.UTC().Month(), start.UTC().Day(), 0, 0, 0, 0, time.UTC)
	for d := first; !d.After(end); d = d.AddDate(0, 0, 1) {
		records, err := readParquetFile[TickRecord](s.tickPath(symbol, market, d.Format("2006-01-02")))
		if err != nil {
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			ticks = append(ticks, domain.Tick{
				Symbol:    r.Symbol,
				Timestamp: ts,
				Price:     decimal.NewFromFloat(r.Price),
				Size:      r.Size,
				Exchange:  r.Exchange,
			})
		}
	}
	return ticks, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol string, market domain.Market, year int) string {
	return filepath.Join(s.DataDir, string(market), "daily", strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// tickPath returns the filesystem path for a tick Parquet file.
// Layout: <dataDir>/<market>/ticks/<SYMBOL>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) tickPath(symbol string, market domain.Market, date string) string {
	return filepath.Join(s.DataDir, string(market), "ticks", strings.ToUpper(symbol), date+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeRecords deduplicates records by timestamp, preferring incoming
// records over existing ones, and sorts the result by timestamp.
func mergeRecords[T any](existing, incoming []T, ts func(T) int64) []T {
	seen := make(map[int64]T, len(existing)+len(incoming))
	for _, r := range existing {
		seen[ts(r)] = r
	}
	for _, r := range incoming {
		seen[ts(r)] = r
	}

	merged := make([]T, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return ts(merged[i]) < ts(merged[j]) })
	return merged
}
