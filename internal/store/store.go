// Package store defines storage interfaces for persisting and retrieving
// market history and the runtime's journals: orders, fund positions and
// signal consensus changes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars for the given market.
	WriteBars(ctx context.Context, market domain.Market, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market domain.Market, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market domain.Market) ([]string, error)
}

// TickStore persists and retrieves individual trade prints.
type TickStore interface {
	// WriteTicks persists a batch of ticks for the given market.
	WriteTicks(ctx context.Context, market domain.Market, ticks []domain.Tick) error

	// ReadTicks returns ticks for the given symbol within [start, end].
	ReadTicks(ctx context.Context, symbol string, market domain.Market, start, end time.Time) ([]domain.Tick, error)
}

// OrderRecord is the journaled state of one order.
type OrderRecord struct {
	ID           int64
	FundID       string
	Security     domain.Security
	Type         string
	State        string
	Quantity     decimal.Decimal
	LimitPrice   decimal.Decimal
	StopPrice    decimal.Decimal
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	BrokerID     string
	Comment      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OrderJournal persists order records keyed by internal order id.
type OrderJournal interface {
	// SaveOrder inserts the order or replaces the stored record.
	SaveOrder(ctx context.Context, rec OrderRecord) error

	// GetOrder retrieves a single order by its internal id.
	GetOrder(ctx context.Context, id int64) (*OrderRecord, error)

	// ListOrders returns the most recent orders of a fund, newest first. An
	// empty fundID lists every fund.
	ListOrders(ctx context.Context, fundID string, limit int) ([]OrderRecord, error)
}

// PositionRecord is a fund's holding in one security.
type PositionRecord struct {
	FundID    string
	Security  domain.Security
	Quantity  decimal.Decimal
	AvgPrice  decimal.Decimal
	UpdatedAt time.Time
}

// PositionStore persists per-fund positions.
type PositionStore interface {
	// SavePosition inserts or updates a position. A zero quantity deletes it.
	SavePosition(ctx context.Context, pos PositionRecord) error

	// ListPositions returns the positions of a fund.
	ListPositions(ctx context.Context, fundID string) ([]PositionRecord, error)
}

// SignalRecord is a change in a fund's consensus for a security.
type SignalRecord struct {
	FundID   string
	Security domain.Security
	State    domain.SecurityState
	Time     time.Time
}

// SignalStore persists consensus changes.
type SignalStore interface {
	// SaveSignal appends a consensus change.
	SaveSignal(ctx context.Context, sig SignalRecord) error

	// ListSignals returns the most recent changes for a fund, or for every
	// fund when fundID is empty, up to limit.
	ListSignals(ctx context.Context, fundID string, limit int) ([]SignalRecord, error)
}
