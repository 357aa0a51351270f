package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderJournal = (*SQLiteStore)(nil)
var _ PositionStore = (*SQLiteStore)(nil)
var _ SignalStore = (*SQLiteStore)(nil)

// SQLiteStore implements OrderJournal, PositionStore, and SignalStore backed
// by a SQLite database. Decimals are stored as text so no precision is lost.
type SQLiteStore struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY,
		fund_id TEXT NOT NULL,
		ticker TEXT NOT NULL,
		market TEXT NOT NULL,
		currency TEXT NOT NULL,
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		quantity TEXT NOT NULL,
		limit_price TEXT NOT NULL,
		stop_price TEXT NOT NULL,
		filled_qty TEXT NOT NULL,
		avg_fill_price TEXT NOT NULL,
		broker_id TEXT NOT NULL,
		comment TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS orders_fund ON orders (fund_id, id)`,
	`CREATE TABLE IF NOT EXISTS positions (
		fund_id TEXT NOT NULL,
		ticker TEXT NOT NULL,
		market TEXT NOT NULL,
		currency TEXT NOT NULL,
		quantity TEXT NOT NULL,
		avg_price TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (fund_id, market, ticker)
	)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fund_id TEXT NOT NULL,
		ticker TEXT NOT NULL,
		market TEXT NOT NULL,
		currency TEXT NOT NULL,
		state INTEGER NOT NULL,
		ts INTEGER NOT NULL
	)`,
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// tables and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer; the journal is small and written from the execution path.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderJournal implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts the order or replaces the stored record.
func (s *SQLiteStore) SaveOrder(ctx context.Context, r OrderRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, fund_id, ticker, market, currency, type, state, quantity,
			limit_price, stop_price, filled_qty, avg_fill_price, broker_id, comment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state, quantity=excluded.quantity, limit_price=excluded.limit_price,
			stop_price=excluded.stop_price, filled_qty=excluded.filled_qty,
			avg_fill_price=excluded.avg_fill_price, broker_id=excluded.broker_id,
			comment=excluded.comment, updated_at=excluded.updated_at`,
		r.ID, r.FundID, r.Security.Ticker, string(r.Security.Market), string(r.Security.Currency),
		r.Type, r.State, r.Quantity.String(), r.LimitPrice.String(), r.StopPrice.String(),
		r.FilledQty.String(), r.AvgFillPrice.String(), r.BrokerID, r.Comment,
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving order %d: %w", r.ID, err)
	}
	return nil
}

const orderColumns = `id, fund_id, ticker, market, currency, type, state, quantity, limit_price,
	stop_price, filled_qty, avg_fill_price, broker_id, comment, created_at, updated_at`

// GetOrder retrieves a single order by its internal id.
func (s *SQLiteStore) GetOrder(ctx context.Context, id int64) (*OrderRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", id)
	r, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListOrders returns the most recent orders of a fund, newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, fundID string, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := "SELECT " + orderColumns + " FROM orders"
	args := []any{}
	if fundID != "" {
		query += " WHERE fund_id = ?"
		args = append(args, fundID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		r, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (OrderRecord, error) {
	var (
		r                             OrderRecord
		market, currency              string
		qty, limit, stop, filled, avg string
		created, updated              int64
	)
	if err := sc.Scan(&r.ID, &r.FundID, &r.Security.Ticker, &market, &currency, &r.Type, &r.State,
		&qty, &limit, &stop, &filled, &avg, &r.BrokerID, &r.Comment, &created, &updated); err != nil {
		return r, err
	}
	r.Security.Market = domain.Market(market)
	r.Security.Currency = domain.Currency(currency)
	var err error
	if r.Quantity, err = decimal.NewFromString(qty); err != nil {
		return r, fmt.Errorf("order %d quantity: %w", r.ID, err)
	}
	r.LimitPrice, _ = decimal.NewFromString(limit)
	r.StopPrice, _ = decimal.NewFromString(stop)
	r.FilledQty, _ = decimal.NewFromString(filled)
	r.AvgFillPrice, _ = decimal.NewFromString(avg)
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	return r, nil
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition inserts or updates a position. A zero quantity deletes it.
func (s *SQLiteStore) SavePosition(ctx context.Context, p PositionRecord) error {
	if p.Quantity.IsZero() {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM positions WHERE fund_id = ? AND market = ? AND ticker = ?",
			p.FundID, string(p.Security.Market), p.Security.Ticker)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (fund_id, ticker, market, currency, quantity, avg_price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fund_id, market, ticker) DO UPDATE SET
			quantity=excluded.quantity, avg_price=excluded.avg_price, updated_at=excluded.updated_at`,
		p.FundID, p.Security.Ticker, string(p.Security.Market), string(p.Security.Currency),
		p.Quantity.String(), p.AvgPrice.String(), p.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving position %s/%s: %w", p.FundID, p.Security, err)
	}
	return nil
}

// ListPositions returns the positions of a fund ordered by ticker.
func (s *SQLiteStore) ListPositions(ctx context.Context, fundID string) ([]PositionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticker, market, currency, quantity, avg_price, updated_at
		FROM positions WHERE fund_id = ? ORDER BY market, ticker`, fundID)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRecord
	for rows.Next() {
		p := PositionRecord{FundID: fundID}
		var (
			market, currency, q, avg string
			updated                  int64
		)
		if err := rows.Scan(&p.Security.Ticker, &market, &currency, &q, &avg, &updated); err != nil {
			return nil, err
		}
		p.Security.Market = domain.Market(market)
		p.Security.Currency = domain.Currency(currency)
		p.Quantity, _ = decimal.NewFromString(q)
		p.AvgPrice, _ = decimal.NewFromString(avg)
		p.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// SignalStore implementation
// ---------------------------------------------------------------------------

// SaveSignal appends a consensus change.
func (s *SQLiteStore) SaveSignal(ctx context.Context, sig SignalRecord) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO signals (fund_id, ticker, market, currency, state, ts) VALUES (?, ?, ?, ?, ?, ?)",
		sig.FundID, sig.Security.Ticker, string(sig.Security.Market), string(sig.Security.Currency),
		int(sig.State), sig.Time.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving signal: %w", err)
	}
	return nil
}

// ListSignals returns the most recent changes, newest first. An empty fundID
// lists every fund.
func (s *SQLiteStore) ListSignals(ctx context.Context, fundID string, limit int) ([]SignalRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := "SELECT fund_id, ticker, market, currency, state, ts FROM signals"
	args := []any{}
	if fundID != "" {
		query += " WHERE fund_id = ?"
		args = append(args, fundID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing signals: %w", err)
	}
	defer rows.Close()

	var out []SignalRecord
	for rows.Next() {
		var (
			sig              SignalRecord
			market, currency string
			state            int
			ts               int64
		)
		if err := rows.Scan(&sig.FundID, &sig.Security.Ticker, &market, &currency, &state, &ts); err != nil {
			return nil, err
		}
		sig.Security.Market = domain.Market(market)
		sig.Security.Currency = domain.Currency(currency)
		sig.State = domain.SecurityState(state)
		sig.Time = time.UnixMilli(ts).UTC()
		out = append(out, sig)
	}
	return out, rows.Err()
}
