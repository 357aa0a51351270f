// Package broker defines the Broker interface and provides implementations
// for executing orders and managing accounts across different brokerages,
// together with the broker model that prices fees and settlement.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
	"quantfolio/internal/order"
)

var (
	// ErrOrderNotFound is returned for operations on unknown broker order ids.
	ErrOrderNotFound = errors.New("order not found")
	// ErrUnsupported is returned for orders the broker cannot take.
	ErrUnsupported = errors.New("unsupported by broker")
)

// Quotes supplies the price context orders are matched against.
type Quotes interface {
	Prices(sec domain.Security, now time.Time) order.Prices
}

// Fill reports execution progress of a broker order.
type Fill struct {
	BrokerID string
	Security domain.Security
	// Quantity is the signed quantity filled since the previous report.
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
	Time     time.Time
	// State is the order state after this fill.
	State   order.State
	Message string
}

// Broker abstracts brokerage operations for order execution and account management.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitOrder sends an order to the brokerage and returns the broker's
	// id for it.
	SubmitOrder(ctx context.Context, o order.Order) (string, error)

	// ReplaceOrder applies new fields to an open order and returns the id
	// the order is known by afterwards.
	ReplaceOrder(ctx context.Context, brokerID string, f order.UpdateFields) (string, error)

	// CancelOrder requests cancellation of an open order by its ID.
	CancelOrder(ctx context.Context, brokerID string) error

	// Fills returns the fills that happened since the last call.
	Fills(ctx context.Context, now time.Time, quotes Quotes) ([]Fill, error)

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)
}
