// Package strategy defines the hook contract strategy modules implement and
// provides a Registry that maps module names to constructors.
package strategy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"quantfolio/internal/cash"
	"quantfolio/internal/domain"
	"quantfolio/internal/order"
	"quantfolio/internal/signal"
)

// Context is the view of its owning fund a module is initialized with.
type Context interface {
	FundID() string
	Universe() domain.Universe
	Signals() *signal.Board
	Orders() *order.Factory
	// Price returns the latest known price of sec, zero if none.
	Price(sec domain.Security) decimal.Decimal
	// Position returns the fund's signed holding in sec.
	Position(sec domain.Security) decimal.Decimal
	// Funds returns a snapshot of the fund's cash and holdings.
	Funds() cash.CalculatedFunds
	// Submit queues o for the fund's pipeline. Queued orders are sent once
	// the running hook returns; prechecks apply, risk and money management
	// do not. Only call it from a module hook.
	Submit(o order.Order)
	Logger() *slog.Logger
}

// Module is the interface that all strategy modules must implement.
type Module interface {
	// Name returns the module id, unique within a fund.
	Name() string

	// Initialize binds the module to its fund. It is called once, after
	// every parameter has been set.
	Initialize(ctx Context) error

	// SetParameter applies a named configuration value.
	SetParameter(name, value string) error

	// OnData is called with the fund's slice of each market data update.
	// The module owns updates and may keep it.
	OnData(updates domain.DataUpdates)

	OnEndOfDay()
	OnMarginCall(tickets []*order.Ticket)
	OnOrderTicketEvent(e order.Event)

	// OnTermination is called when the fund shuts down. It reports whether
	// the module wants the fund's positions liquidated.
	OnTermination() (liquidate bool)
}

// SignalModule turns a consensus state into an order.
type SignalModule interface {
	Module
	// CreateOrder returns the order to send for sec in state, or nil.
	CreateOrder(sec domain.Security, state domain.SecurityState) (order.Order, error)
}

// RiskManagementModule vets submit tickets.
type RiskManagementModule interface {
	Module
	IsTradingAllowed(sec domain.Security) (bool, error)
	// RiskManagement may return supplementary orders to send alongside t.
	RiskManagement(t *order.Ticket, state domain.SecurityState, weight decimal.Decimal) ([]order.Order, error)
}

// MoneyManagementModule sizes submit tickets.
type MoneyManagementModule interface {
	Module
	OrderQuantity(t *order.Ticket, state domain.SecurityState, weight decimal.Decimal) (decimal.Decimal, error)
}

// Constructor creates a fresh, unconfigured module instance.
type Constructor func() Module

// Registry maps module names to constructors. It is filled at startup and
// read concurrently afterwards.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
	}
}

// Register adds a constructor under name, replacing any previous one.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = c
}

// New creates a module by name.
func (r *Registry) New(name string) (Module, error) {
	r.mu.RLock()
	c, ok := r.constructors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown module %q", name)
	}
	return c(), nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[name]
	return ok
}

// List returns a sorted slice of all registered module names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
