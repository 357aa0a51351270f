package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
	"quantfolio/internal/order"
	"quantfolio/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// alpacaRequestsPerMinute is the trading API rate limit.
const alpacaRequestsPerMinute = 200

type alpacaTracked struct {
	sec    domain.Security
	filled decimal.Decimal
	sell   bool
}

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
// Submissions carry a random client order id so retries cannot create
// duplicate orders.
type AlpacaBroker struct {
	client   *alpaca.Client
	limiter  *util.RateLimiter
	log      *slog.Logger
	currency domain.Currency

	mu   sync.Mutex
	open map[string]*alpacaTracked
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, log *slog.Logger) *AlpacaBroker {
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		limiter:  util.NewRateLimiter(alpacaRequestsPerMinute),
		log:      log,
		currency: domain.USD,
		open:     make(map[string]*alpacaTracked),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Client returns the underlying API client.
func (b *AlpacaBroker) Client() *alpaca.Client { return b.client }

// call waits for the rate limiter and runs fn with retries.
func (b *AlpacaBroker) call(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, 3, 500*time.Millisecond, func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		return fn()
	})
}

// SubmitOrder sends an order to the Alpaca API for execution.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, o order.Order) (string, error) {
	req, err := placeOrderRequest(o, uuid.NewString())
	if err != nil {
		return "", err
	}
	var placed *alpaca.Order
	if err := b.call(ctx, func() error {
		var err error
		placed, err = b.client.PlaceOrder(req)
		return err
	}); err != nil {
		return "", fmt.Errorf("PlaceOrder %s: %w", req.Symbol, err)
	}

	det := o.Details()
	b.mu.Lock()
	b.open[placed.ID] = &alpacaTracked{sec: det.Security, sell: det.Direction() == order.Sell}
	b.mu.Unlock()
	b.log.Info("order placed", "broker_id", placed.ID, "client_id", req.ClientOrderID, "symbol", req.Symbol)
	return placed.ID, nil
}

// ReplaceOrder sends new quantity and prices for an open order. Alpaca
// assigns the replacement a new id.
func (b *AlpacaBroker) ReplaceOrder(ctx context.Context, brokerID string, f order.UpdateFields) (string, error) {
	req := alpaca.ReplaceOrderRequest{
		LimitPrice: f.LimitPrice,
		StopPrice:  f.StopPrice,
	}
	if f.Quantity != nil {
		q := f.Quantity.Abs()
		req.Qty = &q
	}
	var replaced *alpaca.Order
	if err := b.call(ctx, func() error {
		var err error
		replaced, err = b.client.ReplaceOrder(brokerID, req)
		return err
	}); err != nil {
		return "", fmt.Errorf("ReplaceOrder %s: %w", brokerID, err)
	}

	b.mu.Lock()
	if t, ok := b.open[brokerID]; ok {
		delete(b.open, brokerID)
		b.open[replaced.ID] = t
	}
	b.mu.Unlock()
	return replaced.ID, nil
}

// CancelOrder requests cancellation of an open order via the Alpaca API.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, brokerID string) error {
	if err := b.call(ctx, func() error { return b.client.CancelOrder(brokerID) }); err != nil {
		return fmt.Errorf("CancelOrder %s: %w", brokerID, err)
	}
	return nil
}

// Fills polls every tracked order and reports newly filled quantity.
func (b *AlpacaBroker) Fills(ctx context.Context, now time.Time, _ Quotes) ([]Fill, error) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.open))
	for id := range b.open {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	var fills []Fill
	for _, id := range ids {
		var ao *alpaca.Order
		if err := b.call(ctx, func() error {
			var err error
			ao, err = b.client.GetOrder(id)
			return err
		}); err != nil {
			return fills, fmt.Errorf("GetOrder %s: %w", id, err)
		}

		b.mu.Lock()
		t := b.open[id]
		f, done := fillFromOrder(ao, t, now)
		if done {
			delete(b.open, id)
		}
		b.mu.Unlock()
		if f != nil {
			fills = append(fills, *f)
		}
	}
	return fills, nil
}

// GetPositions returns all current positions from the Alpaca account.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var aps []alpaca.Position
	if err := b.call(ctx, func() error {
		var err error
		aps, err = b.client.GetPositions()
		return err
	}); err != nil {
		return nil, fmt.Errorf("GetPositions: %w", err)
	}
	out := make([]domain.Position, 0, len(aps))
	for _, p := range aps {
		out = append(out, domain.Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty,
			AvgEntryPrice: p.AvgEntryPrice,
			Side:          domain.PositionSide(p.Side),
		})
	}
	return out, nil
}

// GetAccount returns the current account information from the Alpaca API.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	var acct *alpaca.Account
	if err := b.call(ctx, func() error {
		var err error
		acct, err = b.client.GetAccount()
		return err
	}); err != nil {
		return nil, fmt.Errorf("GetAccount: %w", err)
	}
	cur := b.currency
	if acct.Currency != "" {
		cur = domain.Currency(acct.Currency)
	}
	return &domain.AccountInfo{
		Currency:      cur,
		Equity:        acct.Equity,
		Cash:          acct.Cash,
		BuyingPower:   acct.BuyingPower,
		DayTradeCount: acct.DaytradeCount,
	}, nil
}

// ---------------------------------------------------------------------------
// Mapping
// ---------------------------------------------------------------------------

// placeOrderRequest maps o to an Alpaca order. Market-on-open and
// market-on-close become market orders with OPG and CLS time in force.
func placeOrderRequest(o order.Order, clientID string) (alpaca.PlaceOrderRequest, error) {
	det := o.Details()
	qty := det.Quantity.Abs()
	req := alpaca.PlaceOrderRequest{
		Symbol:        det.Security.Ticker,
		Qty:           &qty,
		Side:          alpaca.Buy,
		TimeInForce:   alpaca.Day,
		ClientOrderID: clientID,
	}
	if det.Direction() == order.Sell {
		req.Side = alpaca.Sell
	}
	limit, stop := det.LimitPrice, det.StopPrice

	switch o.Type() {
	case order.TypeMarket:
		req.Type = alpaca.Market
	case order.TypeLimit:
		req.Type = alpaca.Limit
		req.LimitPrice = &limit
	case order.TypeStopMarket:
		req.Type = alpaca.Stop
		req.StopPrice = &stop
	case order.TypeStopLimit:
		req.Type = alpaca.StopLimit
		req.LimitPrice = &limit
		req.StopPrice = &stop
	case order.TypeMarketOnOpen:
		req.Type = alpaca.Market
		req.TimeInForce = alpaca.OPG
	case order.TypeMarketOnClose:
		req.Type = alpaca.Market
		req.TimeInForce = alpaca.CLS
	default:
		return req, fmt.Errorf("order type %s: %w", o.Type(), ErrUnsupported)
	}
	if det.Security.Market != domain.MarketUS {
		return req, fmt.Errorf("market %s: %w", det.Security.Market, ErrUnsupported)
	}
	return req, nil
}

// orderState maps an Alpaca order status.
func orderState(status string) order.State {
	switch status {
	case "filled":
		return order.StateFilled
	case "partially_filled":
		return order.StatePartiallyFilled
	case "canceled", "expired", "done_for_day", "replaced":
		return order.StateCancelled
	case "rejected", "suspended":
		return order.StateInvalid
	}
	return order.StateSubmitted
}

// fillFromOrder diffs ao against what was already reported for t. It
// reports whether the order is finished.
func fillFromOrder(ao *alpaca.Order, t *alpacaTracked, now time.Time) (*Fill, bool) {
	state := orderState(ao.Status)
	done := state.Closed()
	if t == nil {
		return nil, done
	}

	delta := ao.FilledQty.Sub(t.filled)
	if !delta.IsPositive() {
		if done && state != order.StateFilled {
			return &Fill{BrokerID: ao.ID, Security: t.sec, Time: now, State: state, Message: ao.Status}, true
		}
		return nil, done
	}
	t.filled = ao.FilledQty

	price := decimal.Zero
	if ao.FilledAvgPrice != nil {
		price = *ao.FilledAvgPrice
	}
	if t.sell {
		delta = delta.Neg()
	}
	at := now
	if ao.FilledAt != nil {
		at = *ao.FilledAt
	}
	return &Fill{
		BrokerID: ao.ID,
		Security: t.sec,
		Quantity: delta,
		Price:    price,
		Time:     at,
		State:    state,
	}, done
}
