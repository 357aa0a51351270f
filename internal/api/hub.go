package api

import (
	"sync"

	"quantfolio/internal/domain"
	"quantfolio/internal/portfolio"
	"quantfolio/pkg/quantfolio"
)

// Hub keeps the latest portfolio status and fans every new one out to its
// subscribers. It implements portfolio.StatusSink.
type Hub struct {
	mu     sync.RWMutex
	latest *quantfolio.Status

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan quantfolio.Status
	dropped   int
	closed    bool
}

var _ portfolio.StatusSink = (*Hub)(nil)

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan quantfolio.Status)}
}

// Publish stores s as the latest status and notifies subscribers. A
// subscriber whose buffer is full misses this status.
func (h *Hub) Publish(s portfolio.Status) {
	ws := toWire(s)
	h.mu.Lock()
	h.latest = &ws
	h.mu.Unlock()

	h.subsMu.Lock()
	for _, ch := range h.subs {
		select {
		case ch <- ws:
		default:
			h.dropped++
		}
	}
	h.subsMu.Unlock()
}

// Latest returns the most recent status, if any was published.
func (h *Hub) Latest() (quantfolio.Status, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return quantfolio.Status{}, false
	}
	return *h.latest, true
}

// Subscribe creates a new subscription channel for status updates. After
// Close the channel is returned closed.
func (h *Hub) Subscribe(bufSize int) (id int, ch <-chan quantfolio.Status) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	id = h.nextSubID
	h.nextSubID++
	c := make(chan quantfolio.Status, bufSize)
	if h.closed {
		close(c)
		return id, c
	}
	h.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}

// Close closes every subscription channel. Publish keeps updating the
// latest status.
func (h *Hub) Close() {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() int {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	return h.dropped
}

func toWire(s portfolio.Status) quantfolio.Status {
	out := quantfolio.Status{
		Time:           s.Time.UTC(),
		Currency:       string(s.Account.Currency),
		Cash:           s.Account.TotalCash,
		SettledCash:    s.Account.TotalSettledCash,
		NetLiquidation: s.Account.NetLiquidationValue,
		Funds:          make([]quantfolio.FundStatus, 0, len(s.Funds)),
	}
	for _, f := range s.Funds {
		fs := quantfolio.FundStatus{
			ID:             f.ID,
			Name:           f.Name,
			State:          f.State.String(),
			Currency:       string(f.Funds.Currency),
			Modules:        f.Modules,
			Cash:           f.Funds.TotalCash,
			SettledCash:    f.Funds.TotalSettledCash,
			PositionValue:  f.Funds.NetPositionValue,
			NetLiquidation: f.Funds.NetLiquidationValue,
			BuyingPower:    f.Funds.BuyingPower,
			RealizedPnL:    f.Results.RealizedPnL,
			Fees:           f.Results.Fees,
			Submitted:      f.Results.Submitted,
			Rejected:       f.Results.Rejected,
			Fills:          f.Results.Fills,
			OpenOrders:     f.OpenOrders,
			Consensus:      make(map[string]string, len(f.Consensus)),
		}
		for _, lot := range f.Positions {
			fs.Positions = append(fs.Positions, quantfolio.Position{
				Security: lot.Security.String(),
				Quantity: lot.Quantity,
				AvgPrice: lot.AvgPrice,
			})
		}
		for sec, st := range f.Consensus {
			if st == domain.NoEntry {
				continue
			}
			fs.Consensus[sec.String()] = st.String()
		}
		out.Funds = append(out.Funds, fs)
	}
	return out
}
