package fund

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"quantfolio/internal/order"
)

// Results accumulates a fund's trading activity. It is safe for concurrent
// use.
type Results struct {
	mu         sync.Mutex
	submitted  int
	rejected   int
	fills      int
	traded     decimal.Decimal
	fees       decimal.Decimal
	realized   decimal.Decimal
	rejections map[order.ErrorCode]int
}

// ResultsSnapshot is a copy of Results at one point in time.
type ResultsSnapshot struct {
	Submitted   int
	Rejected    int
	Fills       int
	Traded      decimal.Decimal
	Fees        decimal.Decimal
	RealizedPnL decimal.Decimal
	Rejections  map[order.ErrorCode]int
}

func newResults() *Results {
	return &Results{rejections: make(map[order.ErrorCode]int)}
}

func (r *Results) recordSubmitted() {
	r.mu.Lock()
	r.submitted++
	r.mu.Unlock()
}

func (r *Results) recordRejected(code order.ErrorCode) {
	r.mu.Lock()
	r.rejected++
	r.rejections[code]++
	r.mu.Unlock()
}

func (r *Results) recordEvent(e order.Event) {
	if !e.IsFill() {
		return
	}
	r.mu.Lock()
	r.fills++
	r.traded = r.traded.Add(e.FillQuantity.Abs().Mul(e.FillPrice))
	r.fees = r.fees.Add(e.Fee)
	r.mu.Unlock()
}

// AddRealized books profit realised by a closing fill.
func (r *Results) AddRealized(pnl decimal.Decimal) {
	r.mu.Lock()
	r.realized = r.realized.Add(pnl)
	r.mu.Unlock()
}

// Snapshot returns a copy of the accumulated results.
func (r *Results) Snapshot() ResultsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	rej := make(map[order.ErrorCode]int, len(r.rejections))
	for c, n := range r.rejections {
		rej[c] = n
	}
	return ResultsSnapshot{
		Submitted:   r.submitted,
		Rejected:    r.rejected,
		Fills:       r.fills,
		Traded:      r.traded,
		Fees:        r.fees,
		RealizedPnL: r.realized,
		Rejections:  rej,
	}
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

// ExceptionHandler receives faults raised by strategy modules. It must not
// panic.
type ExceptionHandler interface {
	Handle(err error, fundID string)
}

// LogExceptionHandler logs every fault and counts them per fund.
type LogExceptionHandler struct {
	log    *slog.Logger
	mu     sync.Mutex
	counts map[string]int
}

var _ ExceptionHandler = (*LogExceptionHandler)(nil)

// NewLogExceptionHandler creates a LogExceptionHandler.
func NewLogExceptionHandler(log *slog.Logger) *LogExceptionHandler {
	return &LogExceptionHandler{log: log, counts: make(map[string]int)}
}

func (h *LogExceptionHandler) Handle(err error, fundID string) {
	h.mu.Lock()
	h.counts[fundID]++
	h.mu.Unlock()
	h.log.Error("module fault", "fund", fundID, "error", err)
}

// Count returns the number of faults seen for fundID.
func (h *LogExceptionHandler) Count(fundID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[fundID]
}
