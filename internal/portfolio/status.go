package portfolio

import (
	"sort"
	"time"

	"quantfolio/internal/cash"
	"quantfolio/internal/domain"
	"quantfolio/internal/fund"
	"quantfolio/internal/position"
)

// FundStatus is a point-in-time view of one fund.
type FundStatus struct {
	ID         string
	Name       string
	State      fund.State
	Modules    []string
	Funds      cash.CalculatedFunds
	Results    fund.ResultsSnapshot
	Positions  []position.Lot
	Consensus  map[domain.Security]domain.SecurityState
	OpenOrders int
}

// Status is a point-in-time view of the whole portfolio.
type Status struct {
	Time    time.Time
	Account cash.CalculatedFunds
	Funds   []FundStatus
}

// StatusSink receives status snapshots. Publish must not block.
type StatusSink interface {
	Publish(s Status)
}

// Snapshot builds the current status.
func (p *Portfolio) Snapshot() Status {
	s := Status{
		Time:    p.Now(),
		Account: p.ledger.GetCalculatedFunds(cash.BaseAccount),
	}
	for _, f := range p.Funds() {
		s.Funds = append(s.Funds, FundStatus{
			ID:         f.ID(),
			Name:       f.Name(),
			State:      f.State(),
			Modules:    f.ModuleNames(),
			Funds:      f.Funds(),
			Results:    f.Results().Snapshot(),
			Positions:  p.positions.Lots(f.ID()),
			Consensus:  f.Consensus(),
			OpenOrders: len(p.exec.OpenOrders(f.ID())),
		})
	}
	sort.SliceStable(s.Funds, func(i, j int) bool { return s.Funds[i].ID < s.Funds[j].ID })
	return s
}

// publish sends a snapshot to the sink unless one was sent within the status
// interval. A skipped publication is dropped, not deferred.
func (p *Portfolio) publish() {
	if p.deps.Sink == nil || !p.limiter.Allow() {
		return
	}
	p.deps.Sink.Publish(p.Snapshot())
}

// publishNow sends a snapshot regardless of the interval.
func (p *Portfolio) publishNow() {
	if p.deps.Sink == nil {
		return
	}
	p.deps.Sink.Publish(p.Snapshot())
}
