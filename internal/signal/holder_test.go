package signal

import (
	"fmt"
	"sync"
	"testing"

	"quantfolio/internal/domain"
)

var aapl = domain.Security{Ticker: "AAPL", Market: domain.MarketUS, Currency: domain.USD}

func TestConsensusPriority(t *testing.T) {
	tests := []struct {
		name   string
		states []domain.SecurityState
		want   domain.SecurityState
	}{
		{"empty", nil, domain.NoEntry},
		{"single long", []domain.SecurityState{domain.EntryLong}, domain.EntryLong},
		{"unanimous long", []domain.SecurityState{domain.EntryLong, domain.EntryLong, domain.EntryLong}, domain.EntryLong},
		{"unanimous short", []domain.SecurityState{domain.EntryShort, domain.EntryShort}, domain.EntryShort},
		{"split entries", []domain.SecurityState{domain.EntryLong, domain.EntryShort}, domain.NoEntry},
		{"error beats all", []domain.SecurityState{domain.EntryLong, domain.NoEntry, domain.Liquidate, domain.Error}, domain.Error},
		{"no entry beats liquidate", []domain.SecurityState{domain.Liquidate, domain.NoEntry}, domain.NoEntry},
		{"liquidate beats exits", []domain.SecurityState{domain.ExitLong, domain.Liquidate, domain.ExitShort}, domain.Liquidate},
		{"exit long beats exit short", []domain.SecurityState{domain.ExitShort, domain.ExitLong}, domain.ExitLong},
		{"exit short beats entry", []domain.SecurityState{domain.EntryLong, domain.ExitShort}, domain.ExitShort},
		{"one no entry blocks entry", []domain.SecurityState{domain.EntryLong, domain.EntryLong, domain.NoEntry}, domain.NoEntry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHolder(aapl)
			for i, s := range tt.states {
				h.SetState(fmt.Sprintf("m%d", i), s)
			}
			if got := h.Consensus(); got != tt.want {
				t.Errorf("Consensus() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Every combination of up to three module states: EntryLong needs
// unanimity and any Error forces Error.
func TestConsensusUnanimity(t *testing.T) {
	all := []domain.SecurityState{
		domain.NoEntry, domain.EntryLong, domain.EntryShort,
		domain.ExitLong, domain.ExitShort, domain.Liquidate, domain.Error,
	}
	var walk func(prefix []domain.SecurityState)
	walk = func(prefix []domain.SecurityState) {
		if len(prefix) > 0 {
			h := NewHolder(aapl)
			allLong, anyError := true, false
			for i, s := range prefix {
				h.SetState(fmt.Sprintf("m%d", i), s)
				allLong = allLong && s == domain.EntryLong
				anyError = anyError || s == domain.Error
			}
			got := h.Consensus()
			if (got == domain.EntryLong) != allLong {
				t.Errorf("states %v: Consensus() = %v, all long = %v", prefix, got, allLong)
			}
			if anyError && got != domain.Error {
				t.Errorf("states %v: Consensus() = %v, want Error", prefix, got)
			}
		}
		if len(prefix) == 3 {
			return
		}
		for _, s := range all {
			walk(append(append([]domain.SecurityState(nil), prefix...), s))
		}
	}
	walk(nil)
}

func TestSetStateLastWriteWins(t *testing.T) {
	h := NewHolder(aapl)
	h.SetState("sma", domain.EntryLong)
	h.SetState("sma", domain.ExitLong)

	if got, ok := h.State("sma"); !ok || got != domain.ExitLong {
		t.Errorf("State(sma) = %v, %v; want ExitLong, true", got, ok)
	}
	if got := h.Consensus(); got != domain.ExitLong {
		t.Errorf("Consensus() = %v, want ExitLong", got)
	}
	if mods := h.Modules(); len(mods) != 1 || mods[0] != "sma" {
		t.Errorf("Modules() = %v, want [sma]", mods)
	}
}

func TestBoardConcurrentAccess(t *testing.T) {
	b := NewBoard()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.SetState(aapl, fmt.Sprintf("m%d", i), domain.EntryLong)
				_ = b.Consensus(aapl)
			}
		}(i)
	}
	wg.Wait()

	if got := b.Consensus(aapl); got != domain.EntryLong {
		t.Errorf("Consensus(AAPL) = %v, want EntryLong", got)
	}
	if n := len(b.Holder(aapl).Modules()); n != 8 {
		t.Errorf("modules = %d, want 8", n)
	}

	msft := domain.Security{Ticker: "MSFT", Market: domain.MarketUS, Currency: domain.USD}
	if got := b.Consensus(msft); got != domain.NoEntry {
		t.Errorf("Consensus(MSFT) = %v, want NoEntry", got)
	}

	b.Remove(aapl)
	if states := b.States(); len(states) != 0 {
		t.Errorf("States() after Remove = %v, want empty", states)
	}
}
