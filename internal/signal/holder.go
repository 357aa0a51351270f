// Package signal aggregates the per-security opinions of a fund's strategy
// modules into a single trading decision.
package signal

import (
	"sort"
	"sync"

	"quantfolio/internal/domain"
)

// Holder keeps the last state reported by each module for one security.
// It is safe for concurrent use.
type Holder struct {
	Security domain.Security

	mu     sync.RWMutex
	states map[string]domain.SecurityState
}

// NewHolder returns an empty holder for sec.
func NewHolder(sec domain.Security) *Holder {
	return &Holder{
		Security: sec,
		states:   make(map[string]domain.SecurityState),
	}
}

// SetState records state as moduleID's current opinion. Last write wins.
func (h *Holder) SetState(moduleID string, state domain.SecurityState) {
	h.mu.Lock()
	h.states[moduleID] = state
	h.mu.Unlock()
}

// State returns the state reported by moduleID and whether it reported one.
func (h *Holder) State(moduleID string) (domain.SecurityState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.states[moduleID]
	return s, ok
}

// Consensus derives the actionable state from all reported states. It is
// computed on every call.
//
// Any Error wins, then any NoEntry, then any Liquidate, ExitLong, ExitShort in
// that order. Entries need every module to agree; anything else is NoEntry.
func (h *Holder) Consensus() domain.SecurityState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return consensus(h.states)
}

// Snapshot returns a copy of the per-module states.
func (h *Holder) Snapshot() map[string]domain.SecurityState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]domain.SecurityState, len(h.states))
	for k, v := range h.states {
		out[k] = v
	}
	return out
}

// Modules returns the sorted ids of the modules that reported a state.
func (h *Holder) Modules() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.states))
	for k := range h.states {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func consensus(states map[string]domain.SecurityState) domain.SecurityState {
	if len(states) == 0 {
		return domain.NoEntry
	}

	var counts [domain.Error + 1]int
	for _, s := range states {
		if s < 0 || s > domain.Error {
			// Unknown states are treated as a faulty module.
			return domain.Error
		}
		counts[s]++
	}

	for _, s := range []domain.SecurityState{
		domain.Error,
		domain.NoEntry,
		domain.Liquidate,
		domain.ExitLong,
		domain.ExitShort,
	} {
		if counts[s] > 0 {
			return s
		}
	}
	if counts[domain.EntryLong] == len(states) {
		return domain.EntryLong
	}
	if counts[domain.EntryShort] == len(states) {
		return domain.EntryShort
	}
	return domain.NoEntry
}
