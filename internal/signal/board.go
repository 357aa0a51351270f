package signal

import (
	"sync"

	"quantfolio/internal/domain"
)

// Board maps securities to their holders. Holders are created on first use.
type Board struct {
	mu      sync.RWMutex
	holders map[domain.Security]*Holder
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{holders: make(map[domain.Security]*Holder)}
}

// Holder returns the holder for sec, creating it if needed.
func (b *Board) Holder(sec domain.Security) *Holder {
	b.mu.RLock()
	h, ok := b.holders[sec]
	b.mu.RUnlock()
	if ok {
		return h
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok = b.holders[sec]; ok {
		return h
	}
	h = NewHolder(sec)
	b.holders[sec] = h
	return h
}

// SetState is shorthand for b.Holder(sec).SetState(moduleID, state).
func (b *Board) SetState(sec domain.Security, moduleID string, state domain.SecurityState) {
	b.Holder(sec).SetState(moduleID, state)
}

// Consensus returns the consensus for sec; NoEntry when nothing was reported.
func (b *Board) Consensus(sec domain.Security) domain.SecurityState {
	b.mu.RLock()
	h, ok := b.holders[sec]
	b.mu.RUnlock()
	if !ok {
		return domain.NoEntry
	}
	return h.Consensus()
}

// Remove drops the holder for sec.
func (b *Board) Remove(sec domain.Security) {
	b.mu.Lock()
	delete(b.holders, sec)
	b.mu.Unlock()
}

// States returns the current consensus of every security on the board.
func (b *Board) States() map[domain.Security]domain.SecurityState {
	b.mu.RLock()
	holders := make([]*Holder, 0, len(b.holders))
	for _, h := range b.holders {
		holders = append(holders, h)
	}
	b.mu.RUnlock()

	out := make(map[domain.Security]domain.SecurityState, len(holders))
	for _, h := range holders {
		out[h.Security] = h.Consensus()
	}
	return out
}
