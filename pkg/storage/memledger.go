package storage

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/wattlane/wattlane/pkg/app/core/marketdata"
)

var errCommitUnavailable = errors.New("ledger temporarily unavailable")

// MemLedger is an in-memory TradeLedger for tests and ephemeral nodes.
type MemLedger struct {
	mu     sync.Mutex
	trades map[uuid.UUID]*marketdata.Trade
	order  []uuid.UUID

	// FailFirst makes the first FailFirst commits of each trade fail, for
	// exercising the committer's retry path.
	FailFirst int
	attempts  map[uuid.UUID]int
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		trades:   make(map[uuid.UUID]*marketdata.Trade),
		attempts: make(map[uuid.UUID]int),
	}
}

func (l *MemLedger) CommitTrade(t *marketdata.Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.attempts[t.ID]++
	if l.attempts[t.ID] <= l.FailFirst {
		return errCommitUnavailable
	}
	if _, ok := l.trades[t.ID]; ok {
		return nil
	}
	l.trades[t.ID] = t
	l.order = append(l.order, t.ID)
	return nil
}

func (l *MemLedger) Trades() []*marketdata.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*marketdata.Trade, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.trades[id])
	}
	return out
}

func (l *MemLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.trades)
}
