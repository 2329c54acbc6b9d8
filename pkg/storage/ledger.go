// Package storage persists matched trades for the ledger collaborator.
// Commits are idempotent keyed by trade id: the matching engine hands
// trades over at least once and the ledger absorbs duplicates.
package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/wattlane/wattlane/pkg/app/core/market"
	"github.com/wattlane/wattlane/pkg/app/core/marketdata"
)

// Key layout:
//
//	t:<16-byte trade id>                      -> trade JSON
//	m:<market>:<8-byte exec time>:<trade id>  -> trade id (market-ordered index)
func kTrade(id uuid.UUID) []byte {
	return append([]byte("t:"), id[:]...)
}

func kMarketIndex(t *marketdata.Trade) []byte {
	k := append([]byte("m:"), t.Market.String()...)
	k = append(k, ':')
	k = append(k, timeKey(t.ExecutedAt)...)
	k = append(k, ':')
	return append(k, t.ID[:]...)
}

type TradeLedger struct {
	db *pebble.DB
}

func OpenTradeLedger(path string) (*TradeLedger, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open trade ledger: %w", err)
	}
	return &TradeLedger{db: db}, nil
}

func (l *TradeLedger) Close() error { return l.db.Close() }

// CommitTrade durably stores a trade. Committing the same trade id twice is
// a no-op success.
func (l *TradeLedger) CommitTrade(t *marketdata.Trade) error {
	key := kTrade(t.ID)
	if _, closer, err := l.db.Get(key); err == nil {
		closer.Close()
		return nil // already committed
	} else if err != pebble.ErrNotFound {
		return fmt.Errorf("commit trade %s: %w", t.ID, err)
	}

	val, err := encodeJSON(t)
	if err != nil {
		return fmt.Errorf("encode trade %s: %w", t.ID, err)
	}

	batch := l.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, val, nil); err != nil {
		return err
	}
	if err := batch.Set(kMarketIndex(t), t.ID[:], nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit trade %s: %w", t.ID, err)
	}
	return nil
}

// GetTrade fetches one committed trade by id.
func (l *TradeLedger) GetTrade(id uuid.UUID) (*marketdata.Trade, bool, error) {
	val, closer, err := l.db.Get(kTrade(id))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	var t marketdata.Trade
	if err := decodeJSON(val, &t); err != nil {
		return nil, false, fmt.Errorf("decode trade %s: %w", id, err)
	}
	return &t, true, nil
}

// RecentTrades returns up to n trades for a market, newest first.
func (l *TradeLedger) RecentTrades(key market.Key, n int) ([]*marketdata.Trade, error) {
	prefix := append([]byte("m:"), key.String()...)
	prefix = append(prefix, ':')

	upper := append(append([]byte{}, prefix...), 0xff)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*marketdata.Trade
	for ok := iter.Last(); ok && len(out) < n; ok = iter.Prev() {
		id, err := uuid.FromBytes(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("corrupt market index: %w", err)
		}
		t, found, err := l.GetTrade(id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, t)
		}
	}
	return out, nil
}
