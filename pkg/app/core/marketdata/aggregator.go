// Package marketdata maintains rolling per-market statistics: last price,
// 24h high/low/volume over a sliding window and the mirrored top of book.
// Reads never touch the live order book; they see a snapshot published
// after each matching cycle.
package marketdata

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wattlane/wattlane/pkg/app/core/market"
	"github.com/wattlane/wattlane/pkg/util"
)

// Quote is the per-market snapshot served to consumers.
type Quote struct {
	Market    market.Key      `json:"market"`
	BestBid   int64           `json:"best_bid"` // 0 when the side is empty
	BestAsk   int64           `json:"best_ask"`
	LastPrice int64           `json:"last_price"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	High24h   int64           `json:"high_24h"`
	Low24h    int64           `json:"low_24h"`
	ChangePct float64         `json:"change_pct"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type tradePoint struct {
	price  int64
	amount decimal.Decimal
	at     time.Time
}

type stats struct {
	quote  Quote
	window []tradePoint // ascending by time
}

// Aggregator owns all quote state. Writers (market workers) hold the lock
// only for the bounded publish step after a cycle; readers copy the quote
// out, refreshing a stale window first.
type Aggregator struct {
	mu     sync.Mutex
	clock  util.Clock
	window time.Duration
	stats  map[string]*stats
}

func NewAggregator(clock util.Clock, window time.Duration) *Aggregator {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Aggregator{
		clock:  clock,
		window: window,
		stats:  make(map[string]*stats),
	}
}

// RecordTrade folds one execution into the market's rolling window.
func (a *Aggregator) RecordTrade(t *Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.statsFor(t.Market)
	now := a.clock.Now()
	s.window = append(s.window, tradePoint{price: t.Price, amount: t.Amount, at: t.ExecutedAt})
	a.evict(s, now)
	a.recompute(s, now)
}

// SetTopOfBook mirrors the book's best bid/ask into the quote. Zero with
// have=false means the side is empty.
func (a *Aggregator) SetTopOfBook(key market.Key, bid int64, haveBid bool, ask int64, haveAsk bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.statsFor(key)
	if haveBid {
		s.quote.BestBid = bid
	} else {
		s.quote.BestBid = 0
	}
	if haveAsk {
		s.quote.BestAsk = ask
	} else {
		s.quote.BestAsk = 0
	}
	s.quote.UpdatedAt = a.clock.Now()
}

// Quote returns a copy of the current snapshot for a market. Window
// entries age out between trades too, so a stale window is evicted and the
// stats recomputed before serving; an idle market's 24h figures decay to
// zero instead of freezing at the last print.
func (a *Aggregator) Quote(key market.Key) (Quote, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.stats[key.String()]
	if !ok {
		return Quote{Market: key, Volume24h: decimal.Zero}, false
	}
	now := a.clock.Now()
	if len(s.window) > 0 && !s.window[0].at.After(now.Add(-a.window)) {
		a.evict(s, now)
		a.recompute(s, now)
	}
	return s.quote, true
}

func (a *Aggregator) statsFor(key market.Key) *stats {
	k := key.String()
	s, ok := a.stats[k]
	if !ok {
		s = &stats{quote: Quote{Market: key, Volume24h: decimal.Zero}}
		a.stats[k] = s
	}
	return s
}

func (a *Aggregator) evict(s *stats, now time.Time) {
	cutoff := now.Add(-a.window)
	i := 0
	for i < len(s.window) && !s.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		s.window = append(s.window[:0:0], s.window[i:]...)
	}
}

func (a *Aggregator) recompute(s *stats, now time.Time) {
	q := &s.quote
	q.Volume24h = decimal.Zero
	q.High24h = 0
	q.Low24h = 0
	q.ChangePct = 0
	q.UpdatedAt = now

	if len(s.window) == 0 {
		return
	}

	for _, p := range s.window {
		q.Volume24h = q.Volume24h.Add(p.amount)
		if q.High24h == 0 || p.price > q.High24h {
			q.High24h = p.price
		}
		if q.Low24h == 0 || p.price < q.Low24h {
			q.Low24h = p.price
		}
	}
	q.LastPrice = s.window[len(s.window)-1].price

	// Change relative to the oldest in-window price, the closest proxy for
	// "the price 24h ago" without retaining evicted trades.
	ref := s.window[0].price
	if ref != 0 && len(s.window) > 1 {
		q.ChangePct = float64(q.LastPrice-ref) / float64(ref) * 100
	}
}
