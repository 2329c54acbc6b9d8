package orderbook

import (
	"container/heap"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrOrderNotFound = errors.New("order not resting on book")

// PriceLevel is aggregated size at one price, for depth queries.
type PriceLevel struct {
	Price  int64
	Amount decimal.Decimal
	Orders int
}

// Book holds the resting orders of one market: price->FIFO-queue maps with
// min/max heaps for best-price tracking and an id index for O(1) cancel
// lookup.
//
// The Book is not safe for concurrent use. It is exclusively owned by its
// market's worker goroutine; all access is serialized there, which is what
// makes matching cycles atomic with respect to each other.
type Book struct {
	bidHeap maxPriceHeap
	askHeap minPriceHeap

	bids map[int64][]*Order // price -> FIFO queue, admission order
	asks map[int64][]*Order

	index map[uuid.UUID]int64 // resting order id -> price
}

func NewBook() *Book {
	return &Book{
		bids:  make(map[int64][]*Order),
		asks:  make(map[int64][]*Order),
		index: make(map[uuid.UUID]int64),
	}
}

// Insert rests an order on its side. Only Pending and PartiallyFilled
// orders belong on the book; callers uphold that.
func (b *Book) Insert(o *Order) {
	q := b.queues(o.Side)
	if len(q[o.Price]) == 0 {
		if o.Side == Buy {
			heap.Push(&b.bidHeap, o.Price)
		} else {
			heap.Push(&b.askHeap, o.Price)
		}
	}
	q[o.Price] = append(q[o.Price], o)
	b.index[o.ID] = o.Price
}

// Remove takes a specific resting order off the book (cancel/expiry path).
func (b *Book) Remove(id uuid.UUID) (*Order, error) {
	price, ok := b.index[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	for _, side := range [2]Side{Buy, Sell} {
		q := b.queues(side)
		arr, exists := q[price]
		if !exists {
			continue
		}
		for i, o := range arr {
			if o.ID == id {
				q[price] = append(arr[:i], arr[i+1:]...)
				if len(q[price]) == 0 {
					delete(q, price)
					b.dropLevel(side, price)
				}
				delete(b.index, id)
				return o, nil
			}
		}
	}
	return nil, ErrOrderNotFound
}

// Get returns a resting order by id.
func (b *Book) Get(id uuid.UUID) (*Order, bool) {
	price, ok := b.index[id]
	if !ok {
		return nil, false
	}
	for _, side := range [2]Side{Buy, Sell} {
		for _, o := range b.queues(side)[price] {
			if o.ID == id {
				return o, true
			}
		}
	}
	return nil, false
}

func (b *Book) BestBid() (int64, bool) { return b.bidHeap.Peek() }
func (b *Book) BestAsk() (int64, bool) { return b.askHeap.Peek() }

// PeekBest returns the best-priced, earliest-admitted order on a side
// without removing it.
func (b *Book) PeekBest(side Side) (*Order, bool) {
	var price int64
	var ok bool
	if side == Buy {
		price, ok = b.BestBid()
	} else {
		price, ok = b.BestAsk()
	}
	if !ok {
		return nil, false
	}
	q := b.queues(side)[price]
	if len(q) == 0 {
		return nil, false
	}
	return q[0], true
}

// Depth aggregates resting size at the top n distinct price levels per
// side, best price first.
func (b *Book) Depth(n int) (bids, asks []PriceLevel) {
	bids = b.levels(Buy, n)
	asks = b.levels(Sell, n)
	return bids, asks
}

func (b *Book) levels(side Side, n int) []PriceLevel {
	q := b.queues(side)
	prices := make([]int64, 0, len(q))
	for p := range q {
		prices = append(prices, p)
	}
	if side == Buy {
		sort.Slice(prices, func(i, j int) bool { return prices[i] > prices[j] })
	} else {
		sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	}
	if n > 0 && len(prices) > n {
		prices = prices[:n]
	}

	out := make([]PriceLevel, 0, len(prices))
	for _, p := range prices {
		level := PriceLevel{Price: p, Amount: decimal.Zero}
		for _, o := range q[p] {
			level.Amount = level.Amount.Add(o.Remaining)
			level.Orders++
		}
		out = append(out, level)
	}
	return out
}

// Uncrossed reports whether no bid meets or exceeds an ask held by a
// different account. Same-account crossings are benign: they are exactly
// what self-trade prevention leaves behind when a taker rests through its
// own maker, and the pair can never execute. Any other crossing outside a
// matching cycle is a fatal invariant violation.
func (b *Book) Uncrossed() bool {
	bid, haveBid := b.BestBid()
	ask, haveAsk := b.BestAsk()
	if !haveBid || !haveAsk || bid < ask {
		return true
	}
	for bidPrice, bidQueue := range b.bids {
		if bidPrice < ask {
			continue
		}
		for askPrice, askQueue := range b.asks {
			if askPrice > bidPrice {
				continue
			}
			for _, bo := range bidQueue {
				for _, ao := range askQueue {
					if bo.Account != ao.Account {
						return false
					}
				}
			}
		}
	}
	return true
}

// ExpiredAsOf returns resting orders whose expiry has passed, for the sweep.
func (b *Book) ExpiredAsOf(now time.Time) []*Order {
	var out []*Order
	for _, side := range [2]Side{Buy, Sell} {
		for _, arr := range b.queues(side) {
			for _, o := range arr {
				if o.ExpiredAsOf(now) {
					out = append(out, o)
				}
			}
		}
	}
	// Map iteration order is random; sort by admission sequence so the
	// sweep is deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

func (b *Book) queues(side Side) map[int64][]*Order {
	if side == Buy {
		return b.bids
	}
	return b.asks
}

func (b *Book) dropLevel(side Side, price int64) {
	if side == Buy {
		for i := 0; i < b.bidHeap.Len(); i++ {
			if b.bidHeap[i] == price {
				heap.Remove(&b.bidHeap, i)
				return
			}
		}
	} else {
		for i := 0; i < b.askHeap.Len(); i++ {
			if b.askHeap[i] == price {
				heap.Remove(&b.askHeap, i)
				return
			}
		}
	}
}
