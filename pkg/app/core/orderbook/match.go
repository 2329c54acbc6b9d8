package orderbook

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fill is one matched pair produced by a matching cycle. Price is always
// the maker's limit price: the resting order never does worse than its
// quote, the taker gets the improvement.
type Fill struct {
	TakerID      uuid.UUID
	MakerID      uuid.UUID
	TakerAccount string
	MakerAccount string
	Price        int64
	Amount       decimal.Decimal
}

// Match runs one full matching cycle for an admitted taker order under
// price-time priority, draining every matchable pair before returning. Any
// unfilled remainder rests on the book, so the book is never left crossed.
//
// Makers owned by the taker's account are skipped, never executed; matching
// continues with the next order in time priority at that price, then deeper
// levels.
//
// Deterministic: the same admitted-order sequence always yields the same
// fills and the same final book.
func (b *Book) Match(taker *Order) []Fill {
	var fills []Fill

	// Levels can only be consumed during the cycle, never created, so a
	// price snapshot taken up front stays valid.
	opposite := taker.Side.Opposite()
	prices := b.crossingPrices(taker)

	for _, price := range prices {
		if taker.Remaining.IsZero() {
			break
		}
		b.matchLevel(taker, opposite, price, &fills)
	}

	if taker.Remaining.IsPositive() {
		// Status is Pending if nothing filled, PartiallyFilled otherwise;
		// fill() already maintains that, New() starts at Pending.
		b.Insert(taker)
	}
	return fills
}

// crossingPrices returns the opposite side's price levels that cross the
// taker's limit, best first.
func (b *Book) crossingPrices(taker *Order) []int64 {
	q := b.queues(taker.Side.Opposite())
	prices := make([]int64, 0, len(q))
	for p := range q {
		if taker.Side == Buy && p <= taker.Price {
			prices = append(prices, p)
		} else if taker.Side == Sell && p >= taker.Price {
			prices = append(prices, p)
		}
	}
	if taker.Side == Buy {
		sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	} else {
		sort.Slice(prices, func(i, j int) bool { return prices[i] > prices[j] })
	}
	return prices
}

// matchLevel walks one price level in admission order, filling against every
// maker not owned by the taker's account.
func (b *Book) matchLevel(taker *Order, side Side, price int64, fills *[]Fill) {
	q := b.queues(side)
	i := 0
	for taker.Remaining.IsPositive() && i < len(q[price]) {
		maker := q[price][i]
		if maker.Account == taker.Account {
			// Self-trade prevention: leave the maker resting, move on.
			i++
			continue
		}

		matched := decimal.Min(taker.Remaining, maker.Remaining)
		taker.fill(matched)
		maker.fill(matched)
		*fills = append(*fills, Fill{
			TakerID:      taker.ID,
			MakerID:      maker.ID,
			TakerAccount: taker.Account,
			MakerAccount: maker.Account,
			Price:        maker.Price,
			Amount:       matched,
		})

		if maker.Remaining.IsZero() {
			q[price] = append(q[price][:i], q[price][i+1:]...)
			delete(b.index, maker.ID)
			// i stays: the next maker shifted into this slot.
		} else {
			// Maker keeps its original time priority for the remainder.
			i++
		}
	}
	if len(q[price]) == 0 {
		delete(q, price)
		b.dropLevel(side, price)
	}
}

// CheckCycleInvariants verifies post-cycle consistency for the taker and
// the book: conservation of amount on the taker and an uncrossed book. A
// non-nil error is fatal for the market.
func (b *Book) CheckCycleInvariants(taker *Order) error {
	if !taker.consistent() {
		return errInconsistentOrder(taker)
	}
	if !b.Uncrossed() {
		return errCrossedBook(b)
	}
	return nil
}
