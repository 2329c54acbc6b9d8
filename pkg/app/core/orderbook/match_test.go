package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
)

// Full match: sell 50 @ 100 resting, buy 50 @ 105 incoming -> one trade of
// 50 at the maker's price, both orders filled.
func TestMatchFull(t *testing.T) {
	b := NewBook()
	maker := newTestOrder(alice, Sell, "50", 100, 1)
	b.Match(maker) // empty book, rests

	taker := newTestOrder(bob, Buy, "50", 105, 2)
	fills := b.Match(taker)

	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	f := fills[0]
	if f.Price != 100 {
		t.Errorf("execution price = %d, want maker price 100", f.Price)
	}
	if !f.Amount.Equal(kwh("50")) {
		t.Errorf("matched amount = %s, want 50", f.Amount)
	}
	if f.MakerID != maker.ID || f.TakerID != taker.ID {
		t.Error("fill references wrong orders")
	}
	if maker.Status != Filled || taker.Status != Filled {
		t.Errorf("statuses = %s/%s, want Filled/Filled", maker.Status, taker.Status)
	}
	if b.Len() != 0 {
		t.Errorf("book should be empty, has %d orders", b.Len())
	}
}

// Partial fill: sell 80 @ 50 resting, buy 100 @ 55 incoming -> trade of 80
// at 50; buyer rests with 20 remaining.
func TestMatchPartialFill(t *testing.T) {
	b := NewBook()
	maker := newTestOrder(alice, Sell, "80", 50, 1)
	b.Match(maker)

	taker := newTestOrder(bob, Buy, "100", 55, 2)
	fills := b.Match(taker)

	if len(fills) != 1 || !fills[0].Amount.Equal(kwh("80")) || fills[0].Price != 50 {
		t.Fatalf("fills = %+v, want one fill of 80 @ 50", fills)
	}
	if maker.Status != Filled {
		t.Errorf("maker status = %s, want Filled", maker.Status)
	}
	if taker.Status != PartiallyFilled {
		t.Errorf("taker status = %s, want PartiallyFilled", taker.Status)
	}
	if !taker.Remaining.Equal(kwh("20")) {
		t.Errorf("taker remaining = %s, want 20", taker.Remaining)
	}
	if got, ok := b.Get(taker.ID); !ok || !got.Remaining.Equal(kwh("20")) {
		t.Error("taker remainder should rest on the book")
	}
	if bid, _ := b.BestBid(); bid != 55 {
		t.Errorf("best bid = %d, want 55", bid)
	}
}

// No cross: buy 100 @ 50, sell 100 @ 55 -> no trades, both rest, spread 5.
func TestMatchNoCross(t *testing.T) {
	b := NewBook()
	buy := newTestOrder(alice, Buy, "100", 50, 1)
	sell := newTestOrder(bob, Sell, "100", 55, 2)

	if fills := b.Match(buy); len(fills) != 0 {
		t.Fatalf("unexpected fills on empty book: %d", len(fills))
	}
	if fills := b.Match(sell); len(fills) != 0 {
		t.Fatalf("unexpected fills without crossing prices: %d", len(fills))
	}

	if buy.Status != Pending || sell.Status != Pending {
		t.Errorf("statuses = %s/%s, want Pending/Pending", buy.Status, sell.Status)
	}
	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	if bid != 50 || ask != 55 {
		t.Errorf("top of book = %d/%d, want 50/55", bid, ask)
	}
}

// Price-time priority: two makers at the same price match in admission
// order; a better-priced maker matches first regardless of time.
func TestMatchPriceTimePriority(t *testing.T) {
	b := NewBook()
	early := newTestOrder(alice, Sell, "30", 50, 1)
	late := newTestOrder(bob, Sell, "30", 50, 2)
	better := newTestOrder(carol, Sell, "30", 49, 3)
	b.Match(early)
	b.Match(late)
	b.Match(better)

	taker := newTestOrder("0x4444444444444444444444444444444444444444", Buy, "60", 50, 4)
	fills := b.Match(taker)

	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if fills[0].MakerID != better.ID || fills[0].Price != 49 {
		t.Error("best-priced maker must match first")
	}
	if fills[1].MakerID != early.ID {
		t.Error("earlier maker must match before later maker at equal price")
	}
	if late.Status != Pending {
		t.Errorf("late maker status = %s, want Pending", late.Status)
	}
}

// Self-trade prevention: a maker owned by the taker's account is skipped,
// and matching continues with the next maker in priority.
func TestMatchSelfTradeSkipped(t *testing.T) {
	b := NewBook()
	own := newTestOrder(alice, Sell, "40", 50, 1)
	other := newTestOrder(bob, Sell, "40", 50, 2)
	deeper := newTestOrder(bob, Sell, "40", 51, 3)
	b.Match(own)
	b.Match(other)
	b.Match(deeper)

	taker := newTestOrder(alice, Buy, "60", 51, 4)
	fills := b.Match(taker)

	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	for _, f := range fills {
		if f.MakerAccount == alice {
			t.Fatal("self-trade executed")
		}
	}
	if fills[0].MakerID != other.ID || !fills[0].Amount.Equal(kwh("40")) {
		t.Error("same-level non-self maker must match first")
	}
	if fills[1].MakerID != deeper.ID || !fills[1].Amount.Equal(kwh("20")) {
		t.Error("matching must continue past the skipped maker to deeper levels")
	}
	if own.Status != Pending || !own.Remaining.Equal(kwh("40")) {
		t.Error("skipped self order must stay resting untouched")
	}
	if !b.Uncrossed() {
		// alice's own ask at 50 and no remaining bid: uncrossed.
		t.Error("book crossed after self-trade skip cycle")
	}
}

// A taker resting through its own skipped maker leaves a same-account
// crossing. That state is benign and must not read as a crossed book; a
// later taker from another account clears it.
func TestMatchSelfCrossResidual(t *testing.T) {
	b := NewBook()
	own := newTestOrder(alice, Sell, "40", 50, 1)
	b.Match(own)

	taker := newTestOrder(alice, Buy, "60", 51, 2)
	if fills := b.Match(taker); len(fills) != 0 {
		t.Fatalf("fills = %d, want 0", len(fills))
	}
	if taker.Status != Pending {
		t.Errorf("taker status = %s, want Pending", taker.Status)
	}
	if err := b.CheckCycleInvariants(taker); err != nil {
		t.Fatalf("same-account crossing flagged as violation: %v", err)
	}

	// A foreign sell clears the standing bid at the bid's quoted price.
	later := newTestOrder(bob, Sell, "60", 50, 3)
	fills := b.Match(later)
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if fills[0].MakerID != taker.ID || fills[0].Price != 51 {
		t.Errorf("fill = maker %s at %d, want maker %s at 51", fills[0].MakerID, fills[0].Price, taker.ID)
	}
	if err := b.CheckCycleInvariants(later); err != nil {
		t.Fatalf("invariant violation: %v", err)
	}
}

// Conservation: filled + remaining equals the original amount at every
// observation point.
func TestMatchConservation(t *testing.T) {
	b := NewBook()
	orders := []*Order{
		newTestOrder(alice, Sell, "33.5", 50, 1),
		newTestOrder(bob, Sell, "10.25", 49, 2),
		newTestOrder(carol, Buy, "40", 52, 3),
		newTestOrder(alice, Buy, "100", 48, 4),
		newTestOrder(bob, Sell, "71.75", 48, 5),
	}
	for _, o := range orders {
		b.Match(o)
		for _, q := range orders {
			if q.Seq > o.Seq {
				continue
			}
			if !q.Filled.Add(q.Remaining).Equal(q.Amount) {
				t.Fatalf("order %s: filled %s + remaining %s != amount %s",
					q.ID, q.Filled, q.Remaining, q.Amount)
			}
			if q.Remaining.IsNegative() {
				t.Fatalf("order %s: negative remaining %s", q.ID, q.Remaining)
			}
		}
		if err := b.CheckCycleInvariants(o); err != nil {
			t.Fatalf("invariant violation after cycle %d: %v", o.Seq, err)
		}
	}
}

// Determinism: replaying the same admitted sequence produces identical
// fills and identical final books.
func TestMatchDeterministicReplay(t *testing.T) {
	type step struct {
		account string
		side    Side
		amount  string
		price   int64
	}
	sequence := []step{
		{alice, Sell, "50", 100},
		{bob, Sell, "30", 99},
		{carol, Buy, "60", 100},
		{alice, Buy, "25", 98},
		{bob, Sell, "40", 97},
		{carol, Buy, "10", 101},
	}

	run := func() ([]Fill, []PriceLevel, []PriceLevel) {
		b := NewBook()
		var all []Fill
		for i, s := range sequence {
			o := newTestOrder(s.account, s.side, s.amount, s.price, uint64(i+1))
			all = append(all, b.Match(o)...)
		}
		bids, asks := b.Depth(0)
		return all, bids, asks
	}

	fills1, bids1, asks1 := run()
	fills2, bids2, asks2 := run()

	if len(fills1) != len(fills2) {
		t.Fatalf("fill counts differ: %d vs %d", len(fills1), len(fills2))
	}
	for i := range fills1 {
		if fills1[i].Price != fills2[i].Price || !fills1[i].Amount.Equal(fills2[i].Amount) ||
			fills1[i].MakerAccount != fills2[i].MakerAccount ||
			fills1[i].TakerAccount != fills2[i].TakerAccount {
			t.Fatalf("fill %d differs between replays", i)
		}
	}
	if !levelsEqual(bids1, bids2) || !levelsEqual(asks1, asks2) {
		t.Fatal("final book state differs between replays")
	}
}

func levelsEqual(a, b []PriceLevel) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Price != b[i].Price || !a[i].Amount.Equal(b[i].Amount) || a[i].Orders != b[i].Orders {
			return false
		}
	}
	return true
}

// A maker partially filled keeps its original time priority for the
// remainder.
func TestMatchPartialMakerKeepsPriority(t *testing.T) {
	b := NewBook()
	first := newTestOrder(alice, Sell, "50", 50, 1)
	second := newTestOrder(bob, Sell, "50", 50, 2)
	b.Match(first)
	b.Match(second)

	// Takes 20 of the first maker.
	b.Match(newTestOrder(carol, Buy, "20", 50, 3))
	if first.Status != PartiallyFilled || !first.Remaining.Equal(kwh("30")) {
		t.Fatalf("first maker = %s remaining %s, want PartiallyFilled 30", first.Status, first.Remaining)
	}

	// Next taker must hit the first maker's remainder before the second.
	fills := b.Match(newTestOrder(carol, Buy, "40", 50, 4))
	if len(fills) != 2 || fills[0].MakerID != first.ID || !fills[0].Amount.Equal(kwh("30")) {
		t.Fatal("partially filled maker lost its time priority")
	}
	if fills[1].MakerID != second.ID || !fills[1].Amount.Equal(kwh("10")) {
		t.Fatal("remainder should spill to the next maker in line")
	}
}

func TestMatchDecimalAmounts(t *testing.T) {
	b := NewBook()
	b.Match(newTestOrder(alice, Sell, "0.001", 100, 1))
	taker := newTestOrder(bob, Buy, "0.0005", 100, 2)
	fills := b.Match(taker)

	if len(fills) != 1 || !fills[0].Amount.Equal(decimal.RequireFromString("0.0005")) {
		t.Fatalf("fills = %+v, want one fill of 0.0005", fills)
	}
}
