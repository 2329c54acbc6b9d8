package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wattlane/wattlane/pkg/app/core/events"
	"github.com/wattlane/wattlane/pkg/app/core/market"
	"github.com/wattlane/wattlane/pkg/app/core/marketdata"
	"github.com/wattlane/wattlane/pkg/app/core/orderbook"
	"github.com/wattlane/wattlane/pkg/storage"
	"github.com/wattlane/wattlane/pkg/util"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
	carol = "0x3333333333333333333333333333333333333333"
)

var solarNorth = market.Key{Location: "grid-north", Source: market.Solar}

func kwh(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// newTestEngine wires an engine around an in-memory ledger and a manual
// clock with the sweep cadence pushed far out so tests drive expiry
// explicitly.
func newTestEngine(t *testing.T, clock util.Clock) (*Engine, *storage.MemLedger) {
	t.Helper()
	ledger := storage.NewMemLedger()
	reg := market.NewRegistry()
	bcast := events.NewBroadcaster(64, nil)
	agg := marketdata.NewAggregator(clock, 24*time.Hour)
	eng := NewEngine(reg, ledger, bcast, agg, Options{SweepInterval: time.Hour}, clock, nil)

	m, err := market.New(solarNorth, kwh("1000"), 100000, 10, 25, 15)
	if err != nil {
		t.Fatalf("market.New: %v", err)
	}
	if err := eng.OpenMarket(m); err != nil {
		t.Fatalf("OpenMarket: %v", err)
	}
	return eng, ledger
}

func submit(t *testing.T, eng *Engine, account string, side orderbook.Side, amount string, price int64) uuid.UUID {
	t.Helper()
	id, err := eng.Submit(context.Background(), SubmitRequest{
		Account:    account,
		Market:     solarNorth,
		Side:       side,
		Amount:     kwh(amount),
		Price:      price,
		CapacityOK: true,
	})
	if err != nil {
		t.Fatalf("submit %s %s@%d: %v", side, amount, price, err)
	}
	return id
}

func orderStatus(t *testing.T, eng *Engine, id uuid.UUID) orderbook.Order {
	t.Helper()
	o, err := eng.OrderStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("OrderStatus(%s): %v", id, err)
	}
	return o
}

func TestEngineFullMatch(t *testing.T) {
	eng, ledger := newTestEngine(t, util.RealClock{})

	sellID := submit(t, eng, alice, orderbook.Sell, "50", 100)
	buyID := submit(t, eng, bob, orderbook.Buy, "50", 105)

	if got := orderStatus(t, eng, sellID); got.Status != orderbook.Filled {
		t.Errorf("sell status = %s, want Filled", got.Status)
	}
	if got := orderStatus(t, eng, buyID); got.Status != orderbook.Filled {
		t.Errorf("buy status = %s, want Filled", got.Status)
	}

	q, ok := eng.Quote(solarNorth)
	if !ok {
		t.Fatal("no quote published")
	}
	if q.LastPrice != 100 {
		t.Errorf("last price = %d, want maker price 100", q.LastPrice)
	}
	if !q.Volume24h.Equal(kwh("50")) {
		t.Errorf("volume = %s, want 50", q.Volume24h)
	}

	eng.Close()
	trades := ledger.Trades()
	if len(trades) != 1 {
		t.Fatalf("ledger trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.Price != 100 || !tr.Amount.Equal(kwh("50")) {
		t.Errorf("trade = %s@%d, want 50@100", tr.Amount, tr.Price)
	}
	if tr.TakerAccount != bob || tr.MakerAccount != alice {
		t.Errorf("trade accounts = taker %s maker %s", tr.TakerAccount, tr.MakerAccount)
	}
}

func TestEnginePartialFillRests(t *testing.T) {
	eng, _ := newTestEngine(t, util.RealClock{})
	defer eng.Close()

	submit(t, eng, alice, orderbook.Sell, "50", 100)
	buyID := submit(t, eng, bob, orderbook.Buy, "80", 105)

	got := orderStatus(t, eng, buyID)
	if got.Status != orderbook.PartiallyFilled {
		t.Fatalf("buy status = %s, want PartiallyFilled", got.Status)
	}
	if !got.Remaining.Equal(kwh("30")) {
		t.Errorf("remaining = %s, want 30", got.Remaining)
	}

	bids, asks, err := eng.BookDepth(context.Background(), solarNorth, 0)
	if err != nil {
		t.Fatalf("BookDepth: %v", err)
	}
	if len(asks) != 0 {
		t.Errorf("asks = %d levels, want 0", len(asks))
	}
	if len(bids) != 1 || bids[0].Price != 105 || !bids[0].Amount.Equal(kwh("30")) {
		t.Errorf("bids = %+v, want one level 30@105", bids)
	}
}

func TestEngineSubmitRejections(t *testing.T) {
	eng, _ := newTestEngine(t, util.RealClock{})
	defer eng.Close()

	ctx := context.Background()
	base := SubmitRequest{
		Account:    alice,
		Market:     solarNorth,
		Side:       orderbook.Buy,
		Amount:     kwh("10"),
		Price:      100,
		CapacityOK: true,
	}

	unknown := base
	unknown.Market = market.Key{Location: "grid-nowhere", Source: market.Wind}
	if _, err := eng.Submit(ctx, unknown); !errors.Is(err, ErrUnknownMarket) {
		t.Errorf("unknown market: %v, want ErrUnknownMarket", err)
	}

	noCap := base
	noCap.CapacityOK = false
	if _, err := eng.Submit(ctx, noCap); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("no capacity: %v, want ErrNoCapacity", err)
	}

	badAmount := base
	badAmount.Amount = kwh("0")
	if _, err := eng.Submit(ctx, badAmount); !errors.Is(err, orderbook.ErrAmountNotPositive) {
		t.Errorf("zero amount: %v, want ErrAmountNotPositive", err)
	}

	badPrice := base
	badPrice.Price = 100001
	if _, err := eng.Submit(ctx, badPrice); !errors.Is(err, orderbook.ErrPriceTooLarge) {
		t.Errorf("price above cap: %v, want ErrPriceTooLarge", err)
	}

	// A rejection mutates nothing: the book is still empty.
	bids, asks, err := eng.BookDepth(ctx, solarNorth, 0)
	if err != nil {
		t.Fatalf("BookDepth: %v", err)
	}
	if len(bids) != 0 || len(asks) != 0 {
		t.Error("rejected orders must never reach the book")
	}
}

func TestEnginePausedMarketRejects(t *testing.T) {
	eng, _ := newTestEngine(t, util.RealClock{})
	defer eng.Close()

	if err := eng.registry.SetStatus(solarNorth, market.Paused); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	_, err := eng.Submit(context.Background(), SubmitRequest{
		Account:    alice,
		Market:     solarNorth,
		Side:       orderbook.Buy,
		Amount:     kwh("10"),
		Price:      100,
		CapacityOK: true,
	})
	if !errors.Is(err, ErrMarketNotActive) {
		t.Errorf("paused market: %v, want ErrMarketNotActive", err)
	}
}

func TestEngineResumeReopensMarket(t *testing.T) {
	eng, _ := newTestEngine(t, util.RealClock{})
	defer eng.Close()
	ctx := context.Background()

	if err := eng.registry.SetStatus(solarNorth, market.Paused); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := eng.Resume(ctx, solarNorth); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	submit(t, eng, alice, orderbook.Buy, "10", 100)

	if err := eng.registry.SetStatus(solarNorth, market.Closed); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := eng.Resume(ctx, solarNorth); err == nil {
		t.Fatal("closed market must not resume")
	}
}

// A halted market comes back once an operator resumes it; the worker's
// own rejection flag clears together with the registry status. The worker
// is driven directly here so the halt itself does not need a corrupted
// book to trigger.
func TestWorkerHaltClearsOnResume(t *testing.T) {
	eng, _ := newTestEngine(t, util.RealClock{})
	defer eng.Close()

	m, err := eng.registry.Get(solarNorth)
	if err != nil {
		t.Fatalf("registry.Get: %v", err)
	}
	w := newWorker(eng, m)

	w.halt(errors.New("resting book crossed across accounts"))
	if status, _ := eng.registry.StatusOf(solarNorth); status != market.Halted {
		t.Fatalf("status after halt = %s, want Halted", status)
	}
	o := orderbook.New(alice, solarNorth, orderbook.Buy, kwh("10"), 100, eng.clock.Now(), time.Time{})
	if resp := w.handleSubmit(o); !errors.Is(resp.err, ErrMarketNotActive) {
		t.Fatalf("submit while halted: %v, want ErrMarketNotActive", resp.err)
	}

	if resp := w.handleResume(); resp.err != nil {
		t.Fatalf("resume: %v", resp.err)
	}
	if w.halted {
		t.Fatal("halt flag must clear on resume")
	}
	if status, _ := eng.registry.StatusOf(solarNorth); status != market.Active {
		t.Errorf("status after resume = %s, want Active", status)
	}
	if resp := w.handleSubmit(o); resp.err != nil {
		t.Errorf("submit after resume: %v", resp.err)
	}
}

func TestEngineCancelLifecycle(t *testing.T) {
	eng, _ := newTestEngine(t, util.RealClock{})
	defer eng.Close()
	ctx := context.Background()

	id := submit(t, eng, alice, orderbook.Buy, "25", 90)

	if err := eng.Cancel(ctx, uuid.New(), alice); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("cancel unknown id: %v, want ErrOrderNotFound", err)
	}
	if err := eng.Cancel(ctx, id, bob); !errors.Is(err, ErrNotOwner) {
		t.Errorf("cancel by non-owner: %v, want ErrNotOwner", err)
	}
	if got := orderStatus(t, eng, id); got.Status != orderbook.Pending {
		t.Fatalf("status after failed cancels = %s, want Pending", got.Status)
	}

	if err := eng.Cancel(ctx, id, alice); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := orderStatus(t, eng, id); got.Status != orderbook.Cancelled {
		t.Errorf("status = %s, want Cancelled", got.Status)
	}

	if err := eng.Cancel(ctx, id, alice); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("second cancel: %v, want ErrAlreadyTerminal", err)
	}

	// The cancelled bid no longer matches an incoming crossing sell.
	sellID := submit(t, eng, bob, orderbook.Sell, "25", 85)
	if got := orderStatus(t, eng, sellID); got.Status != orderbook.Pending {
		t.Errorf("sell status = %s, want Pending against a cancelled bid", got.Status)
	}
}

// Cancelling a partially filled order removes only the remainder; the
// trades its filled portion produced stand.
func TestEngineCancelPartialKeepsTrades(t *testing.T) {
	eng, ledger := newTestEngine(t, util.RealClock{})
	ctx := context.Background()

	submit(t, eng, alice, orderbook.Sell, "50", 100)
	buyID := submit(t, eng, bob, orderbook.Buy, "80", 100)

	if err := eng.Cancel(ctx, buyID, bob); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got := orderStatus(t, eng, buyID)
	if got.Status != orderbook.Cancelled {
		t.Errorf("status = %s, want Cancelled", got.Status)
	}
	if !got.Filled.Equal(kwh("50")) {
		t.Errorf("filled = %s, want 50 preserved through cancel", got.Filled)
	}

	eng.Close()
	if ledger.Len() != 1 {
		t.Errorf("ledger trades = %d, want 1", ledger.Len())
	}
}

func TestEngineCancelFilledOrder(t *testing.T) {
	eng, _ := newTestEngine(t, util.RealClock{})
	defer eng.Close()

	sellID := submit(t, eng, alice, orderbook.Sell, "50", 100)
	submit(t, eng, bob, orderbook.Buy, "50", 100)

	if err := eng.Cancel(context.Background(), sellID, alice); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("cancel filled order: %v, want ErrAlreadyTerminal", err)
	}
}

func TestEngineSelfTradePrevented(t *testing.T) {
	eng, _ := newTestEngine(t, util.RealClock{})
	defer eng.Close()

	submit(t, eng, alice, orderbook.Sell, "50", 100)
	submit(t, eng, bob, orderbook.Sell, "50", 101)
	buyID := submit(t, eng, alice, orderbook.Buy, "100", 101)

	// Only bob's maker fills; alice's own ask is skipped and the taker
	// remainder rests.
	got := orderStatus(t, eng, buyID)
	if got.Status != orderbook.PartiallyFilled {
		t.Fatalf("taker status = %s, want PartiallyFilled", got.Status)
	}
	if !got.Filled.Equal(kwh("50")) || !got.Remaining.Equal(kwh("50")) {
		t.Errorf("taker filled=%s remaining=%s, want 50/50", got.Filled, got.Remaining)
	}

	// The market must not have halted on the benign same-account crossing.
	status, err := eng.registry.StatusOf(solarNorth)
	if err != nil {
		t.Fatalf("registry.StatusOf: %v", err)
	}
	if status != market.Active {
		t.Errorf("market status = %s, want Active", status)
	}
}

func TestEngineExpirySweep(t *testing.T) {
	clock := util.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	eng, _ := newTestEngine(t, clock)
	defer eng.Close()
	ctx := context.Background()

	id, err := eng.Submit(ctx, SubmitRequest{
		Account:    alice,
		Market:     solarNorth,
		Side:       orderbook.Buy,
		Amount:     kwh("40"),
		Price:      100,
		ExpiresAt:  clock.Now().Add(time.Minute),
		CapacityOK: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	n, err := eng.SweepExpired(ctx)
	if err != nil || n != 0 {
		t.Fatalf("sweep before expiry = %d, %v; want 0, nil", n, err)
	}

	clock.Advance(2 * time.Minute)
	n, err = eng.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	if got := orderStatus(t, eng, id); got.Status != orderbook.Expired {
		t.Errorf("status = %s, want Expired", got.Status)
	}

	// The expired bid cannot match a crossing sell admitted afterwards.
	sellID := submit(t, eng, bob, orderbook.Sell, "40", 95)
	if got := orderStatus(t, eng, sellID); got.Status != orderbook.Pending {
		t.Errorf("sell status = %s, want Pending", got.Status)
	}
}

// The committer retries failed commits off the matching path until the
// ledger accepts.
func TestEngineLedgerCommitRetry(t *testing.T) {
	eng, ledger := newTestEngine(t, util.RealClock{})
	ledger.FailFirst = 1

	submit(t, eng, alice, orderbook.Sell, "50", 100)
	submit(t, eng, bob, orderbook.Buy, "50", 100)

	eng.Close()
	if ledger.Len() != 1 {
		t.Fatalf("ledger trades = %d, want 1 after retry", ledger.Len())
	}
}

// A stalled ledger must never stall matching: with the committer parked in
// backoff on a manual clock and a one-slot hand-off queue, trades spill to
// the overflow list and every Submit still returns.
func TestEngineLedgerBackpressureNeverBlocksMatching(t *testing.T) {
	clock := util.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ledger := storage.NewMemLedger()
	ledger.FailFirst = 2
	reg := market.NewRegistry()
	bcast := events.NewBroadcaster(64, nil)
	agg := marketdata.NewAggregator(clock, 24*time.Hour)
	eng := NewEngine(reg, ledger, bcast, agg, Options{SweepInterval: time.Hour, LedgerQueue: 1}, clock, nil)

	m, err := market.New(solarNorth, kwh("1000"), 100000, 10, 25, 15)
	if err != nil {
		t.Fatalf("market.New: %v", err)
	}
	if err := eng.OpenMarket(m); err != nil {
		t.Fatalf("OpenMarket: %v", err)
	}

	for i := 0; i < 3; i++ {
		submit(t, eng, alice, orderbook.Sell, "10", 100)
		submit(t, eng, bob, orderbook.Buy, "10", 100)
	}

	// Close releases the committer's backoff waits; every trade, queued or
	// spilled, still reaches the ledger.
	eng.Close()
	if got := ledger.Len(); got != 3 {
		t.Errorf("ledger trades = %d, want 3", got)
	}
}

func TestEngineClosedRejectsEverything(t *testing.T) {
	eng, _ := newTestEngine(t, util.RealClock{})
	id := submit(t, eng, alice, orderbook.Buy, "10", 100)
	eng.Close()
	eng.Close() // idempotent

	ctx := context.Background()
	if _, err := eng.Submit(ctx, SubmitRequest{
		Account: alice, Market: solarNorth, Side: orderbook.Buy,
		Amount: kwh("10"), Price: 100, CapacityOK: true,
	}); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("submit after close: %v, want ErrEngineClosed", err)
	}
	if err := eng.Cancel(ctx, id, alice); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("cancel after close: %v, want ErrOrderNotFound", err)
	}
}

func TestEngineMarketsIndependent(t *testing.T) {
	eng, _ := newTestEngine(t, util.RealClock{})
	defer eng.Close()

	windSouth := market.Key{Location: "grid-south", Source: market.Wind}
	m, err := market.New(windSouth, kwh("1000"), 100000, 10, 25, 20)
	if err != nil {
		t.Fatalf("market.New: %v", err)
	}
	if err := eng.OpenMarket(m); err != nil {
		t.Fatalf("OpenMarket: %v", err)
	}

	submit(t, eng, alice, orderbook.Sell, "50", 100)
	id, err := eng.Submit(context.Background(), SubmitRequest{
		Account:    bob,
		Market:     windSouth,
		Side:       orderbook.Buy,
		Amount:     kwh("50"),
		Price:      105,
		CapacityOK: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Same location/source split differently: no cross-market matching.
	if got := orderStatus(t, eng, id); got.Status != orderbook.Pending {
		t.Errorf("buy in %s = %s, want Pending", windSouth, got.Status)
	}
}
