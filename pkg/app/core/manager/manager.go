// Package manager orchestrates the order lifecycle: admission, routing to
// the matching cycle, cancellation, expiry sweeping and the asynchronous
// trade hand-off to the ledger.
//
// Concurrency model: every market gets one worker goroutine that owns its
// order book outright. Submit and cancel suspend only while waiting for
// that worker to dequeue them; nothing ever suspends mid-match. Market
// quotes and event sequences are the only cross-context state, and both
// are published in a bounded step after each cycle.
package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wattlane/wattlane/pkg/app/core/events"
	"github.com/wattlane/wattlane/pkg/app/core/market"
	"github.com/wattlane/wattlane/pkg/app/core/marketdata"
	"github.com/wattlane/wattlane/pkg/app/core/orderbook"
	"github.com/wattlane/wattlane/pkg/util"
)

var (
	ErrUnknownMarket   = errors.New("unknown market")
	ErrMarketNotActive = errors.New("market not accepting orders")
	ErrNoCapacity      = errors.New("grid capacity not available")
	ErrOrderNotFound   = errors.New("order not found")
	ErrNotOwner        = errors.New("order belongs to another account")
	ErrAlreadyTerminal = errors.New("order already in a terminal state")
	ErrEngineClosed    = errors.New("engine closed")
)

// TradeLedger is the external ledger collaborator. CommitTrade must be
// idempotent keyed by trade id; the engine hands trades over at least once
// and never waits for commit acknowledgment on the matching path.
type TradeLedger interface {
	CommitTrade(t *marketdata.Trade) error
}

// Options tunes the engine's scheduled and queued behavior.
type Options struct {
	// SweepInterval is the expiry sweep cadence.
	SweepInterval time.Duration
	// LedgerQueue bounds the trade hand-off queue.
	LedgerQueue int
}

// SubmitRequest is one inbound order. CapacityOK carries the result of the
// external grid-capacity check performed before admission; the core trusts
// it.
type SubmitRequest struct {
	Account    string
	Market     market.Key
	Side       orderbook.Side
	Amount     decimal.Decimal
	Price      int64
	ExpiresAt  time.Time
	CapacityOK bool
}

// Engine is the order manager.
type Engine struct {
	registry *market.Registry
	agg      *marketdata.Aggregator
	bcast    *events.Broadcaster
	ledger   TradeLedger
	clock    util.Clock
	log      *zap.Logger
	opts     Options

	mu      sync.RWMutex
	workers map[string]*worker
	routes  map[uuid.UUID]*worker // order id -> owning worker
	closed  bool

	tradeQ   chan *marketdata.Trade
	done     chan struct{}
	wg       sync.WaitGroup // workers + sweeper
	commitWg sync.WaitGroup

	overflowMu sync.Mutex
	overflow   []*marketdata.Trade // trades the bounded queue could not take
}

func NewEngine(registry *market.Registry, ledger TradeLedger, bcast *events.Broadcaster, agg *marketdata.Aggregator, opts Options, clock util.Clock, log *zap.Logger) *Engine {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if opts.LedgerQueue <= 0 {
		opts.LedgerQueue = 1024
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{
		registry: registry,
		agg:      agg,
		bcast:    bcast,
		ledger:   ledger,
		clock:    clock,
		log:      log,
		opts:     opts,
		workers:  make(map[string]*worker),
		routes:   make(map[uuid.UUID]*worker),
		tradeQ:   make(chan *marketdata.Trade, opts.LedgerQueue),
		done:     make(chan struct{}),
	}

	e.commitWg.Add(1)
	go e.runCommitter()
	e.wg.Add(1)
	go e.runSweeper()
	return e
}

// OpenMarket registers a market and starts its execution context.
func (e *Engine) OpenMarket(m *market.Market) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if err := e.registry.Register(m); err != nil {
		return err
	}

	w := newWorker(e, m)
	e.workers[m.Key.String()] = w
	e.wg.Add(1)
	go w.run()
	return nil
}

// Submit validates an inbound order and routes it to its market's worker
// for one matching cycle. On success the assigned order id is returned. An
// order is either fully admitted or fully rejected; a rejection mutates
// nothing.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	m, err := e.registry.Get(req.Market)
	if err != nil {
		return uuid.Nil, ErrUnknownMarket
	}
	status, err := e.registry.StatusOf(req.Market)
	if err != nil {
		return uuid.Nil, ErrUnknownMarket
	}
	if status != market.Active {
		return uuid.Nil, ErrMarketNotActive
	}
	if !req.CapacityOK {
		return uuid.Nil, ErrNoCapacity
	}

	o := orderbook.New(req.Account, req.Market, req.Side, req.Amount, req.Price, e.clock.Now(), req.ExpiresAt)
	if err := o.Validate(m.MaxAmount, m.MaxPrice); err != nil {
		return uuid.Nil, err
	}

	w, err := e.workerFor(req.Market)
	if err != nil {
		return uuid.Nil, err
	}
	resp, err := w.ask(ctx, request{kind: reqSubmit, order: o})
	if err != nil {
		return uuid.Nil, err
	}
	return resp.order.ID, resp.err
}

// Cancel removes the unfilled remainder of an order. Trades already
// produced by its filled portion stand.
func (e *Engine) Cancel(ctx context.Context, orderID uuid.UUID, account string) error {
	w, ok := e.routeFor(orderID)
	if !ok {
		return ErrOrderNotFound
	}
	if common.IsHexAddress(account) {
		account = common.HexToAddress(account).Hex()
	}
	resp, err := w.ask(ctx, request{kind: reqCancel, id: orderID, account: account})
	if err != nil {
		return err
	}
	return resp.err
}

// OrderStatus returns a copy of an order, resting or terminal.
func (e *Engine) OrderStatus(ctx context.Context, orderID uuid.UUID) (orderbook.Order, error) {
	w, ok := e.routeFor(orderID)
	if !ok {
		return orderbook.Order{}, ErrOrderNotFound
	}
	resp, err := w.ask(ctx, request{kind: reqStatus, id: orderID})
	if err != nil {
		return orderbook.Order{}, err
	}
	return resp.order, resp.err
}

// BookDepth returns aggregated size at the top n price levels per side.
func (e *Engine) BookDepth(ctx context.Context, key market.Key, n int) (bids, asks []orderbook.PriceLevel, err error) {
	w, werr := e.workerFor(key)
	if werr != nil {
		return nil, nil, werr
	}
	resp, err := w.ask(ctx, request{kind: reqDepth, depth: n})
	if err != nil {
		return nil, nil, err
	}
	return resp.bids, resp.asks, resp.err
}

// Quote returns the market's published data snapshot.
func (e *Engine) Quote(key market.Key) (marketdata.Quote, bool) {
	return e.agg.Quote(key)
}

// Resume moves a paused or halted market back to Active. The transition
// runs on the market's own worker so it is ordered against in-flight
// submits; the registry rejects it for closed markets.
func (e *Engine) Resume(ctx context.Context, key market.Key) error {
	w, err := e.workerFor(key)
	if err != nil {
		return err
	}
	resp, err := w.ask(ctx, request{kind: reqResume})
	if err != nil {
		return err
	}
	return resp.err
}

// SweepExpired runs one expiry sweep across all markets immediately,
// outside the periodic cadence. Mostly useful in tests and admin tooling.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	total := 0
	for _, w := range e.snapshotWorkers() {
		resp, err := w.ask(ctx, request{kind: reqSweep, now: e.clock.Now()})
		if err != nil {
			return total, err
		}
		total += resp.swept
	}
	return total, nil
}

// Close stops the sweeper, the workers and the ledger committer. Pending
// requests are answered before workers exit.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.done)
	for _, w := range e.workers {
		close(w.reqs)
	}
	e.mu.Unlock()

	e.wg.Wait()
	close(e.tradeQ)
	e.commitWg.Wait()
}

func (e *Engine) workerFor(key market.Key) (*worker, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	w, ok := e.workers[key.String()]
	if !ok {
		return nil, ErrUnknownMarket
	}
	return w, nil
}

func (e *Engine) routeFor(orderID uuid.UUID) (*worker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, false
	}
	w, ok := e.routes[orderID]
	return w, ok
}

func (e *Engine) addRoute(orderID uuid.UUID, w *worker) {
	e.mu.Lock()
	e.routes[orderID] = w
	e.mu.Unlock()
}

func (e *Engine) snapshotWorkers() []*worker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		out = append(out, w)
	}
	return out
}

// runSweeper drives the periodic expiry sweep with an explicit cadence and
// shutdown contract.
func (e *Engine) runSweeper() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-e.clock.After(e.opts.SweepInterval):
			n, err := e.SweepExpired(context.Background())
			if err != nil && !errors.Is(err, ErrEngineClosed) {
				e.log.Warn("expiry sweep failed", zap.Error(err))
			}
			if n > 0 {
				e.log.Info("expired orders swept", zap.Int("count", n))
			}
		}
	}
}

// handOff queues a trade for ledger commit without ever suspending the
// matching cycle. When the bounded queue is full, the trade spills to an
// overflow list the committer drains between queue items; Close drains
// whatever is left before returning.
func (e *Engine) handOff(t *marketdata.Trade) {
	select {
	case e.tradeQ <- t:
	default:
		e.overflowMu.Lock()
		e.overflow = append(e.overflow, t)
		depth := len(e.overflow)
		e.overflowMu.Unlock()
		e.log.Warn("ledger queue full, trade spilled to overflow",
			zap.String("trade_id", t.ID.String()),
			zap.Int("overflow_depth", depth))
	}
}

func (e *Engine) takeOverflow() []*marketdata.Trade {
	e.overflowMu.Lock()
	out := e.overflow
	e.overflow = nil
	e.overflowMu.Unlock()
	return out
}

// runCommitter drains the trade hand-off queue into the ledger. Commit
// failures are retried here and never surface to the matching path; the
// ledger is idempotent by trade id, so at-least-once delivery is safe.
func (e *Engine) runCommitter() {
	defer e.commitWg.Done()
	for t := range e.tradeQ {
		e.commit(t)
		for _, spilled := range e.takeOverflow() {
			e.commit(spilled)
		}
	}
	// Workers are gone once the queue closes; anything still in overflow
	// spilled during the final cycles.
	for _, spilled := range e.takeOverflow() {
		e.commit(spilled)
	}
}

func (e *Engine) commit(t *marketdata.Trade) {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = e.ledger.CommitTrade(t); err == nil {
			return
		}
		e.log.Warn("trade commit failed",
			zap.String("trade_id", t.ID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-e.done:
		case <-e.clock.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	// The trade already happened; the ledger collaborator must reconcile
	// from the event stream.
	e.log.Error("giving up on trade commit",
		zap.String("trade_id", t.ID.String()),
		zap.Error(err))
}
