package manager

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wattlane/wattlane/pkg/app/core/events"
	"github.com/wattlane/wattlane/pkg/app/core/fees"
	"github.com/wattlane/wattlane/pkg/app/core/market"
	"github.com/wattlane/wattlane/pkg/app/core/marketdata"
	"github.com/wattlane/wattlane/pkg/app/core/orderbook"
)

type reqKind int8

const (
	reqSubmit reqKind = iota
	reqCancel
	reqStatus
	reqDepth
	reqSweep
	reqResume
)

type request struct {
	kind    reqKind
	order   *orderbook.Order // submit
	id      uuid.UUID        // cancel, status
	account string           // cancel
	depth   int              // depth
	now     time.Time        // sweep
	reply   chan response
}

type response struct {
	err   error
	order orderbook.Order // copy
	bids  []orderbook.PriceLevel
	asks  []orderbook.PriceLevel
	swept int
}

// worker is the single logical writer for one market. It owns the book and
// every order admitted to this market; requests are processed strictly in
// dequeue order, which is what resolves submit/cancel races
// deterministically.
type worker struct {
	eng      *Engine
	mkt      *market.Market
	book     *orderbook.Book
	schedule fees.Schedule
	orders   map[uuid.UUID]*orderbook.Order // admitted orders, incl. terminal
	reqs     chan request
	nextSeq  uint64
	halted   bool
	log      *zap.Logger
}

func newWorker(e *Engine, m *market.Market) *worker {
	return &worker{
		eng:      e,
		mkt:      m,
		book:     orderbook.NewBook(),
		schedule: fees.ForMarket(m),
		orders:   make(map[uuid.UUID]*orderbook.Order),
		reqs:     make(chan request, 128),
		log:      e.log.With(zap.String("market", m.Key.String())),
	}
}

// ask enqueues a request and waits for the worker's answer. It suspends
// only while waiting for the execution slot, never mid-match. The engine
// read lock held across the send keeps Close from closing the channel
// under us.
func (w *worker) ask(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)

	w.eng.mu.RLock()
	if w.eng.closed {
		w.eng.mu.RUnlock()
		return response{}, ErrEngineClosed
	}
	select {
	case w.reqs <- req:
		w.eng.mu.RUnlock()
	case <-ctx.Done():
		w.eng.mu.RUnlock()
		return response{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (w *worker) run() {
	defer w.eng.wg.Done()
	for req := range w.reqs {
		var resp response
		switch req.kind {
		case reqSubmit:
			resp = w.handleSubmit(req.order)
		case reqCancel:
			resp = w.handleCancel(req.id, req.account)
		case reqStatus:
			resp = w.handleStatus(req.id)
		case reqDepth:
			resp = w.handleDepth(req.depth)
		case reqSweep:
			resp = w.handleSweep(req.now)
		case reqResume:
			resp = w.handleResume()
		}
		req.reply <- resp
	}
}

// handleSubmit runs one complete matching cycle: match, fee computation,
// aggregation, event publication, ledger hand-off, invariant check.
func (w *worker) handleSubmit(o *orderbook.Order) response {
	if w.halted {
		return response{err: ErrMarketNotActive}
	}

	w.nextSeq++
	o.Seq = w.nextSeq
	w.orders[o.ID] = o
	w.eng.addRoute(o.ID, w)

	fills := w.book.Match(o)

	now := w.eng.clock.Now()
	changes := make([]events.BookChange, 0, len(fills)+1)
	for _, f := range fills {
		trade := &marketdata.Trade{
			ID:           uuid.New(),
			Market:       w.mkt.Key,
			TakerOrderID: f.TakerID,
			MakerOrderID: f.MakerID,
			TakerAccount: f.TakerAccount,
			MakerAccount: f.MakerAccount,
			Amount:       f.Amount,
			Price:        f.Price,
			Fees:         w.schedule.Compute(f.Amount, f.Price),
			ExecutedAt:   now,
		}
		w.eng.agg.RecordTrade(trade)
		w.eng.handOff(trade)
		w.eng.bcast.Publish(events.Event{
			Market: w.mkt.Key,
			Type:   events.TradeExecuted,
			At:     now,
			Trade:  trade,
		})

		maker := w.orders[f.MakerID]
		change := events.BookChange{
			OrderID: f.MakerID,
			Side:    o.Side.Opposite(),
			Price:   f.Price,
			Kind:    events.ChangeRemoved,
		}
		if maker != nil && !maker.Status.Terminal() {
			change.Kind = events.ChangeReduced
			change.Remaining = maker.Remaining
		}
		changes = append(changes, change)
	}

	if o.Remaining.IsPositive() {
		changes = append(changes, events.BookChange{
			OrderID:   o.ID,
			Side:      o.Side,
			Price:     o.Price,
			Remaining: o.Remaining,
			Kind:      events.ChangeAdded,
		})
	}
	if len(changes) > 0 {
		w.eng.bcast.Publish(events.Event{
			Market: w.mkt.Key,
			Type:   events.OrderBookDelta,
			At:     now,
			Book:   changes,
		})
	}

	w.publishMarketData(now)

	if err := w.book.CheckCycleInvariants(o); err != nil {
		w.halt(err)
	}
	return response{order: *o}
}

// handleCancel removes the unfilled remainder of a resting order.
func (w *worker) handleCancel(id uuid.UUID, account string) response {
	if w.halted {
		return response{err: ErrMarketNotActive}
	}
	o, ok := w.orders[id]
	if !ok {
		return response{err: ErrOrderNotFound}
	}
	if o.Account != account {
		return response{err: ErrNotOwner}
	}
	if o.Status.Terminal() {
		return response{err: ErrAlreadyTerminal}
	}

	if _, err := w.book.Remove(id); err != nil {
		// Non-terminal orders are always book-resident; anything else is
		// corrupted state.
		w.halt(err)
		return response{err: ErrMarketNotActive}
	}
	o.Status = orderbook.Cancelled

	now := w.eng.clock.Now()
	w.eng.bcast.Publish(events.Event{
		Market: w.mkt.Key,
		Type:   events.OrderBookDelta,
		At:     now,
		Book: []events.BookChange{{
			OrderID:   id,
			Side:      o.Side,
			Price:     o.Price,
			Remaining: o.Remaining,
			Kind:      events.ChangeRemoved,
		}},
	})
	w.publishMarketData(now)
	return response{order: *o}
}

func (w *worker) handleStatus(id uuid.UUID) response {
	o, ok := w.orders[id]
	if !ok {
		return response{err: ErrOrderNotFound}
	}
	return response{order: *o}
}

func (w *worker) handleDepth(n int) response {
	bids, asks := w.book.Depth(n)
	return response{bids: bids, asks: asks}
}

// handleSweep transitions every past-expiry resting order to Expired.
func (w *worker) handleSweep(now time.Time) response {
	if w.halted {
		return response{}
	}
	expired := w.book.ExpiredAsOf(now)
	if len(expired) == 0 {
		return response{}
	}

	changes := make([]events.BookChange, 0, len(expired))
	for _, o := range expired {
		if _, err := w.book.Remove(o.ID); err != nil {
			w.halt(err)
			return response{err: ErrMarketNotActive}
		}
		o.Status = orderbook.Expired
		changes = append(changes, events.BookChange{
			OrderID:   o.ID,
			Side:      o.Side,
			Price:     o.Price,
			Remaining: o.Remaining,
			Kind:      events.ChangeRemoved,
		})
	}

	w.eng.bcast.Publish(events.Event{
		Market: w.mkt.Key,
		Type:   events.OrderBookDelta,
		At:     now,
		Book:   changes,
	})
	w.publishMarketData(now)
	return response{swept: len(expired)}
}

// publishMarketData mirrors the top of book into the aggregator and emits
// the refreshed quote.
func (w *worker) publishMarketData(now time.Time) {
	bid, haveBid := w.book.BestBid()
	ask, haveAsk := w.book.BestAsk()
	w.eng.agg.SetTopOfBook(w.mkt.Key, bid, haveBid, ask, haveAsk)

	if q, ok := w.eng.agg.Quote(w.mkt.Key); ok {
		quote := q
		w.eng.bcast.Publish(events.Event{
			Market: w.mkt.Key,
			Type:   events.MarketDataUpdated,
			At:     now,
			Quote:  &quote,
		})
	}
}

// halt stops this market after an invariant violation. The worker keeps
// answering queries but rejects all further mutations; other markets are
// unaffected.
func (w *worker) halt(cause error) {
	w.halted = true
	if err := w.eng.registry.Halt(w.mkt.Key); err != nil {
		w.log.Error("failed to flag halted market", zap.Error(err))
	}
	w.log.Error("market halted on invariant violation", zap.Error(cause))
}

// handleResume reopens a paused or halted market. The registry owns the
// transition rules; the worker's own halt flag clears only once the
// registry has agreed to the move back to Active.
func (w *worker) handleResume() response {
	if err := w.eng.registry.SetStatus(w.mkt.Key, market.Active); err != nil {
		return response{err: err}
	}
	if w.halted {
		w.halted = false
		w.log.Info("market resumed after halt")
	}
	return response{}
}
