// Package api is the gateway collaborator: a REST query/command surface and
// a WebSocket fan-out of the core's event streams. Nothing here touches
// book state directly; everything goes through the engine's serialized
// request paths or published snapshots.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wattlane/wattlane/pkg/app/core/manager"
	"github.com/wattlane/wattlane/pkg/app/core/market"
	"github.com/wattlane/wattlane/pkg/app/core/orderbook"
	"github.com/wattlane/wattlane/pkg/storage"
)

type Server struct {
	engine   *manager.Engine
	registry *market.Registry
	ledger   *storage.TradeLedger // optional; trade history disabled when nil
	router   *mux.Router
	hub      *Hub
	log      *zap.Logger
}

func NewServer(engine *manager.Engine, registry *market.Registry, ledger *storage.TradeLedger, hub *Hub, log *zap.Logger) *Server {
	s := &Server{
		engine:   engine,
		registry: registry,
		ledger:   ledger,
		router:   mux.NewRouter(),
		hub:      hub,
		log:      log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{location}/{source}/orderbook", s.handleGetOrderBook).Methods("GET")
	api.HandleFunc("/markets/{location}/{source}/quote", s.handleGetQuote).Methods("GET")
	api.HandleFunc("/markets/{location}/{source}/trades", s.handleGetTrades).Methods("GET")

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *Server) Start(addr string) error {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})
	s.log.Info("api server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// Handler exposes the routed handler for tests and custom servers.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.registry.List()
	out := make([]MarketInfo, len(markets))
	for i, m := range markets {
		status, _ := s.registry.StatusOf(m.Key)
		out[i] = MarketInfo{
			Location:    m.Key.Location,
			Source:      string(m.Key.Source),
			Status:      status.String(),
			MaxAmount:   m.MaxAmount.String(),
			MaxPrice:    m.MaxPrice,
			MakerFeeBps: m.MakerFeeBps,
			TakerFeeBps: m.TakerFeeBps,
			GridFeeBps:  m.GridFeeBps,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOrderBook(w http.ResponseWriter, r *http.Request) {
	key, ok := s.marketKey(w, r)
	if !ok {
		return
	}
	depth := 20
	if d := r.URL.Query().Get("depth"); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n > 0 {
			depth = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	bids, asks, err := s.engine.BookDepth(ctx, key, depth)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OrderBookResponse{
		Market: key.String(),
		Bids:   levelInfos(bids),
		Asks:   levelInfos(asks),
	})
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	key, ok := s.marketKey(w, r)
	if !ok {
		return
	}
	q, found := s.engine.Quote(key)
	if !found && !s.registry.Exists(key) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown market"})
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	key, ok := s.marketKey(w, r)
	if !ok {
		return
	}
	if s.ledger == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "trade history not enabled"})
		return
	}
	trades, err := s.ledger.RecentTrades(key, 100)
	if err != nil {
		s.log.Error("recent trades query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed request body"})
		return
	}

	source, err := market.ParseSource(req.Source)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.AmountKWh)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed amount"})
		return
	}
	var side orderbook.Side
	switch req.Side {
	case "buy":
		side = orderbook.Buy
	case "sell":
		side = orderbook.Sell
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "side must be buy or sell"})
		return
	}
	var expiresAt time.Time
	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	}

	id, err := s.engine.Submit(r.Context(), manager.SubmitRequest{
		Account:    req.Account,
		Market:     market.Key{Location: req.Location, Source: source},
		Side:       side,
		Amount:     amount,
		Price:      req.Price,
		ExpiresAt:  expiresAt,
		CapacityOK: req.CapacityOK,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitOrderResponse{OrderID: id.String()})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed request body"})
		return
	}
	id, err := uuid.Parse(req.OrderID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed order id"})
		return
	}
	if err := s.engine.Cancel(r.Context(), id, req.Account); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed order id"})
		return
	}
	o, err := s.engine.OrderStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderInfo(o))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) marketKey(w http.ResponseWriter, r *http.Request) (market.Key, bool) {
	vars := mux.Vars(r)
	source, err := market.ParseSource(vars["source"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return market.Key{}, false
	}
	return market.Key{Location: vars["location"], Source: source}, true
}

// writeError maps core errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, manager.ErrUnknownMarket):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, manager.ErrAlreadyTerminal):
		status = http.StatusConflict
	case errors.Is(err, manager.ErrMarketNotActive):
		status = http.StatusServiceUnavailable
	case errors.Is(err, manager.ErrEngineClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func orderInfo(o orderbook.Order) OrderInfo {
	info := OrderInfo{
		ID:        o.ID.String(),
		Account:   o.Account,
		Market:    o.Market.String(),
		Side:      o.Side.String(),
		Amount:    o.Amount,
		Filled:    o.Filled,
		Remaining: o.Remaining,
		Price:     o.Price,
		Status:    o.Status.String(),
		CreatedAt: o.CreatedAt,
	}
	if !o.ExpiresAt.IsZero() {
		t := o.ExpiresAt
		info.ExpiresAt = &t
	}
	return info
}

func levelInfos(levels []orderbook.PriceLevel) []PriceLevelInfo {
	out := make([]PriceLevelInfo, len(levels))
	for i, l := range levels {
		out[i] = PriceLevelInfo{Price: l.Price, Amount: l.Amount, Orders: l.Orders}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
