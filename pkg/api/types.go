package api

import (
	"time"

	"github.com/shopspring/decimal"
)

// Request/response shapes for the REST and WebSocket surfaces.

type MarketInfo struct {
	Location    string `json:"location"`
	Source      string `json:"source"`
	Status      string `json:"status"`
	MaxAmount   string `json:"max_amount_kwh"`
	MaxPrice    int64  `json:"max_price"`
	MakerFeeBps int64  `json:"maker_fee_bps"`
	TakerFeeBps int64  `json:"taker_fee_bps"`
	GridFeeBps  int64  `json:"grid_fee_bps"`
}

type PriceLevelInfo struct {
	Price  int64           `json:"price"`
	Amount decimal.Decimal `json:"amount_kwh"`
	Orders int             `json:"orders"`
}

type OrderBookResponse struct {
	Market string           `json:"market"`
	Bids   []PriceLevelInfo `json:"bids"`
	Asks   []PriceLevelInfo `json:"asks"`
}

type OrderInfo struct {
	ID        string          `json:"id"`
	Account   string          `json:"account"`
	Market    string          `json:"market"`
	Side      string          `json:"side"`
	Amount    decimal.Decimal `json:"amount_kwh"`
	Filled    decimal.Decimal `json:"filled_kwh"`
	Remaining decimal.Decimal `json:"remaining_kwh"`
	Price     int64           `json:"price"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

type SubmitOrderRequest struct {
	Account    string     `json:"account"`
	Location   string     `json:"location"`
	Source     string     `json:"source"`
	Side       string     `json:"side"` // "buy" | "sell"
	AmountKWh  string     `json:"amount_kwh"`
	Price      int64      `json:"price"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CapacityOK bool       `json:"capacity_ok"`
}

type SubmitOrderResponse struct {
	OrderID string `json:"order_id"`
}

type CancelOrderRequest struct {
	OrderID string `json:"order_id"`
	Account string `json:"account"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// WSSubscribeRequest subscribes or unsubscribes a client. Market is the
// "location/source" key; topics default to all three.
type WSSubscribeRequest struct {
	Op     string   `json:"op"` // "subscribe" | "unsubscribe"
	Market string   `json:"market"`
	Topics []string `json:"topics,omitempty"`
}
