// Package events defines the notification union emitted by the matching
// core and the broadcaster that fans it out per market topic.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wattlane/wattlane/pkg/app/core/market"
	"github.com/wattlane/wattlane/pkg/app/core/marketdata"
	"github.com/wattlane/wattlane/pkg/app/core/orderbook"
)

// Topic names one subscription channel per market.
type Topic string

const (
	TopicOrderBook  Topic = "orderbook"
	TopicTrades     Topic = "trades"
	TopicMarketData Topic = "market_data"
)

// Type tags the event union. Matched exhaustively wherever events are
// consumed.
type Type int8

const (
	OrderBookDelta Type = iota
	TradeExecuted
	MarketDataUpdated
)

func (t Type) String() string {
	switch t {
	case OrderBookDelta:
		return "orderbook_delta"
	case TradeExecuted:
		return "trade_executed"
	case MarketDataUpdated:
		return "market_data_updated"
	default:
		return "unknown"
	}
}

// Topic maps an event type to its subscription topic.
func (t Type) Topic() Topic {
	switch t {
	case OrderBookDelta:
		return TopicOrderBook
	case TradeExecuted:
		return TopicTrades
	case MarketDataUpdated:
		return TopicMarketData
	default:
		return ""
	}
}

// ChangeKind says what happened to a resting order in a delta.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeReduced ChangeKind = "reduced"
	ChangeRemoved ChangeKind = "removed"
)

// BookChange is one order-level mutation of the book.
type BookChange struct {
	OrderID   uuid.UUID       `json:"order_id"`
	Side      orderbook.Side  `json:"side"`
	Price     int64           `json:"price"`
	Remaining decimal.Decimal `json:"remaining"`
	Kind      ChangeKind      `json:"kind"`
}

// Event carries exactly one payload, selected by Type. Seq increases
// monotonically per market so subscribers can order events and detect gaps.
type Event struct {
	Seq    uint64     `json:"seq"`
	Market market.Key `json:"market"`
	Type   Type       `json:"type"`
	At     time.Time  `json:"at"`

	Book  []BookChange      `json:"book,omitempty"`
	Trade *marketdata.Trade `json:"trade,omitempty"`
	Quote *marketdata.Quote `json:"quote,omitempty"`
}
