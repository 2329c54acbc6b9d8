// Package core re-exports the matching-core subpackages under one import
// for integration tests and embedding callers.
package core

import (
	"github.com/wattlane/wattlane/pkg/app/core/events"
	"github.com/wattlane/wattlane/pkg/app/core/fees"
	"github.com/wattlane/wattlane/pkg/app/core/manager"
	"github.com/wattlane/wattlane/pkg/app/core/market"
	"github.com/wattlane/wattlane/pkg/app/core/marketdata"
	"github.com/wattlane/wattlane/pkg/app/core/orderbook"
)

// From orderbook
type (
	Side       = orderbook.Side
	OrderState = orderbook.Status
	Order      = orderbook.Order
	Fill       = orderbook.Fill
	PriceLevel = orderbook.PriceLevel
	Book       = orderbook.Book
)

const (
	Buy  = orderbook.Buy
	Sell = orderbook.Sell
)

func NewBook() *Book { return orderbook.NewBook() }

// From market
type (
	Market       = market.Market
	MarketKey    = market.Key
	EnergySource = market.Source
	Registry     = market.Registry
)

func NewRegistry() *Registry { return market.NewRegistry() }

// From fees
type (
	FeeSchedule  = fees.Schedule
	FeeBreakdown = fees.Breakdown
)

// From marketdata
type (
	Trade      = marketdata.Trade
	Quote      = marketdata.Quote
	Aggregator = marketdata.Aggregator
)

// From events
type (
	Event       = events.Event
	Broadcaster = events.Broadcaster
)

// From manager
type (
	Engine        = manager.Engine
	SubmitRequest = manager.SubmitRequest
)
