package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies the energy source traded in a market. Mixed pools all
// sources at a location into one book.
type Source string

const (
	Solar   Source = "solar"
	Wind    Source = "wind"
	Hydro   Source = "hydro"
	Biomass Source = "biomass"
	Mixed   Source = "mixed"
)

func ParseSource(s string) (Source, error) {
	switch Source(strings.ToLower(s)) {
	case Solar:
		return Solar, nil
	case Wind:
		return Wind, nil
	case Hydro:
		return Hydro, nil
	case Biomass:
		return Biomass, nil
	case Mixed:
		return Mixed, nil
	default:
		return "", fmt.Errorf("unknown energy source %q", s)
	}
}

// Key identifies one independent order book: a grid location crossed with an
// energy source. String form "location/source" is used for topics, log
// fields and storage keys.
type Key struct {
	Location string
	Source   Source
}

func (k Key) String() string { return k.Location + "/" + string(k.Source) }

func ParseKey(s string) (Key, error) {
	loc, src, ok := strings.Cut(s, "/")
	if !ok || loc == "" {
		return Key{}, fmt.Errorf("malformed market key %q (want location/source)", s)
	}
	source, err := ParseSource(src)
	if err != nil {
		return Key{}, err
	}
	return Key{Location: loc, Source: source}, nil
}

// Status is the trading status of a market.
type Status int8

const (
	Active Status = iota // accepting orders
	Paused               // operator pause, may resume
	Halted               // stopped after an invariant violation, operator must resume
	Closed               // terminal
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Halted:
		return "Halted"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Market holds per-book trading parameters.
type Market struct {
	Key    Key
	Status Status

	// MaxAmount caps a single order's energy amount in kWh.
	MaxAmount decimal.Decimal
	// MaxPrice caps the limit price in minor units per kWh.
	MaxPrice int64

	// Fee schedule in basis points of trade notional. MakerFeeBps may be
	// negative (rebate). GridFeeBps is the location surcharge.
	MakerFeeBps int64
	TakerFeeBps int64
	GridFeeBps  int64

	CreatedAt time.Time
}

func New(key Key, maxAmount decimal.Decimal, maxPrice, makerBps, takerBps, gridBps int64) (*Market, error) {
	m := &Market{
		Key:         key,
		Status:      Active,
		MaxAmount:   maxAmount,
		MaxPrice:    maxPrice,
		MakerFeeBps: makerBps,
		TakerFeeBps: takerBps,
		GridFeeBps:  gridBps,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Market) Validate() error {
	if m.Key.Location == "" {
		return fmt.Errorf("market location must not be empty")
	}
	// "/" delimits location from source in the key's string form and ":"
	// delimits storage key segments; either would corrupt round-trips.
	if strings.ContainsAny(m.Key.Location, "/:") {
		return fmt.Errorf("market location %q must not contain '/' or ':'", m.Key.Location)
	}
	if _, err := ParseSource(string(m.Key.Source)); err != nil {
		return err
	}
	if !m.MaxAmount.IsPositive() {
		return fmt.Errorf("max order amount must be positive, got %s", m.MaxAmount)
	}
	if m.MaxPrice <= 0 {
		return fmt.Errorf("max price must be positive, got %d", m.MaxPrice)
	}
	if m.TakerFeeBps < 0 {
		return fmt.Errorf("taker fee must not be negative, got %d bps", m.TakerFeeBps)
	}
	if m.GridFeeBps < 0 {
		return fmt.Errorf("grid fee must not be negative, got %d bps", m.GridFeeBps)
	}
	// Maker rebates are allowed but must not exceed what the taker pays,
	// or every self-crossing pair of accounts becomes a money pump.
	if m.MakerFeeBps < 0 && -m.MakerFeeBps > m.TakerFeeBps {
		return fmt.Errorf("maker rebate %d bps exceeds taker fee %d bps", m.MakerFeeBps, m.TakerFeeBps)
	}
	return nil
}
