// Package fees computes per-trade fee breakdowns from basis-point
// schedules. All rounding is round-half-even on the minor unit so repeated
// computation on identical inputs is bit-reproducible.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/wattlane/wattlane/pkg/app/core/market"
)

var bpsDivisor = decimal.NewFromInt(10_000)

// Schedule is the fee configuration applied to one market's trades, in
// basis points of trade notional. MakerBps may be negative: a maker rebate.
type Schedule struct {
	MakerBps int64
	TakerBps int64
	GridBps  int64 // location-dependent grid surcharge, paid by the taker
}

// ForMarket lifts a market's configured fee parameters into a Schedule.
func ForMarket(m *market.Market) Schedule {
	return Schedule{
		MakerBps: m.MakerFeeBps,
		TakerBps: m.TakerFeeBps,
		GridBps:  m.GridFeeBps,
	}
}

// Breakdown is the fee outcome of one trade, in minor units. A negative
// MakerFee is a rebate owed to the maker.
type Breakdown struct {
	MakerFee int64
	TakerFee int64
	GridFee  int64
}

// Compute derives the fee breakdown for a matched amount at an execution
// price. Notional = amount × price; each fee is notional × bps / 10000,
// banker's-rounded to the minor unit.
func (s Schedule) Compute(amount decimal.Decimal, price int64) Breakdown {
	notional := amount.Mul(decimal.NewFromInt(price))
	return Breakdown{
		MakerFee: feeOf(notional, s.MakerBps),
		TakerFee: feeOf(notional, s.TakerBps),
		GridFee:  feeOf(notional, s.GridBps),
	}
}

func feeOf(notional decimal.Decimal, bps int64) int64 {
	return notional.
		Mul(decimal.NewFromInt(bps)).
		Div(bpsDivisor).
		RoundBank(0).
		IntPart()
}
