package marketdata

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wattlane/wattlane/pkg/app/core/fees"
	"github.com/wattlane/wattlane/pkg/app/core/market"
)

// Trade is the immutable record of one execution. Ownership passes to the
// ledger collaborator for durable commit; the commit is idempotent keyed by
// ID.
type Trade struct {
	ID     uuid.UUID  `json:"id"`
	Market market.Key `json:"market"`

	TakerOrderID uuid.UUID `json:"taker_order_id"`
	MakerOrderID uuid.UUID `json:"maker_order_id"`
	TakerAccount string    `json:"taker_account"`
	MakerAccount string    `json:"maker_account"`

	Amount decimal.Decimal `json:"amount_kwh"`
	Price  int64           `json:"price"` // maker's limit price, minor units per kWh

	Fees fees.Breakdown `json:"fees"`

	ExecutedAt time.Time `json:"executed_at"`
}

// Notional returns the traded value in minor units.
func (t *Trade) Notional() decimal.Decimal {
	return t.Amount.Mul(decimal.NewFromInt(t.Price))
}
