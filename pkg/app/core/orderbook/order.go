package orderbook

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wattlane/wattlane/pkg/app/core/market"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side an incoming order matches against.
func (s Side) Opposite() Side { return -s }

// Status is the order lifecycle state. Filled, Cancelled and Expired are
// terminal.
type Status int8

const (
	Pending Status = iota
	PartiallyFilled
	Filled
	Cancelled
	Expired
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case PartiallyFilled:
		return "PartiallyFilled"
	case Filled:
		return "Filled"
	case Cancelled:
		return "Cancelled"
	case Expired:
		return "Expired"
	default:
		return "Unknown"
	}
}

func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled || s == Expired
}

// Admission validation errors, one per enumerable rejection reason.
var (
	ErrAmountNotPositive    = errors.New("energy amount must be positive")
	ErrAmountTooLarge       = errors.New("energy amount exceeds market maximum")
	ErrPriceNotPositive     = errors.New("price must be positive")
	ErrPriceTooLarge        = errors.New("price exceeds market maximum")
	ErrBadAccount           = errors.New("account must be a hex address")
	ErrExpiryBeforeCreation = errors.New("expiry must be after creation time")
	ErrSideUnknown          = errors.New("order side must be buy or sell")
)

// Order is the canonical order representation. Prices are minor units per
// kWh; energy amounts are decimal kWh. Filled+Remaining always equals
// Amount. Notional value is derived, never stored.
type Order struct {
	ID      uuid.UUID
	Account string // normalized 0x hex address
	Market  market.Key
	Side    Side

	Amount    decimal.Decimal // original energy amount, kWh
	Filled    decimal.Decimal
	Remaining decimal.Decimal
	Price     int64 // limit price, minor units per kWh

	CreatedAt time.Time
	ExpiresAt time.Time // zero value = good till cancelled
	Seq       uint64    // arrival sequence within the market, assigned at admission
	Status    Status
}

// New builds a Pending order with a fresh id. The account address is
// normalized to its checksummed form so ownership comparison is by value.
func New(account string, key market.Key, side Side, amount decimal.Decimal, price int64, now, expiresAt time.Time) *Order {
	if common.IsHexAddress(account) {
		account = common.HexToAddress(account).Hex()
	}
	return &Order{
		ID:        uuid.New(),
		Account:   account,
		Market:    key,
		Side:      side,
		Amount:    amount,
		Filled:    decimal.Zero,
		Remaining: amount,
		Price:     price,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		Status:    Pending,
	}
}

// Validate runs all admission checks against the market's limits. Pure; no
// state is touched.
func (o *Order) Validate(maxAmount decimal.Decimal, maxPrice int64) error {
	if o.Side != Buy && o.Side != Sell {
		return ErrSideUnknown
	}
	if !o.Amount.IsPositive() {
		return ErrAmountNotPositive
	}
	if o.Amount.GreaterThan(maxAmount) {
		return fmt.Errorf("%w: %s kWh > %s kWh", ErrAmountTooLarge, o.Amount, maxAmount)
	}
	if o.Price <= 0 {
		return ErrPriceNotPositive
	}
	if o.Price > maxPrice {
		return fmt.Errorf("%w: %d > %d", ErrPriceTooLarge, o.Price, maxPrice)
	}
	if !common.IsHexAddress(o.Account) {
		return ErrBadAccount
	}
	if !o.ExpiresAt.IsZero() && !o.ExpiresAt.After(o.CreatedAt) {
		return ErrExpiryBeforeCreation
	}
	return nil
}

// ExpiredAsOf reports whether the order carries an expiry in the past.
func (o *Order) ExpiredAsOf(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !o.ExpiresAt.After(now)
}

// Notional returns the remaining order value in minor units, derived from
// remaining amount and limit price.
func (o *Order) Notional() decimal.Decimal {
	return o.Remaining.Mul(decimal.NewFromInt(o.Price))
}

// fill applies a matched quantity to the order and moves the status.
func (o *Order) fill(qty decimal.Decimal) {
	o.Remaining = o.Remaining.Sub(qty)
	o.Filled = o.Filled.Add(qty)
	if o.Remaining.IsZero() {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
}

// consistent checks the conservation invariant. A false return means the
// matching cycle corrupted state and the market must halt.
func (o *Order) consistent() bool {
	return o.Filled.Add(o.Remaining).Equal(o.Amount) && !o.Remaining.IsNegative()
}
