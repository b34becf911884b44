// Package execution resolves a single order against one price candle into an
// executed fill or a typed rejection.
//
// The model is a pure function: it reads the order, the candle at the
// session's simulated timestamp, and a portfolio snapshot, and computes fill
// price, slippage, and commission. It never mutates state; applying the
// fill is the ledger's job. That keeps every execution path unit-testable
// without a store.
//
// All monetary values use shopspring/decimal, never float64.
package execution

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/model"
)

// RejectCode is a machine-readable reason for a business rejection.
type RejectCode string

const (
	RejectQuantityNotPositive  RejectCode = "QUANTITY_NOT_POSITIVE"
	RejectLimitPriceRequired   RejectCode = "LIMIT_PRICE_REQUIRED"
	RejectLimitPriceForbidden  RejectCode = "LIMIT_PRICE_FORBIDDEN"
	RejectInvalidSide          RejectCode = "INVALID_SIDE"
	RejectInvalidType          RejectCode = "INVALID_ORDER_TYPE"
	RejectUnknownInstrument    RejectCode = "UNKNOWN_INSTRUMENT"
	RejectSessionNotActive     RejectCode = "SESSION_NOT_ACTIVE"
	RejectSessionEnded         RejectCode = "SESSION_ENDED"
	RejectInsufficientBalance  RejectCode = "INSUFFICIENT_BALANCE"
	RejectInsufficientHoldings RejectCode = "INSUFFICIENT_HOLDINGS"
	RejectLimitNotReached      RejectCode = "LIMIT_NOT_REACHED"
)

// Rejection is a business-level refusal returned as a value, not a panic.
// It satisfies error so callers can propagate it, but the engine never
// treats it as fatal: the order is recorded with status REJECTED and the
// session is left untouched.
type Rejection struct {
	Code   RejectCode
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("order rejected (%s): %s", r.Code, r.Reason)
}

// Reject builds a Rejection with a formatted reason.
func Reject(code RejectCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
}

var (
	// ErrInvalidSlippageBand is returned when floor/cap are negative or inverted.
	ErrInvalidSlippageBand = errors.New("execution: slippage floor must be within [0, cap]")

	// ErrInvalidCommission is returned when the commission rate is negative.
	ErrInvalidCommission = errors.New("execution: commission rate must be non-negative")
)

// priceScale is the number of decimal places for executed prices,
// matching two-decimal currency precision.
const priceScale int32 = 2

var oneHundred = decimal.NewFromInt(100)

// Snapshot is the slice of portfolio state the model needs: the session's
// cash balance and the currently held quantity of the order's instrument.
type Snapshot struct {
	Balance      decimal.Decimal
	HeldQuantity decimal.Decimal
}

// Fill is the computed result of a successful execution. CashDelta is the
// signed change to the session balance (negative for buys).
type Fill struct {
	Side          model.OrderSide
	InstrumentKey string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	SlippageRate  decimal.Decimal // percent
	Commission    decimal.Decimal
	Notional      decimal.Decimal // price * quantity
	CashDelta     decimal.Decimal
}

// Model computes fills with a volume-scaled slippage curve:
//
//	rate = clamp(floor + impact * quantity/volume, floor, cap)
//
// expressed in percent. Larger orders relative to candle volume move the
// price more; the band bounds the distortion. A zero-volume candle gets the
// cap. The curve constants come from configuration, not code.
type Model struct {
	slippageFloor  decimal.Decimal // percent
	slippageCap    decimal.Decimal // percent
	impact         decimal.Decimal // percent added per unit of qty/volume
	commissionRate decimal.Decimal // fraction of notional
}

// NewModel validates the slippage band and commission rate.
func NewModel(slippageFloor, slippageCap, impact, commissionRate decimal.Decimal) (*Model, error) {
	if slippageFloor.IsNegative() || slippageFloor.GreaterThan(slippageCap) {
		return nil, ErrInvalidSlippageBand
	}
	if commissionRate.IsNegative() {
		return nil, ErrInvalidCommission
	}
	return &Model{
		slippageFloor:  slippageFloor,
		slippageCap:    slippageCap,
		impact:         impact,
		commissionRate: commissionRate,
	}, nil
}

// SlippageRate returns the percent slippage for an order of the given size
// against a candle of the given volume.
func (m *Model) SlippageRate(quantity, volume decimal.Decimal) decimal.Decimal {
	if volume.LessThanOrEqual(decimal.Zero) {
		return m.slippageCap
	}
	rate := m.slippageFloor.Add(m.impact.Mul(quantity.Div(volume)))
	if rate.GreaterThan(m.slippageCap) {
		return m.slippageCap
	}
	if rate.LessThan(m.slippageFloor) {
		return m.slippageFloor
	}
	return rate
}

// Evaluate resolves one order against the candle at the session's simulated
// timestamp. It returns either a fill or a rejection, never both.
func (m *Model) Evaluate(order *model.Order, candle *model.Candle, snap Snapshot) (*Fill, *Rejection) {
	if !order.Quantity.IsPositive() {
		return nil, Reject(RejectQuantityNotPositive, "quantity must be positive, got %s", order.Quantity)
	}
	if candle.Close.LessThanOrEqual(decimal.Zero) {
		return nil, Reject(RejectUnknownInstrument, "no price for instrument %s", order.InstrumentKey)
	}

	// Single-tick limit evaluation: the order fills only if the close
	// crosses the threshold within this candle, otherwise it is rejected.
	// Limit orders do not rest across ticks.
	if order.Type == model.TypeLimit {
		switch order.Side {
		case model.SideBuy:
			if candle.Close.GreaterThan(order.LimitPrice) {
				return nil, Reject(RejectLimitNotReached,
					"limit not reached: close %s above limit %s", candle.Close, order.LimitPrice)
			}
		case model.SideSell:
			if candle.Close.LessThan(order.LimitPrice) {
				return nil, Reject(RejectLimitNotReached,
					"limit not reached: close %s below limit %s", candle.Close, order.LimitPrice)
			}
		}
	}

	rate := m.SlippageRate(order.Quantity, candle.Volume)
	price := m.executionPrice(candle.Close, rate, order.Side)

	// The limit price still bounds the fill after slippage.
	if order.Type == model.TypeLimit {
		if order.Side == model.SideBuy && price.GreaterThan(order.LimitPrice) {
			price = order.LimitPrice.Round(priceScale)
		}
		if order.Side == model.SideSell && price.LessThan(order.LimitPrice) {
			price = order.LimitPrice.Round(priceScale)
		}
	}

	notional := price.Mul(order.Quantity)
	commission := notional.Mul(m.commissionRate).Round(priceScale)

	fill := &Fill{
		Side:          order.Side,
		InstrumentKey: order.InstrumentKey,
		Quantity:      order.Quantity,
		Price:         price,
		SlippageRate:  rate,
		Commission:    commission,
		Notional:      notional,
	}

	switch order.Side {
	case model.SideBuy:
		cost := notional.Add(commission)
		if cost.GreaterThan(snap.Balance) {
			return nil, Reject(RejectInsufficientBalance,
				"order cost %s exceeds balance %s", cost, snap.Balance)
		}
		fill.CashDelta = cost.Neg()
	case model.SideSell:
		if order.Quantity.GreaterThan(snap.HeldQuantity) {
			return nil, Reject(RejectInsufficientHoldings,
				"sell quantity %s exceeds held %s", order.Quantity, snap.HeldQuantity)
		}
		fill.CashDelta = notional.Sub(commission)
	default:
		return nil, Reject(RejectInvalidSide, "side must be BUY or SELL, got %q", order.Side)
	}

	return fill, nil
}

// executionPrice applies signed slippage to the close: buys fill above the
// quote, sells below.
func (m *Model) executionPrice(close, rate decimal.Decimal, side model.OrderSide) decimal.Decimal {
	fraction := rate.Div(oneHundred)
	var multiplier decimal.Decimal
	if side == model.SideBuy {
		multiplier = decimal.NewFromInt(1).Add(fraction)
	} else {
		multiplier = decimal.NewFromInt(1).Sub(fraction)
	}
	return close.Mul(multiplier).Round(priceScale)
}
