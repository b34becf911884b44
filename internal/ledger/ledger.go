// Package ledger applies executed fills to session state. It is the sole
// writer of a session's cash balance and portfolio positions: every balance
// or position mutation in the engine flows through ApplyFill, and the
// mutation of one fill is applied as a single step, never half a fill.
//
// Serialization of concurrent fills for the same session is the order
// processor's responsibility; the ledger itself holds no locks. Fills for
// different sessions touch disjoint state and never contend.
package ledger

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/execution"
	"github.com/stockquest/challenge-engine/internal/model"
)

var (
	// ErrNegativeBalance guards the balance invariant. The execution model
	// checks affordability first, so hitting this indicates a caller bug.
	ErrNegativeBalance = errors.New("ledger: fill would make balance negative")

	// ErrShortPosition guards the no-short-selling invariant.
	ErrShortPosition = errors.New("ledger: fill would make position quantity negative")
)

// avgPriceScale is the division scale for the weighted-average cost basis.
const avgPriceScale int32 = 4

// Ledger applies fills. The apply counter is deliberately a plain int
// incremented without atomics: under the processor's per-session
// serialization it can never lose an update, which makes it a cheap probe
// for interleaved writes in concurrency tests.
type Ledger struct {
	applies int
}

// New creates a ledger.
func New() *Ledger {
	return &Ledger{}
}

// Applies returns how many fills have been applied through this ledger.
func (l *Ledger) Applies() int {
	return l.applies
}

// ApplyFill mutates the session balance and the instrument position for one
// executed fill and returns the new balance. The position is created by the
// caller (zero-valued) when the instrument has not been traded before.
//
// BUY: quantity and total cost grow, the average price is the weighted
// average of the old basis and the fill. SELL: quantity shrinks, realized
// PnL accrues as (fill price − average price) × quantity, and the basis
// resets to zero when the position is fully exited.
func (l *Ledger) ApplyFill(session *model.ChallengeSession, pos *model.PortfolioPosition, fill *execution.Fill) (decimal.Decimal, error) {
	newBalance := session.CurrentBalance.Add(fill.CashDelta)
	if newBalance.IsNegative() {
		return session.CurrentBalance, ErrNegativeBalance
	}

	switch fill.Side {
	case model.SideBuy:
		newQty := pos.Quantity.Add(fill.Quantity)
		newCost := pos.TotalCost.Add(fill.Price.Mul(fill.Quantity))
		pos.Quantity = newQty
		pos.TotalCost = newCost
		pos.AveragePrice = newCost.DivRound(newQty, avgPriceScale)

	case model.SideSell:
		newQty := pos.Quantity.Sub(fill.Quantity)
		if newQty.IsNegative() {
			return session.CurrentBalance, ErrShortPosition
		}
		soldCost := fill.Quantity.Mul(pos.AveragePrice)
		pnl := fill.Price.Sub(pos.AveragePrice).Mul(fill.Quantity)

		pos.Quantity = newQty
		pos.TotalCost = pos.TotalCost.Sub(soldCost)
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		if newQty.IsZero() {
			pos.AveragePrice = decimal.Zero
			pos.TotalCost = decimal.Zero
		}
	}

	session.CurrentBalance = newBalance
	l.applies++

	return newBalance, nil
}

// MarkToMarket returns the portfolio value of a session: cash plus the
// current close value of every held position.
func MarkToMarket(session *model.ChallengeSession, positions []model.PortfolioPosition, closes map[string]decimal.Decimal) decimal.Decimal {
	value := session.CurrentBalance
	for _, p := range positions {
		if p.Quantity.IsZero() {
			continue
		}
		value = value.Add(p.Quantity.Mul(closes[p.InstrumentKey]))
	}
	return value
}
