// Package model defines the core domain types shared across the challenge
// engine. All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the lifecycle state of a challenge session.
// Transitions are monotonic: READY → ACTIVE → {COMPLETED|CANCELLED|ENDED}.
type SessionStatus string

const (
	SessionReady     SessionStatus = "READY"
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionCancelled SessionStatus = "CANCELLED"
	SessionEnded     SessionStatus = "ENDED"
)

// IsClosed reports whether the session is in a terminal state.
func (s SessionStatus) IsClosed() bool {
	return s == SessionCompleted || s == SessionCancelled || s == SessionEnded
}

// CanTransitionTo reports whether the monotonic status transition is allowed.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionReady:
		return next == SessionActive || next == SessionCancelled
	case SessionActive:
		return next == SessionCompleted || next == SessionCancelled || next == SessionEnded
	default:
		return false
	}
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the terminal-once lifecycle of an order record.
// PENDING transitions to exactly one of EXECUTED or REJECTED.
type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderExecuted OrderStatus = "EXECUTED"
	OrderRejected OrderStatus = "REJECTED"
)

// InstrumentType classifies a tradable instrument.
type InstrumentType string

const (
	InstrumentStock   InstrumentType = "STOCK"
	InstrumentBond    InstrumentType = "BOND"
	InstrumentDeposit InstrumentType = "DEPOSIT"
)

// Challenge is a configured historical period + instrument set that users
// can attempt. The engine reads it; creation/administration is external.
type Challenge struct {
	ID             string          `json:"id" db:"id"`
	Title          string          `json:"title" db:"title"`
	SeedBalance    decimal.Decimal `json:"seed_balance" db:"seed_balance"`
	SpeedFactor    int64           `json:"speed_factor" db:"speed_factor"` // simulated seconds per real second
	PeriodStart    time.Time       `json:"period_start" db:"period_start"`
	PeriodEnd      time.Time       `json:"period_end" db:"period_end"`
	InstrumentKeys []string        `json:"instrument_keys"`
}

// Instrument is a disguised tradable symbol within a challenge. The actual
// ticker is never serialized; it is revealed explicitly after session close.
type Instrument struct {
	ChallengeID   string         `json:"challenge_id" db:"challenge_id"`
	InstrumentKey string         `json:"instrument_key" db:"instrument_key"` // opaque: "A", "B", ...
	ActualTicker  string         `json:"-" db:"actual_ticker"`
	Type          InstrumentType `json:"type" db:"type"`
}

// ChallengeSession is one user's attempt at a challenge.
type ChallengeSession struct {
	ID             string          `json:"id" db:"id"`
	ChallengeID    string          `json:"challenge_id" db:"challenge_id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Status         SessionStatus   `json:"status" db:"status"`
	SeedBalance    decimal.Decimal `json:"seed_balance" db:"seed_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance" db:"current_balance"`
	SpeedFactor    int64           `json:"speed_factor" db:"speed_factor"`
	SimulatedStart time.Time       `json:"simulated_start" db:"simulated_start"`
	SimulatedEnd   time.Time       `json:"simulated_end" db:"simulated_end"`
	StartedAt      time.Time       `json:"started_at" db:"started_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// PortfolioPosition is a session's holding in one instrument.
// Quantity is never negative: the engine does not allow short selling.
type PortfolioPosition struct {
	SessionID     string          `json:"session_id" db:"session_id"`
	InstrumentKey string          `json:"instrument_key" db:"instrument_key"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price" db:"average_price"` // weighted-average cost basis
	TotalCost     decimal.Decimal `json:"total_cost" db:"total_cost"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
}

// Order is an immutable record of one execution attempt. Once the status is
// EXECUTED or REJECTED the record is never modified.
type Order struct {
	ID            string          `json:"id" db:"id"`
	SessionID     string          `json:"session_id" db:"session_id"`
	InstrumentKey string          `json:"instrument_key" db:"instrument_key"`
	Side          OrderSide       `json:"side" db:"side"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Type          OrderType       `json:"order_type" db:"order_type"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"` // zero unless LIMIT
	ExecutedPrice decimal.Decimal `json:"executed_price" db:"executed_price"`
	SlippageRate  decimal.Decimal `json:"slippage_rate" db:"slippage_rate"` // percent
	Status        OrderStatus     `json:"status" db:"status"`
	RejectReason  string          `json:"reject_reason,omitempty" db:"reject_reason"`
	OrderedAt     time.Time       `json:"ordered_at" db:"ordered_at"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty" db:"executed_at"`
}

// Candle is one OHLCV price point in a historical series.
type Candle struct {
	InstrumentKey string          `json:"instrument_key" db:"instrument_key"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
	Open          decimal.Decimal `json:"open" db:"open"`
	High          decimal.Decimal `json:"high" db:"high"`
	Low           decimal.Decimal `json:"low" db:"low"`
	Close         decimal.Decimal `json:"close" db:"close"`
	Volume        decimal.Decimal `json:"volume" db:"volume"`
}

// LeaderboardEntry is one ranked row of a leaderboard snapshot. Entries are
// derived data, recomputed from session state rather than independently owned.
type LeaderboardEntry struct {
	Rank             int             `json:"rank" db:"rank"`
	ChallengeID      string          `json:"challenge_id" db:"challenge_id"`
	SessionID        string          `json:"session_id" db:"session_id"`
	UserID           string          `json:"user_id" db:"user_id"`
	PortfolioValue   decimal.Decimal `json:"portfolio_value" db:"portfolio_value"`
	PnL              decimal.Decimal `json:"pnl" db:"pnl"`
	ReturnPercentage decimal.Decimal `json:"return_percentage" db:"return_percentage"`
	CalculatedAt     time.Time       `json:"calculated_at" db:"calculated_at"`
}
