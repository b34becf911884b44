package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/clock"
	"github.com/stockquest/challenge-engine/internal/ledger"
	"github.com/stockquest/challenge-engine/internal/metrics"
	"github.com/stockquest/challenge-engine/internal/model"
	"github.com/stockquest/challenge-engine/internal/store"
)

var (
	// ErrSeedBalanceOutOfRange is returned when a challenge's configured
	// seed balance falls outside (0, 100,000,000].
	ErrSeedBalanceOutOfRange = errors.New("engine: seed balance must be positive and at most 100000000")

	// ErrSessionClosed is returned for lifecycle operations on a session
	// already in a terminal state.
	ErrSessionClosed = errors.New("engine: session already closed")
)

var maxSeedBalance = decimal.NewFromInt(100_000_000)

// returnScale is the rounding scale for return percentages.
const returnScale int32 = 4

// RevealedInstrument maps a disguised instrument key to its actual ticker.
// The mapping is only disclosed through SessionResult, after close.
type RevealedInstrument struct {
	InstrumentKey string               `json:"instrument_key"`
	ActualTicker  string               `json:"actual_ticker"`
	Type          model.InstrumentType `json:"type"`
}

// SessionResult is the final accounting of a closed session.
type SessionResult struct {
	Session          *model.ChallengeSession   `json:"session"`
	PortfolioValue   decimal.Decimal           `json:"portfolio_value"`
	PnL              decimal.Decimal           `json:"pnl"`
	ReturnPercentage decimal.Decimal           `json:"return_percentage"`
	Positions        []model.PortfolioPosition `json:"positions"`
	Instruments      []RevealedInstrument      `json:"instruments"`
}

// Portfolio is the live view of a session's holdings, marked to market at
// the session's current simulated timestamp.
type Portfolio struct {
	SessionID      string                    `json:"session_id"`
	SimulatedAt    time.Time                 `json:"simulated_at"`
	CashBalance    decimal.Decimal           `json:"cash_balance"`
	PortfolioValue decimal.Decimal           `json:"portfolio_value"`
	Positions      []model.PortfolioPosition `json:"positions"`
}

// Lifecycle starts and closes challenge sessions and answers portfolio
// queries. It shares the store and price series with the order processor
// but never touches the per-session fill path.
type Lifecycle struct {
	store  store.Store
	prices store.PriceSeries
	now    func() time.Time
}

// NewLifecycle creates a session lifecycle manager.
func NewLifecycle(st store.Store, prices store.PriceSeries) *Lifecycle {
	return &Lifecycle{store: st, prices: prices, now: time.Now}
}

// SetNow overrides the wall clock, for deterministic tests.
func (l *Lifecycle) SetNow(now func() time.Time) { l.now = now }

// Start creates a session for the challenge and activates it. The virtual
// clock starts at the challenge's period start the moment the session is
// created; there is no pause.
func (l *Lifecycle) Start(ctx context.Context, challengeID, userID string) (*model.ChallengeSession, error) {
	ch, err := l.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !ch.SeedBalance.IsPositive() || ch.SeedBalance.GreaterThan(maxSeedBalance) {
		return nil, fmt.Errorf("%w: challenge %s configured with %s", ErrSeedBalanceOutOfRange, ch.ID, ch.SeedBalance)
	}
	if _, err := clock.New(ch.PeriodStart, ch.PeriodEnd, ch.SpeedFactor); err != nil {
		return nil, fmt.Errorf("challenge %s: %w", ch.ID, err)
	}

	sess := &model.ChallengeSession{
		ID:             uuid.New().String(),
		ChallengeID:    ch.ID,
		UserID:         userID,
		Status:         model.SessionReady,
		SeedBalance:    ch.SeedBalance,
		CurrentBalance: ch.SeedBalance,
		SpeedFactor:    ch.SpeedFactor,
		SimulatedStart: ch.PeriodStart,
		SimulatedEnd:   ch.PeriodEnd,
	}

	// READY is a modeling state only; activation happens in the same call.
	sess.Status = model.SessionActive
	sess.StartedAt = l.now()

	if err := l.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	metrics.ActiveSessions.Inc()
	slog.Info("session started",
		"session", sess.ID,
		"challenge", ch.ID,
		"user", userID,
		"seed", ch.SeedBalance.String(),
		"speed", ch.SpeedFactor,
	)
	return sess, nil
}

// Close finishes a session voluntarily, settles the final valuation, and
// reveals the disguised instruments.
func (l *Lifecycle) Close(ctx context.Context, sessionID string) (*SessionResult, error) {
	return l.finish(ctx, sessionID, model.SessionCompleted)
}

// ForceEnd terminates a session administratively. Open positions are kept
// and valued at the last simulated price; nothing is force-liquidated.
func (l *Lifecycle) ForceEnd(ctx context.Context, sessionID string) (*SessionResult, error) {
	return l.finish(ctx, sessionID, model.SessionEnded)
}

func (l *Lifecycle) finish(ctx context.Context, sessionID string, target model.SessionStatus) (*SessionResult, error) {
	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsClosed() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionClosed, sess.ID, sess.Status)
	}
	if !sess.Status.CanTransitionTo(target) {
		return nil, fmt.Errorf("engine: session %s cannot transition %s -> %s", sess.ID, sess.Status, target)
	}

	closedAt := l.now()
	simAt := simulatedAt(sess, closedAt)

	sess.Status = target
	sess.ClosedAt = &closedAt
	if err := l.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	metrics.ActiveSessions.Dec()

	positions, value, err := l.valueSession(ctx, sess, simAt)
	if err != nil {
		return nil, err
	}

	instruments, err := l.store.ListInstruments(ctx, sess.ChallengeID)
	if err != nil {
		return nil, fmt.Errorf("list instruments for challenge %s: %w", sess.ChallengeID, err)
	}
	revealed := make([]RevealedInstrument, 0, len(instruments))
	for _, ins := range instruments {
		revealed = append(revealed, RevealedInstrument{
			InstrumentKey: ins.InstrumentKey,
			ActualTicker:  ins.ActualTicker,
			Type:          ins.Type,
		})
	}

	pnl := value.Sub(sess.SeedBalance)
	ret := returnPercentage(value, sess.SeedBalance)

	slog.Info("session closed",
		"session", sess.ID,
		"status", target,
		"value", value.String(),
		"pnl", pnl.String(),
		"return_pct", ret.String(),
	)

	return &SessionResult{
		Session:          sess,
		PortfolioValue:   value,
		PnL:              pnl,
		ReturnPercentage: ret,
		Positions:        positions,
		Instruments:      revealed,
	}, nil
}

// GetSession returns one session by id.
func (l *Lifecycle) GetSession(ctx context.Context, sessionID string) (*model.ChallengeSession, error) {
	return l.store.GetSession(ctx, sessionID)
}

// Orders returns a session's full order audit trail, oldest first.
func (l *Lifecycle) Orders(ctx context.Context, sessionID string) ([]model.Order, error) {
	if _, err := l.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return l.store.ListOrdersBySession(ctx, sessionID)
}

// Portfolio returns the session's holdings marked to market at its current
// simulated timestamp. Works for closed sessions too, frozen at close time.
func (l *Lifecycle) Portfolio(ctx context.Context, sessionID string) (*Portfolio, error) {
	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	simAt := simulatedAt(sess, l.now())
	positions, value, err := l.valueSession(ctx, sess, simAt)
	if err != nil {
		return nil, err
	}
	return &Portfolio{
		SessionID:      sess.ID,
		SimulatedAt:    simAt,
		CashBalance:    sess.CurrentBalance,
		PortfolioValue: value,
		Positions:      positions,
	}, nil
}

// valueSession marks a session to market at the given simulated timestamp.
// Positions with zero quantity are dropped from the view.
func (l *Lifecycle) valueSession(ctx context.Context, sess *model.ChallengeSession, simAt time.Time) ([]model.PortfolioPosition, decimal.Decimal, error) {
	positions, value, err := valueSession(ctx, l.store, l.prices, sess, simAt)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return positions, value, nil
}

// simulatedAt maps a wall-clock instant onto the session's virtual
// timeline. Closed sessions are frozen at their close time.
func simulatedAt(sess *model.ChallengeSession, now time.Time) time.Time {
	at := now
	if sess.ClosedAt != nil && sess.ClosedAt.Before(at) {
		at = *sess.ClosedAt
	}
	clk, err := clock.New(sess.SimulatedStart, sess.SimulatedEnd, sess.SpeedFactor)
	if err != nil {
		return sess.SimulatedStart
	}
	sim, _ := clk.Advance(sess.StartedAt, at)
	return sim
}

// valueSession is shared by the lifecycle and the leaderboard calculator.
func valueSession(ctx context.Context, st store.Store, prices store.PriceSeries, sess *model.ChallengeSession, simAt time.Time) ([]model.PortfolioPosition, decimal.Decimal, error) {
	all, err := st.ListPositionsBySession(ctx, sess.ID)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("list positions for session %s: %w", sess.ID, err)
	}

	positions := make([]model.PortfolioPosition, 0, len(all))
	closes := make(map[string]decimal.Decimal, len(all))
	for _, p := range all {
		if p.Quantity.IsZero() {
			continue
		}
		candle, err := prices.PriceAt(ctx, sess.ChallengeID, p.InstrumentKey, simAt)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("price lookup for %s/%s: %w", sess.ChallengeID, p.InstrumentKey, err)
		}
		closes[p.InstrumentKey] = candle.Close
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].InstrumentKey < positions[j].InstrumentKey })

	return positions, ledger.MarkToMarket(sess, positions, closes), nil
}

// returnPercentage computes (value − seed) / seed × 100 rounded to four
// decimal places.
func returnPercentage(value, seed decimal.Decimal) decimal.Decimal {
	return value.Sub(seed).Div(seed).Mul(decimal.NewFromInt(100)).Round(returnScale)
}
