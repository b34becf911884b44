// Package engine holds the use cases of the challenge trading simulation:
// order processing, session lifecycle, and leaderboard calculation. It is a
// library boundary: callers (the HTTP layer, schedulers) inject the store
// and price series collaborators and receive plain values back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/clock"
	"github.com/stockquest/challenge-engine/internal/execution"
	"github.com/stockquest/challenge-engine/internal/ledger"
	"github.com/stockquest/challenge-engine/internal/metrics"
	"github.com/stockquest/challenge-engine/internal/model"
	"github.com/stockquest/challenge-engine/internal/store"
)

var (
	// ErrSessionBusy is returned when a session's order queue is saturated.
	// It is retryable: the caller may resubmit after a short delay. The
	// engine never retries on its own.
	ErrSessionBusy = errors.New("engine: session order queue saturated")

	// ErrProcessorClosed is returned for orders submitted after shutdown.
	ErrProcessorClosed = errors.New("engine: processor closed")
)

// PlaceOrderCommand is one order submission.
type PlaceOrderCommand struct {
	SessionID     string          `json:"session_id"`
	InstrumentKey string          `json:"instrument_key"`
	Side          model.OrderSide `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Type          model.OrderType `json:"order_type"`
	LimitPrice    decimal.Decimal `json:"limit_price"` // required iff LIMIT
}

// PlaceOrderResult is returned for an executed order.
type PlaceOrderResult struct {
	OrderID       string          `json:"order_id"`
	InstrumentKey string          `json:"instrument_key"`
	Side          model.OrderSide `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	ExecutedPrice decimal.Decimal `json:"executed_price"`
	SlippageRate  decimal.Decimal `json:"slippage_rate"`
	Commission    decimal.Decimal `json:"commission"`
	ExecutedAt    time.Time       `json:"executed_at"`
	SimulatedAt   time.Time       `json:"simulated_at"`
	NewBalance    decimal.Decimal `json:"new_balance"`
}

// Processor validates and sequences orders. Each session owns one worker
// goroutine with a bounded FIFO queue, so orders for one session are applied
// strictly in arrival order with at most one in flight, while orders for
// different sessions proceed fully in parallel. No cross-session locks
// exist anywhere in the fill path.
type Processor struct {
	store  store.Store
	prices store.PriceSeries
	exec   *execution.Model
	ledger *ledger.Ledger

	queueDepth int
	now        func() time.Time

	mu      sync.Mutex
	workers map[string]*sessionWorker
	closed  bool
	wg      sync.WaitGroup
}

// NewProcessor creates an order processor. queueDepth bounds how many orders
// may wait per session before submissions are rejected as busy.
func NewProcessor(st store.Store, prices store.PriceSeries, exec *execution.Model, led *ledger.Ledger, queueDepth int) *Processor {
	if queueDepth < 1 {
		queueDepth = 1
	}
	return &Processor{
		store:      st,
		prices:     prices,
		exec:       exec,
		ledger:     led,
		queueDepth: queueDepth,
		now:        time.Now,
		workers:    make(map[string]*sessionWorker),
	}
}

// SetNow overrides the wall clock, for deterministic tests.
func (p *Processor) SetNow(now func() time.Time) { p.now = now }

type placeOutcome struct {
	result *PlaceOrderResult
	err    error
}

type orderTask struct {
	ctx   context.Context
	cmd   PlaceOrderCommand
	reply chan placeOutcome
}

type sessionWorker struct {
	tasks chan orderTask
}

// PlaceOrder submits one order and blocks until it resolves to EXECUTED or
// REJECTED. Business rejections come back as *execution.Rejection; a full
// queue comes back as ErrSessionBusy. Every accepted order resolves; none
// is silently dropped, even behind a force-ended session.
func (p *Processor) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (*PlaceOrderResult, error) {
	if rej := validateCommand(cmd); rej != nil {
		metrics.OrdersTotal.WithLabelValues(string(cmd.Side), "invalid").Inc()
		return nil, rej
	}

	task := orderTask{ctx: ctx, cmd: cmd, reply: make(chan placeOutcome, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrProcessorClosed
	}
	w := p.workers[cmd.SessionID]
	if w == nil {
		w = &sessionWorker{tasks: make(chan orderTask, p.queueDepth)}
		p.workers[cmd.SessionID] = w
		p.wg.Add(1)
		go p.runWorker(w)
	}
	select {
	case w.tasks <- task:
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		metrics.QueueSaturationRejections.Inc()
		return nil, ErrSessionBusy
	}

	select {
	case out := <-task.reply:
		return out.result, out.err
	case <-ctx.Done():
		// The worker still processes the order; the audit record wins
		// over the abandoned caller.
		return nil, ctx.Err()
	}
}

// Close stops accepting orders and drains the queues; every queued order
// still resolves before Close returns.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, w := range p.workers {
		close(w.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Processor) runWorker(w *sessionWorker) {
	defer p.wg.Done()
	for task := range w.tasks {
		start := time.Now()
		result, err := p.process(task.ctx, task.cmd)
		task.reply <- placeOutcome{result: result, err: err}

		status := "executed"
		if err != nil {
			status = "rejected"
		}
		metrics.OrdersTotal.WithLabelValues(string(task.cmd.Side), status).Inc()
		metrics.OrderLatency.WithLabelValues(string(task.cmd.Side)).Observe(time.Since(start).Seconds())
	}
}

// process runs one order end-to-end: clock read, execution, fill
// application, persistence. It runs on the session's worker goroutine, so
// the clock read and fill application of this order happen-before the next
// order's clock read for the same session.
func (p *Processor) process(ctx context.Context, cmd PlaceOrderCommand) (*PlaceOrderResult, error) {
	sess, err := p.store.GetSession(ctx, cmd.SessionID)
	if err != nil {
		return nil, err
	}

	order := &model.Order{
		ID:            uuid.New().String(),
		SessionID:     cmd.SessionID,
		InstrumentKey: cmd.InstrumentKey,
		Side:          cmd.Side,
		Quantity:      cmd.Quantity,
		Type:          cmd.Type,
		LimitPrice:    cmd.LimitPrice,
		Status:        model.OrderPending,
		OrderedAt:     p.now(),
	}

	if sess.Status != model.SessionActive {
		code := execution.RejectSessionNotActive
		if sess.Status.IsClosed() {
			code = execution.RejectSessionEnded
		}
		return nil, p.reject(ctx, order, execution.Reject(code, "session %s is %s", sess.ID, sess.Status))
	}

	clk, err := clock.New(sess.SimulatedStart, sess.SimulatedEnd, sess.SpeedFactor)
	if err != nil {
		return nil, fmt.Errorf("session %s has invalid clock parameters: %w", sess.ID, err)
	}

	simNow, exhausted := clk.Advance(sess.StartedAt, p.now())
	if exhausted {
		// The replayed period ran out; finalize the session and refuse
		// the order. Orders queued behind this one resolve the same way.
		sess.Status = model.SessionEnded
		closedAt := p.now()
		sess.ClosedAt = &closedAt
		if err := p.store.SaveSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("finalize exhausted session %s: %w", sess.ID, err)
		}
		slog.Info("session ended by clock exhaustion", "session", sess.ID)
		return nil, p.reject(ctx, order, execution.Reject(execution.RejectSessionEnded,
			"simulated period exhausted at %s", sess.SimulatedEnd.Format(time.RFC3339)))
	}

	if _, err := p.store.ResolveInstrument(ctx, sess.ChallengeID, cmd.InstrumentKey); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, p.reject(ctx, order, execution.Reject(execution.RejectUnknownInstrument,
				"instrument %q is not part of challenge %s", cmd.InstrumentKey, sess.ChallengeID))
		}
		return nil, err
	}

	// A lookup failure past this point is a collaborator contract
	// violation, not a business rejection: the catalog vouched for the
	// instrument, so the series must have a price.
	candle, err := p.prices.PriceAt(ctx, sess.ChallengeID, cmd.InstrumentKey, simNow)
	if err != nil {
		return nil, fmt.Errorf("price lookup for %s/%s: %w", sess.ChallengeID, cmd.InstrumentKey, err)
	}

	pos, err := p.store.GetPosition(ctx, sess.ID, cmd.InstrumentKey)
	if errors.Is(err, store.ErrNotFound) {
		pos = &model.PortfolioPosition{
			SessionID:     sess.ID,
			InstrumentKey: cmd.InstrumentKey,
			Quantity:      decimal.Zero,
			AveragePrice:  decimal.Zero,
			TotalCost:     decimal.Zero,
			RealizedPnL:   decimal.Zero,
		}
	} else if err != nil {
		return nil, err
	}

	snap := execution.Snapshot{
		Balance:      sess.CurrentBalance,
		HeldQuantity: pos.Quantity,
	}

	fill, rej := p.exec.Evaluate(order, candle, snap)
	if rej != nil {
		return nil, p.reject(ctx, order, rej)
	}

	newBalance, err := p.ledger.ApplyFill(sess, pos, fill)
	if err != nil {
		return nil, fmt.Errorf("apply fill for order %s: %w", order.ID, err)
	}

	executedAt := p.now()
	order.Status = model.OrderExecuted
	order.ExecutedPrice = fill.Price
	order.SlippageRate = fill.SlippageRate
	order.ExecutedAt = &executedAt

	// Session and position first, then the immutable order record.
	if err := p.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	if err := p.store.SavePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("save position %s/%s: %w", sess.ID, pos.InstrumentKey, err)
	}
	if err := p.store.InsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("record order %s: %w", order.ID, err)
	}

	slog.Info("order executed",
		"order", order.ID,
		"session", sess.ID,
		"instrument", cmd.InstrumentKey,
		"side", cmd.Side,
		"qty", cmd.Quantity.String(),
		"price", fill.Price.String(),
		"slippage_pct", fill.SlippageRate.String(),
		"balance", newBalance.String(),
	)

	return &PlaceOrderResult{
		OrderID:       order.ID,
		InstrumentKey: order.InstrumentKey,
		Side:          order.Side,
		Quantity:      order.Quantity,
		ExecutedPrice: fill.Price,
		SlippageRate:  fill.SlippageRate,
		Commission:    fill.Commission,
		ExecutedAt:    executedAt,
		SimulatedAt:   simNow,
		NewBalance:    newBalance,
	}, nil
}

// reject finalizes the order record as REJECTED for the audit trail and
// returns the rejection. Session state is never touched on this path.
func (p *Processor) reject(ctx context.Context, order *model.Order, rej *execution.Rejection) error {
	order.Status = model.OrderRejected
	order.RejectReason = string(rej.Code)
	if err := p.store.InsertOrder(ctx, order); err != nil {
		slog.Error("failed to record rejected order", "order", order.ID, "err", err)
	}
	slog.Info("order rejected",
		"order", order.ID,
		"session", order.SessionID,
		"code", rej.Code,
		"reason", rej.Reason,
	)
	return rej
}

// validateCommand checks command shape only; no state is touched for a
// malformed command and no order record is written.
func validateCommand(cmd PlaceOrderCommand) *execution.Rejection {
	if cmd.SessionID == "" {
		return execution.Reject(execution.RejectSessionNotActive, "session_id is required")
	}
	if cmd.InstrumentKey == "" {
		return execution.Reject(execution.RejectUnknownInstrument, "instrument_key is required")
	}
	if cmd.Side != model.SideBuy && cmd.Side != model.SideSell {
		return execution.Reject(execution.RejectInvalidSide, "side must be BUY or SELL, got %q", cmd.Side)
	}
	if cmd.Type != model.TypeMarket && cmd.Type != model.TypeLimit {
		return execution.Reject(execution.RejectInvalidType, "order_type must be MARKET or LIMIT, got %q", cmd.Type)
	}
	if !cmd.Quantity.IsPositive() {
		return execution.Reject(execution.RejectQuantityNotPositive, "quantity must be positive, got %s", cmd.Quantity)
	}
	if cmd.Type == model.TypeLimit && !cmd.LimitPrice.IsPositive() {
		return execution.Reject(execution.RejectLimitPriceRequired, "limit orders require a positive limit_price")
	}
	if cmd.Type == model.TypeMarket && !cmd.LimitPrice.IsZero() {
		return execution.Reject(execution.RejectLimitPriceForbidden, "market orders must not carry a limit_price")
	}
	return nil
}
