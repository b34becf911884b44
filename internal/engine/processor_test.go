package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/engine"
	"github.com/stockquest/challenge-engine/internal/execution"
	"github.com/stockquest/challenge-engine/internal/ledger"
	"github.com/stockquest/challenge-engine/internal/model"
	"github.com/stockquest/challenge-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	periodStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	wallStart   = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

// env is a full engine wired to in-memory collaborators with a controllable
// wall clock. The challenge replays Jan 2024 at 3600x: one real second per
// simulated hour, exhausted after 720 real seconds.
type env struct {
	st     store.Store
	mem    *store.MemoryStore
	prices *store.MemoryPriceSeries
	led    *ledger.Ledger
	proc   *engine.Processor
	lc     *engine.Lifecycle
	lb     *engine.Leaderboard

	mu  sync.Mutex
	now time.Time
}

func (e *env) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// setNow moves the wall clock to wallStart + offset.
func (e *env) setNow(offset time.Duration) {
	e.mu.Lock()
	e.now = wallStart.Add(offset)
	e.mu.Unlock()
}

// newEnv builds the engine on a zero-slippage, zero-commission model so
// fills execute exactly at the close. st lets tests interpose on the store;
// pass nil to use the memory store directly.
func newEnv(t *testing.T, queueDepth int, wrap func(store.Store) store.Store) *env {
	t.Helper()

	mem := store.NewMemoryStore()
	mem.SeedChallenge(&model.Challenge{
		ID:             "chal-1",
		Title:          "January 2024 replay",
		SeedBalance:    d(1_000_000),
		SpeedFactor:    3600,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		InstrumentKeys: []string{"A", "B"},
	}, []model.Instrument{
		{ChallengeID: "chal-1", InstrumentKey: "A", ActualTicker: "AAPL", Type: model.InstrumentStock},
		{ChallengeID: "chal-1", InstrumentKey: "B", ActualTicker: "TLT", Type: model.InstrumentBond},
	})

	prices := store.NewMemoryPriceSeries()
	prices.Add("chal-1",
		model.Candle{InstrumentKey: "A", Timestamp: periodStart, Close: d(100), Volume: d(1_000_000)},
		model.Candle{InstrumentKey: "A", Timestamp: periodStart.Add(90 * time.Minute), Close: d(120), Volume: d(1_000_000)},
		model.Candle{InstrumentKey: "A", Timestamp: periodStart.Add(3 * time.Hour), Close: d(95), Volume: d(1_000_000)},
		model.Candle{InstrumentKey: "B", Timestamp: periodStart, Close: d(50), Volume: d(1_000_000)},
	)

	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}

	exec, err := execution.NewModel(decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}

	e := &env{
		st:     st,
		mem:    mem,
		prices: prices,
		led:    ledger.New(),
		now:    wallStart,
	}
	e.proc = engine.NewProcessor(st, prices, exec, e.led, queueDepth)
	e.proc.SetNow(e.Now)
	e.lc = engine.NewLifecycle(st, prices)
	e.lc.SetNow(e.Now)
	e.lb = engine.NewLeaderboard(st, prices)
	e.lb.SetNow(e.Now)
	t.Cleanup(e.proc.Close)
	return e
}

func (e *env) startSession(t *testing.T, userID string) *model.ChallengeSession {
	t.Helper()
	sess, err := e.lc.Start(context.Background(), "chal-1", userID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return sess
}

func buy(sessionID, key string, qty float64) engine.PlaceOrderCommand {
	return engine.PlaceOrderCommand{
		SessionID:     sessionID,
		InstrumentKey: key,
		Side:          model.SideBuy,
		Quantity:      d(qty),
		Type:          model.TypeMarket,
	}
}

func sell(sessionID, key string, qty float64) engine.PlaceOrderCommand {
	cmd := buy(sessionID, key, qty)
	cmd.Side = model.SideSell
	return cmd
}

// rejectionCode unwraps a business rejection, failing the test otherwise.
func rejectionCode(t *testing.T, err error) execution.RejectCode {
	t.Helper()
	var rej *execution.Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected a rejection, got %v", err)
	}
	return rej.Code
}

func TestPlaceOrder_ExecutesBuy(t *testing.T) {
	e := newEnv(t, 16, nil)
	sess := e.startSession(t, "user-1")
	e.setNow(1 * time.Second) // simulated 01:00, close 100

	result, err := e.proc.PlaceOrder(context.Background(), buy(sess.ID, "A", 10))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if !result.ExecutedPrice.Equal(d(100)) {
		t.Errorf("expected executed price 100, got %s", result.ExecutedPrice)
	}
	if !result.NewBalance.Equal(d(999_000)) {
		t.Errorf("expected balance 999000, got %s", result.NewBalance)
	}
	if !result.SimulatedAt.Equal(periodStart.Add(time.Hour)) {
		t.Errorf("expected simulated 01:00, got %s", result.SimulatedAt)
	}

	pos, err := e.mem.GetPosition(context.Background(), sess.ID, "A")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if !pos.Quantity.Equal(d(10)) || !pos.AveragePrice.Equal(d(100)) {
		t.Errorf("expected position 10@100, got %s@%s", pos.Quantity, pos.AveragePrice)
	}

	orders, _ := e.mem.ListOrdersBySession(context.Background(), sess.ID)
	if len(orders) != 1 || orders[0].Status != model.OrderExecuted {
		t.Fatalf("expected one EXECUTED order record, got %+v", orders)
	}
	if orders[0].ExecutedAt == nil {
		t.Error("expected executed_at to be set")
	}
}

func TestPlaceOrder_SellRealizesProfit(t *testing.T) {
	e := newEnv(t, 16, nil)
	sess := e.startSession(t, "user-1")

	e.setNow(1 * time.Second)
	if _, err := e.proc.PlaceOrder(context.Background(), buy(sess.ID, "A", 10)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	e.setNow(2 * time.Second) // simulated 02:00, close 120
	result, err := e.proc.PlaceOrder(context.Background(), sell(sess.ID, "A", 5))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	if !result.ExecutedPrice.Equal(d(120)) {
		t.Errorf("expected executed price 120, got %s", result.ExecutedPrice)
	}
	if !result.NewBalance.Equal(d(999_600)) {
		t.Errorf("expected balance 999600, got %s", result.NewBalance)
	}

	pos, _ := e.mem.GetPosition(context.Background(), sess.ID, "A")
	if !pos.Quantity.Equal(d(5)) || !pos.AveragePrice.Equal(d(100)) {
		t.Errorf("expected position 5@100, got %s@%s", pos.Quantity, pos.AveragePrice)
	}
	if !pos.RealizedPnL.Equal(d(100)) {
		t.Errorf("expected realized pnl 100, got %s", pos.RealizedPnL)
	}
}

func TestPlaceOrder_InsufficientHoldings(t *testing.T) {
	e := newEnv(t, 16, nil)
	sess := e.startSession(t, "user-1")

	e.setNow(1 * time.Second)
	if _, err := e.proc.PlaceOrder(context.Background(), buy(sess.ID, "A", 5)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	_, err := e.proc.PlaceOrder(context.Background(), sell(sess.ID, "A", 20))
	if code := rejectionCode(t, err); code != execution.RejectInsufficientHoldings {
		t.Fatalf("expected INSUFFICIENT_HOLDINGS, got %s", code)
	}

	// Balance and position untouched, rejection recorded for audit.
	got, _ := e.mem.GetSession(context.Background(), sess.ID)
	if !got.CurrentBalance.Equal(d(999_500)) {
		t.Errorf("balance must be unchanged, got %s", got.CurrentBalance)
	}
	pos, _ := e.mem.GetPosition(context.Background(), sess.ID, "A")
	if !pos.Quantity.Equal(d(5)) {
		t.Errorf("position must be unchanged, got %s", pos.Quantity)
	}
	orders, _ := e.mem.ListOrdersBySession(context.Background(), sess.ID)
	if len(orders) != 2 || orders[1].Status != model.OrderRejected {
		t.Fatalf("expected a REJECTED audit record, got %+v", orders)
	}
}

func TestPlaceOrder_LimitNotReached(t *testing.T) {
	e := newEnv(t, 16, nil)
	sess := e.startSession(t, "user-1")
	e.setNow(4 * time.Second) // simulated 04:00, close 95

	cmd := buy(sess.ID, "A", 10)
	cmd.Type = model.TypeLimit
	cmd.LimitPrice = d(90)

	_, err := e.proc.PlaceOrder(context.Background(), cmd)
	if code := rejectionCode(t, err); code != execution.RejectLimitNotReached {
		t.Fatalf("expected LIMIT_NOT_REACHED, got %s", code)
	}
}

func TestPlaceOrder_UnknownInstrument(t *testing.T) {
	e := newEnv(t, 16, nil)
	sess := e.startSession(t, "user-1")
	e.setNow(1 * time.Second)

	_, err := e.proc.PlaceOrder(context.Background(), buy(sess.ID, "Z", 10))
	if code := rejectionCode(t, err); code != execution.RejectUnknownInstrument {
		t.Fatalf("expected UNKNOWN_INSTRUMENT, got %s", code)
	}
}

func TestPlaceOrder_MalformedCommandLeavesNoRecord(t *testing.T) {
	e := newEnv(t, 16, nil)
	sess := e.startSession(t, "user-1")
	e.setNow(1 * time.Second)

	cases := []engine.PlaceOrderCommand{
		buy(sess.ID, "A", 0),  // non-positive quantity
		buy(sess.ID, "A", -5), // negative quantity
		{SessionID: sess.ID, InstrumentKey: "A", Side: "HOLD", Quantity: d(1), Type: model.TypeMarket},
		{SessionID: sess.ID, InstrumentKey: "A", Side: model.SideBuy, Quantity: d(1), Type: "STOP"},
		{SessionID: sess.ID, InstrumentKey: "A", Side: model.SideBuy, Quantity: d(1), Type: model.TypeLimit}, // missing limit price
	}
	for i, cmd := range cases {
		var rej *execution.Rejection
		if _, err := e.proc.PlaceOrder(context.Background(), cmd); !errors.As(err, &rej) {
			t.Errorf("case %d: expected a rejection, got %v", i, err)
		}
	}

	orders, _ := e.mem.ListOrdersBySession(context.Background(), sess.ID)
	if len(orders) != 0 {
		t.Fatalf("malformed commands must not create order records, got %d", len(orders))
	}
}

func TestPlaceOrder_SessionNotFound(t *testing.T) {
	e := newEnv(t, 16, nil)

	_, err := e.proc.PlaceOrder(context.Background(), buy("missing", "A", 1))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPlaceOrder_ClockExhaustionEndsSession(t *testing.T) {
	e := newEnv(t, 16, nil)
	sess := e.startSession(t, "user-1")

	// The 30-day period at 3600x runs out after 720 real seconds.
	e.setNow(800 * time.Second)

	_, err := e.proc.PlaceOrder(context.Background(), buy(sess.ID, "A", 10))
	if code := rejectionCode(t, err); code != execution.RejectSessionEnded {
		t.Fatalf("expected SESSION_ENDED, got %s", code)
	}

	got, _ := e.mem.GetSession(context.Background(), sess.ID)
	if got.Status != model.SessionEnded {
		t.Errorf("expected session ENDED, got %s", got.Status)
	}
	if got.ClosedAt == nil {
		t.Error("expected closed_at to be set")
	}

	// Later orders keep resolving, still rejected.
	_, err = e.proc.PlaceOrder(context.Background(), buy(sess.ID, "A", 10))
	if code := rejectionCode(t, err); code != execution.RejectSessionEnded {
		t.Fatalf("expected SESSION_ENDED on closed session, got %s", code)
	}
}

func TestPlaceOrder_ConcurrentSameSessionNoLostUpdates(t *testing.T) {
	e := newEnv(t, 64, nil)
	sess := e.startSession(t, "user-1")
	e.setNow(1 * time.Second)

	const n = 40
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.proc.PlaceOrder(context.Background(), buy(sess.ID, "A", 1))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("order %d failed: %v", i, err)
		}
	}

	// The ledger's apply counter is incremented without atomics; interleaved
	// fills would lose updates. Per-session serialization must prevent that.
	if e.led.Applies() != n {
		t.Errorf("lost ledger updates: expected %d applies, got %d", n, e.led.Applies())
	}

	got, _ := e.mem.GetSession(context.Background(), sess.ID)
	want := d(1_000_000 - n*100)
	if !got.CurrentBalance.Equal(want) {
		t.Errorf("expected balance %s, got %s", want, got.CurrentBalance)
	}
	pos, _ := e.mem.GetPosition(context.Background(), sess.ID, "A")
	if !pos.Quantity.Equal(d(n)) {
		t.Errorf("expected quantity %d, got %s", n, pos.Quantity)
	}
}

func TestPlaceOrder_ParallelSessionsIndependent(t *testing.T) {
	e := newEnv(t, 16, nil)
	s1 := e.startSession(t, "user-1")
	s2 := e.startSession(t, "user-2")
	e.setNow(1 * time.Second)

	var wg sync.WaitGroup
	for _, sess := range []*model.ChallengeSession{s1, s2} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := e.proc.PlaceOrder(context.Background(), buy(id, "A", 1)); err != nil {
					t.Errorf("session %s order %d: %v", id, i, err)
					return
				}
			}
		}(sess.ID)
	}
	wg.Wait()

	for _, sess := range []*model.ChallengeSession{s1, s2} {
		got, _ := e.mem.GetSession(context.Background(), sess.ID)
		if !got.CurrentBalance.Equal(d(999_000)) {
			t.Errorf("session %s: expected balance 999000, got %s", sess.ID, got.CurrentBalance)
		}
	}
}

// gateStore blocks the first `remaining` GetSession calls until release is
// closed, letting tests hold a session worker mid-order.
type gateStore struct {
	store.Store
	mu        sync.Mutex
	remaining int
	entered   chan struct{}
	release   chan struct{}
}

func (g *gateStore) GetSession(ctx context.Context, id string) (*model.ChallengeSession, error) {
	g.mu.Lock()
	blocked := g.remaining > 0
	if blocked {
		g.remaining--
	}
	g.mu.Unlock()
	if blocked {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.Store.GetSession(ctx, id)
}

func TestPlaceOrder_QueueSaturationRejectsBusy(t *testing.T) {
	gate := &gateStore{remaining: 1, entered: make(chan struct{}, 4), release: make(chan struct{})}
	e := newEnv(t, 1, func(st store.Store) store.Store {
		gate.Store = st
		return gate
	})
	sess := e.startSession(t, "user-1")
	e.setNow(1 * time.Second)

	results := make(chan error, 2)
	// First order occupies the worker (held at the gate).
	go func() {
		_, err := e.proc.PlaceOrder(context.Background(), buy(sess.ID, "A", 1))
		results <- err
	}()
	<-gate.entered

	// Second order fills the single queue slot.
	go func() {
		_, err := e.proc.PlaceOrder(context.Background(), buy(sess.ID, "A", 1))
		results <- err
	}()
	time.Sleep(100 * time.Millisecond)

	// Third order finds the queue saturated.
	if _, err := e.proc.PlaceOrder(context.Background(), buy(sess.ID, "A", 1)); !errors.Is(err, engine.ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}

	close(gate.release)
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Errorf("queued order %d should have executed: %v", i, err)
		}
	}
}

func TestPlaceOrder_QueuedOrdersRejectedAfterForceEnd(t *testing.T) {
	gate := &gateStore{remaining: 1, entered: make(chan struct{}, 4), release: make(chan struct{})}
	e := newEnv(t, 8, func(st store.Store) store.Store {
		gate.Store = st
		return gate
	})
	sess := e.startSession(t, "user-1")
	e.setNow(1 * time.Second)

	results := make(chan error, 2)
	go func() {
		_, err := e.proc.PlaceOrder(context.Background(), buy(sess.ID, "A", 1))
		results <- err
	}()
	<-gate.entered

	go func() {
		_, err := e.proc.PlaceOrder(context.Background(), buy(sess.ID, "A", 1))
		results <- err
	}()
	time.Sleep(100 * time.Millisecond)

	// Force-end the session while both orders are pending, then let the
	// worker run. Every submitted order must still resolve.
	if _, err := e.lc.ForceEnd(context.Background(), sess.ID); err != nil {
		t.Fatalf("ForceEnd: %v", err)
	}
	close(gate.release)

	for i := 0; i < 2; i++ {
		err := <-results
		if code := rejectionCode(t, err); code != execution.RejectSessionEnded {
			t.Errorf("order %d: expected SESSION_ENDED, got %s", i, code)
		}
	}

	orders, _ := e.mem.ListOrdersBySession(context.Background(), sess.ID)
	if len(orders) != 2 {
		t.Fatalf("both orders must be recorded, got %d", len(orders))
	}
	for _, o := range orders {
		if o.Status != model.OrderRejected {
			t.Errorf("expected REJECTED, got %s", o.Status)
		}
	}
}

func TestPlaceOrder_AfterCloseReturnsClosed(t *testing.T) {
	e := newEnv(t, 16, nil)
	sess := e.startSession(t, "user-1")
	e.setNow(1 * time.Second)

	e.proc.Close()
	if _, err := e.proc.PlaceOrder(context.Background(), buy(sess.ID, "A", 1)); !errors.Is(err, engine.ErrProcessorClosed) {
		t.Fatalf("expected ErrProcessorClosed, got %v", err)
	}
}
