package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/api"
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

type testEnv struct {
	router chi.Router
	mem    *store.MemoryStore

	mu  sync.Mutex
	now time.Time
}

func (e *testEnv) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) setNow(offset time.Duration) {
	e.mu.Lock()
	e.now = wallStart.Add(offset)
	e.mu.Unlock()
}

// newTestEnv wires the full engine behind a chi router on the in-memory
// store, with a zero-slippage model and a controllable wall clock.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mem := store.NewMemoryStore()
	mem.SeedChallenge(&model.Challenge{
		ID:             "chal-1",
		Title:          "January 2024 replay",
		SeedBalance:    d(1_000_000),
		SpeedFactor:    3600,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		InstrumentKeys: []string{"A"},
	}, []model.Instrument{
		{ChallengeID: "chal-1", InstrumentKey: "A", ActualTicker: "AAPL", Type: model.InstrumentStock},
	})

	prices := store.NewMemoryPriceSeries()
	prices.Add("chal-1",
		model.Candle{InstrumentKey: "A", Timestamp: periodStart, Close: d(100), Volume: d(1_000_000)},
		model.Candle{InstrumentKey: "A", Timestamp: periodStart.Add(90 * time.Minute), Close: d(120), Volume: d(1_000_000)},
	)

	exec, err := execution.NewModel(decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}

	e := &testEnv{mem: mem, now: wallStart}
	proc := engine.NewProcessor(mem, prices, exec, ledger.New(), 16)
	proc.SetNow(e.Now)
	t.Cleanup(proc.Close)
	lc := engine.NewLifecycle(mem, prices)
	lc.SetNow(e.Now)
	lb := engine.NewLeaderboard(mem, prices)
	lb.SetNow(e.Now)

	svc := api.NewService(proc, lc, lb, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	e.router = r
	return e
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) startSession(t *testing.T, userID string) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/sessions", api.StartSessionRequest{ChallengeID: "chal-1", UserID: userID})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var sess model.ChallengeSession
	json.Unmarshal(w.Body.Bytes(), &sess)
	if sess.ID == "" {
		t.Fatal("expected non-empty session id")
	}
	return sess.ID
}

func TestStartSession_MissingFields(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "POST", "/api/v1/sessions", api.StartSessionRequest{ChallengeID: "chal-1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestStartSession_UnknownChallenge(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "POST", "/api/v1/sessions", api.StartSessionRequest{ChallengeID: "nope", UserID: "u1"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestPlaceOrder_FullFlow(t *testing.T) {
	e := newTestEnv(t)
	sessID := e.startSession(t, "user-1")
	e.setNow(1 * time.Second)

	w := e.do(t, "POST", "/api/v1/sessions/"+sessID+"/orders", api.OrderRequest{
		InstrumentKey: "A",
		Side:          model.SideBuy,
		Quantity:      d(10),
		Type:          model.TypeMarket,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result engine.PlaceOrderResult
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.OrderID == "" {
		t.Error("expected non-empty order_id")
	}
	if !result.ExecutedPrice.Equal(d(100)) {
		t.Errorf("expected price 100, got %s", result.ExecutedPrice)
	}
	if !result.NewBalance.Equal(d(999_000)) {
		t.Errorf("expected balance 999000, got %s", result.NewBalance)
	}

	// Audit trail and portfolio reflect the fill.
	w = e.do(t, "GET", "/api/v1/sessions/"+sessID+"/orders", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("orders: expected 200, got %d", w.Code)
	}
	var orders []model.Order
	json.Unmarshal(w.Body.Bytes(), &orders)
	if len(orders) != 1 || orders[0].Status != model.OrderExecuted {
		t.Fatalf("expected one EXECUTED order, got %+v", orders)
	}

	w = e.do(t, "GET", "/api/v1/sessions/"+sessID+"/portfolio", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("portfolio: expected 200, got %d", w.Code)
	}
	var portfolio engine.Portfolio
	json.Unmarshal(w.Body.Bytes(), &portfolio)
	if !portfolio.CashBalance.Equal(d(999_000)) {
		t.Errorf("expected cash 999000, got %s", portfolio.CashBalance)
	}
	if len(portfolio.Positions) != 1 || !portfolio.Positions[0].Quantity.Equal(d(10)) {
		t.Errorf("unexpected positions: %+v", portfolio.Positions)
	}
}

func TestPlaceOrder_RejectionCodes(t *testing.T) {
	e := newTestEnv(t)
	sessID := e.startSession(t, "user-1")
	e.setNow(1 * time.Second)

	// Malformed: invalid side → 400.
	w := e.do(t, "POST", "/api/v1/sessions/"+sessID+"/orders", api.OrderRequest{
		InstrumentKey: "A", Side: "HOLD", Quantity: d(1), Type: model.TypeMarket,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid side: expected 400, got %d", w.Code)
	}

	// Business rejection: selling with no holdings → 422 with code.
	w = e.do(t, "POST", "/api/v1/sessions/"+sessID+"/orders", api.OrderRequest{
		InstrumentKey: "A", Side: model.SideSell, Quantity: d(5), Type: model.TypeMarket,
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["code"] != string(execution.RejectInsufficientHoldings) {
		t.Errorf("expected INSUFFICIENT_HOLDINGS code, got %q", resp["code"])
	}

	// Unknown session → 404.
	w = e.do(t, "POST", "/api/v1/sessions/missing/orders", api.OrderRequest{
		InstrumentKey: "A", Side: model.SideBuy, Quantity: d(1), Type: model.TypeMarket,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", w.Code)
	}
}

func TestCloseSession_RevealsTickers(t *testing.T) {
	e := newTestEnv(t)
	sessID := e.startSession(t, "user-1")
	e.setNow(1 * time.Second)

	w := e.do(t, "POST", "/api/v1/sessions/"+sessID+"/close", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result engine.SessionResult
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.Session.Status != model.SessionCompleted {
		t.Errorf("expected COMPLETED, got %s", result.Session.Status)
	}
	if len(result.Instruments) != 1 || result.Instruments[0].ActualTicker != "AAPL" {
		t.Errorf("expected revealed ticker AAPL, got %+v", result.Instruments)
	}

	// Closing again conflicts.
	w = e.do(t, "POST", "/api/v1/sessions/"+sessID+"/close", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second close: expected 409, got %d", w.Code)
	}

	// Orders against a closed session conflict too.
	w = e.do(t, "POST", "/api/v1/sessions/"+sessID+"/orders", api.OrderRequest{
		InstrumentKey: "A", Side: model.SideBuy, Quantity: d(1), Type: model.TypeMarket,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("order on closed session: expected 409, got %d", w.Code)
	}
}

func TestSessionHidesActualTicker(t *testing.T) {
	e := newTestEnv(t)
	sessID := e.startSession(t, "user-1")

	w := e.do(t, "GET", "/api/v1/sessions/"+sessID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("AAPL")) {
		t.Error("session response must not leak the actual ticker")
	}
}

func TestLeaderboardEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.startSession(t, "user-1")
	e.startSession(t, "user-2")
	e.setNow(1 * time.Second)

	// GET computes on first access.
	w := e.do(t, "GET", "/api/v1/challenges/chal-1/leaderboard", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var entries []model.LeaderboardEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Rank != 1 || entries[1].Rank != 2 {
		t.Errorf("expected ranks 1,2, got %d,%d", entries[0].Rank, entries[1].Rank)
	}

	// POST forces a rebuild.
	w = e.do(t, "POST", "/api/v1/challenges/chal-1/leaderboard", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("recalculate: expected 200, got %d", w.Code)
	}
}

func TestForceEndSession(t *testing.T) {
	e := newTestEnv(t)
	sessID := e.startSession(t, "user-1")
	e.setNow(1 * time.Second)

	w := e.do(t, "POST", "/api/v1/sessions/"+sessID+"/force-end", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result engine.SessionResult
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.Session.Status != model.SessionEnded {
		t.Errorf("expected ENDED, got %s", result.Session.Status)
	}
}
