// Package api provides the HTTP handlers for challenge sessions: starting
// and closing sessions, placing orders, and querying portfolios and
// leaderboards.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/engine"
	"github.com/stockquest/challenge-engine/internal/execution"
	"github.com/stockquest/challenge-engine/internal/model"
	"github.com/stockquest/challenge-engine/internal/store"
)

// Service wires the engine use cases to HTTP. All sequencing lives in the
// engine; handlers translate requests and map errors to status codes.
type Service struct {
	processor   *engine.Processor
	lifecycle   *engine.Lifecycle
	leaderboard *engine.Leaderboard
	wsHub       *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates the HTTP service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(proc *engine.Processor, lc *engine.Lifecycle, lb *engine.Leaderboard, hub *WSHub) *Service {
	return &Service{processor: proc, lifecycle: lc, leaderboard: lb, wsHub: hub}
}

// Routes mounts all session and challenge endpoints.
func (s *Service) Routes(r chi.Router) {
	r.Post("/sessions", s.StartSession)
	r.Get("/sessions/{sessionID}", s.GetSession)
	r.Post("/sessions/{sessionID}/orders", s.PlaceOrder)
	r.Get("/sessions/{sessionID}/orders", s.ListOrders)
	r.Get("/sessions/{sessionID}/portfolio", s.GetPortfolio)
	r.Post("/sessions/{sessionID}/close", s.CloseSession)
	r.Post("/sessions/{sessionID}/force-end", s.ForceEndSession)
	r.Get("/challenges/{challengeID}/leaderboard", s.GetLeaderboard)
	r.Post("/challenges/{challengeID}/leaderboard", s.CalculateLeaderboard)
}

// --- Request types ---

// StartSessionRequest is the JSON body for POST /sessions.
type StartSessionRequest struct {
	ChallengeID string `json:"challenge_id"`
	UserID      string `json:"user_id"`
}

// OrderRequest is the JSON body for POST /sessions/{sessionID}/orders.
type OrderRequest struct {
	InstrumentKey string          `json:"instrument_key"`
	Side          model.OrderSide `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Type          model.OrderType `json:"order_type"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
}

// --- HTTP Handlers ---

// StartSession handles POST /api/v1/sessions
func (s *Service) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ChallengeID == "" || req.UserID == "" {
		writeError(w, "challenge_id and user_id are required", http.StatusBadRequest)
		return
	}

	sess, err := s.lifecycle.Start(r.Context(), req.ChallengeID, req.UserID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

// GetSession handles GET /api/v1/sessions/{sessionID}
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lifecycle.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// PlaceOrder handles POST /api/v1/sessions/{sessionID}/orders
// Blocks until the order resolves to EXECUTED or REJECTED.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.processor.PlaceOrder(r.Context(), engine.PlaceOrderCommand{
		SessionID:     chi.URLParam(r, "sessionID"),
		InstrumentKey: req.InstrumentKey,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          "order_executed",
			SessionID:     chi.URLParam(r, "sessionID"),
			OrderID:       result.OrderID,
			InstrumentKey: result.InstrumentKey,
			Side:          string(result.Side),
			Quantity:      result.Quantity.String(),
			Price:         result.ExecutedPrice.String(),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// ListOrders handles GET /api/v1/sessions/{sessionID}/orders
// Returns the full audit trail, executed and rejected, oldest first.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.lifecycle.Orders(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetPortfolio handles GET /api/v1/sessions/{sessionID}/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	portfolio, err := s.lifecycle.Portfolio(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

// CloseSession handles POST /api/v1/sessions/{sessionID}/close
// Settles the session and reveals the disguised instruments.
func (s *Service) CloseSession(w http.ResponseWriter, r *http.Request) {
	result, err := s.lifecycle.Close(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ForceEndSession handles POST /api/v1/sessions/{sessionID}/force-end
func (s *Service) ForceEndSession(w http.ResponseWriter, r *http.Request) {
	result, err := s.lifecycle.ForceEnd(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetLeaderboard handles GET /api/v1/challenges/{challengeID}/leaderboard
// Returns the last persisted snapshot, computing one if none exists yet.
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	challengeID := chi.URLParam(r, "challengeID")

	entries, err := s.leaderboard.Snapshot(r.Context(), challengeID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.writeEngineError(w, err)
		return
	}
	if len(entries) == 0 {
		entries, err = s.leaderboard.Calculate(r.Context(), challengeID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// CalculateLeaderboard handles POST /api/v1/challenges/{challengeID}/leaderboard
// Forces a snapshot rebuild.
func (s *Service) CalculateLeaderboard(w http.ResponseWriter, r *http.Request) {
	challengeID := chi.URLParam(r, "challengeID")

	entries, err := s.leaderboard.Calculate(r.Context(), challengeID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        "leaderboard_updated",
			ChallengeID: challengeID,
		})
	}

	writeJSON(w, http.StatusOK, entries)
}

// writeEngineError maps engine errors to HTTP status codes. Business
// rejections keep their machine-readable code in the response body.
func (s *Service) writeEngineError(w http.ResponseWriter, err error) {
	var rej *execution.Rejection
	if errors.As(err, &rej) {
		writeRejection(w, rej)
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrSessionBusy):
		writeError(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, engine.ErrSessionClosed):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrSeedBalanceOutOfRange):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeRejection picks the status by rejection class: malformed commands are
// 400, session-state refusals 409, everything the market refused 422.
func writeRejection(w http.ResponseWriter, rej *execution.Rejection) {
	status := http.StatusUnprocessableEntity
	switch rej.Code {
	case execution.RejectQuantityNotPositive,
		execution.RejectLimitPriceRequired,
		execution.RejectLimitPriceForbidden,
		execution.RejectInvalidSide,
		execution.RejectInvalidType:
		status = http.StatusBadRequest
	case execution.RejectSessionNotActive, execution.RejectSessionEnded:
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": rej.Reason,
		"code":  string(rej.Code),
	})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
