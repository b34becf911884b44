// Package store defines the persistence interfaces for the challenge engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stockquest/challenge-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
// Implementations wrap it with context; check with errors.Is.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface for engine-owned state. The engine
// operates on in-memory handles and writes mutated state back through this
// interface; PostgreSQL is the production source of truth.
type Store interface {
	// --- Challenges and instruments (read-only to the engine) ---

	// GetChallenge retrieves a challenge by ID.
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)

	// ResolveInstrument resolves an instrument key within a challenge.
	ResolveInstrument(ctx context.Context, challengeID, instrumentKey string) (*model.Instrument, error)

	// ListInstruments returns all instruments of a challenge.
	ListInstruments(ctx context.Context, challengeID string) ([]model.Instrument, error)

	// --- Sessions ---

	// CreateSession persists a new session.
	CreateSession(ctx context.Context, s *model.ChallengeSession) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*model.ChallengeSession, error)

	// ListSessionsByChallenge returns all sessions of a challenge.
	ListSessionsByChallenge(ctx context.Context, challengeID string) ([]model.ChallengeSession, error)

	// SaveSession writes back a mutated session (balance, status, closed_at).
	SaveSession(ctx context.Context, s *model.ChallengeSession) error

	// --- Orders (immutable audit trail) ---

	// InsertOrder appends an order record in its terminal state.
	InsertOrder(ctx context.Context, o *model.Order) error

	// ListOrdersBySession returns all order records for a session in
	// arrival order.
	ListOrdersBySession(ctx context.Context, sessionID string) ([]model.Order, error)

	// --- Positions ---

	// GetPosition retrieves one position; returns ErrNotFound when the
	// instrument has never been traded in the session.
	GetPosition(ctx context.Context, sessionID, instrumentKey string) (*model.PortfolioPosition, error)

	// ListPositionsBySession returns all positions of a session.
	ListPositionsBySession(ctx context.Context, sessionID string) ([]model.PortfolioPosition, error)

	// SavePosition inserts or updates a position.
	SavePosition(ctx context.Context, p *model.PortfolioPosition) error

	// --- Leaderboard snapshots ---

	// SaveLeaderboard replaces the stored snapshot for a challenge.
	SaveLeaderboard(ctx context.Context, challengeID string, entries []model.LeaderboardEntry) error

	// GetLeaderboard returns the latest stored snapshot.
	GetLeaderboard(ctx context.Context, challengeID string) ([]model.LeaderboardEntry, error)
}

// PriceSeries exposes the historical price data the engine replays. It is
// read-only and safely shared by all sessions without locking. Lookup
// failures for instruments the catalog vouches for indicate a collaborator
// contract violation and are propagated as fatal errors.
type PriceSeries interface {
	// PriceAt returns the candle in effect at the simulated timestamp:
	// the most recent candle at or before ts for the instrument.
	PriceAt(ctx context.Context, challengeID, instrumentKey string, ts time.Time) (*model.Candle, error)
}
