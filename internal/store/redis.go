package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stockquest/challenge-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot paths: session lookups on every order, instrument
// resolution, and leaderboard snapshots. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSession(ctx context.Context, id string) (*model.ChallengeSession, error) {
	data, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == nil {
		var sess model.ChallengeSession
		if json.Unmarshal(data, &sess) == nil {
			return &sess, nil
		}
	}

	sess, err := s.primary.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSession(ctx, sess)
	return sess, nil
}

func (s *CachedStore) ResolveInstrument(ctx context.Context, challengeID, instrumentKey string) (*model.Instrument, error) {
	key := instrumentCacheKey(challengeID, instrumentKey)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var ci cachedInstrument
		if json.Unmarshal(data, &ci) == nil {
			return &model.Instrument{
				ChallengeID:   ci.ChallengeID,
				InstrumentKey: ci.InstrumentKey,
				ActualTicker:  ci.ActualTicker,
				Type:          ci.Type,
			}, nil
		}
	}

	in, err := s.primary.ResolveInstrument(ctx, challengeID, instrumentKey)
	if err != nil {
		return nil, err
	}
	// The instrument mapping is fixed per challenge, so the actual ticker
	// must round-trip through the cache; Instrument hides it from JSON, so
	// cache an explicit envelope.
	if data, err := json.Marshal(cachedInstrument{
		ChallengeID:   in.ChallengeID,
		InstrumentKey: in.InstrumentKey,
		ActualTicker:  in.ActualTicker,
		Type:          in.Type,
	}); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return in, nil
}

func (s *CachedStore) GetLeaderboard(ctx context.Context, challengeID string) ([]model.LeaderboardEntry, error) {
	data, err := s.rdb.Get(ctx, leaderboardKey(challengeID)).Bytes()
	if err == nil {
		var entries []model.LeaderboardEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.GetLeaderboard(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, leaderboardKey(challengeID), data, s.ttl)
	}
	return entries, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveSession(ctx context.Context, sess *model.ChallengeSession) error {
	if err := s.primary.SaveSession(ctx, sess); err != nil {
		return err
	}
	s.rdb.Del(ctx, sessionKey(sess.ID))
	return nil
}

func (s *CachedStore) CreateSession(ctx context.Context, sess *model.ChallengeSession) error {
	if err := s.primary.CreateSession(ctx, sess); err != nil {
		return err
	}
	s.cacheSession(ctx, sess)
	return nil
}

func (s *CachedStore) SaveLeaderboard(ctx context.Context, challengeID string, entries []model.LeaderboardEntry) error {
	if err := s.primary.SaveLeaderboard(ctx, challengeID, entries); err != nil {
		return err
	}
	s.rdb.Del(ctx, leaderboardKey(challengeID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	return s.primary.GetChallenge(ctx, id)
}

func (s *CachedStore) ListInstruments(ctx context.Context, challengeID string) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx, challengeID)
}

func (s *CachedStore) ListSessionsByChallenge(ctx context.Context, challengeID string) ([]model.ChallengeSession, error) {
	return s.primary.ListSessionsByChallenge(ctx, challengeID)
}

func (s *CachedStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.primary.InsertOrder(ctx, o)
}

func (s *CachedStore) ListOrdersBySession(ctx context.Context, sessionID string) ([]model.Order, error) {
	return s.primary.ListOrdersBySession(ctx, sessionID)
}

func (s *CachedStore) GetPosition(ctx context.Context, sessionID, instrumentKey string) (*model.PortfolioPosition, error) {
	return s.primary.GetPosition(ctx, sessionID, instrumentKey)
}

func (s *CachedStore) ListPositionsBySession(ctx context.Context, sessionID string) ([]model.PortfolioPosition, error) {
	return s.primary.ListPositionsBySession(ctx, sessionID)
}

func (s *CachedStore) SavePosition(ctx context.Context, p *model.PortfolioPosition) error {
	return s.primary.SavePosition(ctx, p)
}

// --- Cache helpers ---

// cachedInstrument is the cache envelope for Instrument; the domain type
// hides ActualTicker from JSON, the cache must not.
type cachedInstrument struct {
	ChallengeID   string               `json:"challenge_id"`
	InstrumentKey string               `json:"instrument_key"`
	ActualTicker  string               `json:"actual_ticker"`
	Type          model.InstrumentType `json:"type"`
}

func (s *CachedStore) cacheSession(ctx context.Context, sess *model.ChallengeSession) {
	if data, err := json.Marshal(sess); err == nil {
		s.rdb.Set(ctx, sessionKey(sess.ID), data, s.ttl)
	}
}

func sessionKey(id string) string {
	return "session:" + id
}

func leaderboardKey(challengeID string) string {
	return "leaderboard:" + challengeID
}

func instrumentCacheKey(challengeID, instrumentKey string) string {
	return fmt.Sprintf("instrument:%s:%s", challengeID, instrumentKey)
}
