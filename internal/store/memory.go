package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stockquest/challenge-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	challenges  map[string]*model.Challenge
	instruments map[string][]model.Instrument // challengeID → instruments
	sessions    map[string]*model.ChallengeSession
	orders      map[string][]model.Order // sessionID → arrival order
	positions   map[string]map[string]*model.PortfolioPosition
	boards      map[string][]model.LeaderboardEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges:  make(map[string]*model.Challenge),
		instruments: make(map[string][]model.Instrument),
		sessions:    make(map[string]*model.ChallengeSession),
		orders:      make(map[string][]model.Order),
		positions:   make(map[string]map[string]*model.PortfolioPosition),
		boards:      make(map[string][]model.LeaderboardEntry),
	}
}

// SeedChallenge loads a challenge and its instruments, for tests and dev.
func (s *MemoryStore) SeedChallenge(c *model.Challenge, instruments []model.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copyC := *c
	for _, in := range instruments {
		copyC.InstrumentKeys = append(copyC.InstrumentKeys, in.InstrumentKey)
	}
	s.challenges[c.ID] = &copyC
	s.instruments[c.ID] = append([]model.Instrument(nil), instruments...)
}

func (s *MemoryStore) GetChallenge(_ context.Context, id string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[id]
	if !ok {
		return nil, fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ResolveInstrument(_ context.Context, challengeID, instrumentKey string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, in := range s.instruments[challengeID] {
		if in.InstrumentKey == instrumentKey {
			copy := in
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("instrument %s in challenge %s: %w", instrumentKey, challengeID, ErrNotFound)
}

func (s *MemoryStore) ListInstruments(_ context.Context, challengeID string) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Instrument(nil), s.instruments[challengeID]...), nil
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *model.ChallengeSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	copy := *sess
	s.sessions[sess.ID] = &copy
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*model.ChallengeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	copy := *sess
	return &copy, nil
}

func (s *MemoryStore) ListSessionsByChallenge(_ context.Context, challengeID string) ([]model.ChallengeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sessions []model.ChallengeSession
	for _, sess := range s.sessions {
		if sess.ChallengeID == challengeID {
			sessions = append(sessions, *sess)
		}
	}
	// Stable order for callers; map iteration is randomized.
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, sess *model.ChallengeSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
	}
	copy := *sess
	s.sessions[sess.ID] = &copy
	return nil
}

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[o.SessionID] = append(s.orders[o.SessionID], *o)
	return nil
}

func (s *MemoryStore) ListOrdersBySession(_ context.Context, sessionID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Order(nil), s.orders[sessionID]...), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, sessionID, instrumentKey string) (*model.PortfolioPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[sessionID][instrumentKey]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", sessionID, instrumentKey, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositionsBySession(_ context.Context, sessionID string) ([]model.PortfolioPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.PortfolioPosition
	for _, p := range s.positions[sessionID] {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].InstrumentKey < positions[j].InstrumentKey
	})
	return positions, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.PortfolioPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.positions[p.SessionID]
	if !ok {
		byKey = make(map[string]*model.PortfolioPosition)
		s.positions[p.SessionID] = byKey
	}
	copy := *p
	byKey[p.InstrumentKey] = &copy
	return nil
}

func (s *MemoryStore) SaveLeaderboard(_ context.Context, challengeID string, entries []model.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.boards[challengeID] = append([]model.LeaderboardEntry(nil), entries...)
	return nil
}

func (s *MemoryStore) GetLeaderboard(_ context.Context, challengeID string) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	board, ok := s.boards[challengeID]
	if !ok {
		return nil, fmt.Errorf("leaderboard %s: %w", challengeID, ErrNotFound)
	}
	return append([]model.LeaderboardEntry(nil), board...), nil
}

// MemoryPriceSeries implements PriceSeries over candles held in memory,
// sorted by timestamp per instrument. Lookups return the last candle at or
// before the requested simulated timestamp.
type MemoryPriceSeries struct {
	mu      sync.RWMutex
	candles map[string][]model.Candle // challengeID/instrumentKey → ascending by time
}

// NewMemoryPriceSeries creates an empty in-memory price series.
func NewMemoryPriceSeries() *MemoryPriceSeries {
	return &MemoryPriceSeries{candles: make(map[string][]model.Candle)}
}

// Add loads candles for one instrument of a challenge; keeps them sorted.
func (s *MemoryPriceSeries) Add(challengeID string, candles ...model.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range candles {
		key := seriesKey(challengeID, c.InstrumentKey)
		s.candles[key] = append(s.candles[key], c)
	}
	for key := range s.candles {
		series := s.candles[key]
		sort.Slice(series, func(i, j int) bool { return series[i].Timestamp.Before(series[j].Timestamp) })
	}
}

func (s *MemoryPriceSeries) PriceAt(_ context.Context, challengeID, instrumentKey string, ts time.Time) (*model.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.candles[seriesKey(challengeID, instrumentKey)]
	if len(series) == 0 {
		return nil, fmt.Errorf("price series %s/%s: %w", challengeID, instrumentKey, ErrNotFound)
	}

	// First candle strictly after ts; the one before it is in effect.
	idx := sort.Search(len(series), func(i int) bool { return series[i].Timestamp.After(ts) })
	if idx == 0 {
		return nil, fmt.Errorf("no candle at or before %s for %s/%s: %w",
			ts.Format(time.RFC3339), challengeID, instrumentKey, ErrNotFound)
	}
	c := series[idx-1]
	return &c, nil
}

func seriesKey(challengeID, instrumentKey string) string {
	return challengeID + "/" + instrumentKey
}
