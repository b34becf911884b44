package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/stockquest/challenge-engine/internal/metrics"
	"github.com/stockquest/challenge-engine/internal/model"
	"github.com/stockquest/challenge-engine/internal/store"
)

// Leaderboard recomputes ranking snapshots for a challenge. Entries are
// derived data: every calculation rebuilds the snapshot from session state,
// so recalculating with no intervening fills yields identical results.
type Leaderboard struct {
	store  store.Store
	prices store.PriceSeries
	now    func() time.Time
}

// NewLeaderboard creates a leaderboard calculator.
func NewLeaderboard(st store.Store, prices store.PriceSeries) *Leaderboard {
	return &Leaderboard{store: st, prices: prices, now: time.Now}
}

// SetNow overrides the wall clock, for deterministic tests.
func (b *Leaderboard) SetNow(now func() time.Time) { b.now = now }

// Calculate rebuilds and persists the leaderboard for one challenge. Every
// non-cancelled session is ranked, active ones marked to market at their
// current simulated timestamp and closed ones frozen at close. Ordering is
// return percentage descending, ties broken by earliest session start, with
// contiguous ranks from 1.
func (b *Leaderboard) Calculate(ctx context.Context, challengeID string) ([]model.LeaderboardEntry, error) {
	sessions, err := b.store.ListSessionsByChallenge(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for challenge %s: %w", challengeID, err)
	}

	now := b.now()
	type ranked struct {
		entry     model.LeaderboardEntry
		startedAt time.Time
	}
	rows := make([]ranked, 0, len(sessions))

	for i := range sessions {
		sess := &sessions[i]
		if sess.Status == model.SessionCancelled {
			continue
		}

		simAt := simulatedAt(sess, now)
		_, value, err := valueSession(ctx, b.store, b.prices, sess, simAt)
		if err != nil {
			return nil, err
		}

		rows = append(rows, ranked{
			entry: model.LeaderboardEntry{
				ChallengeID:      challengeID,
				SessionID:        sess.ID,
				UserID:           sess.UserID,
				PortfolioValue:   value,
				PnL:              value.Sub(sess.SeedBalance),
				ReturnPercentage: returnPercentage(value, sess.SeedBalance),
				CalculatedAt:     now,
			},
			startedAt: sess.StartedAt,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		ri, rj := rows[i].entry.ReturnPercentage, rows[j].entry.ReturnPercentage
		if !ri.Equal(rj) {
			return ri.GreaterThan(rj)
		}
		return rows[i].startedAt.Before(rows[j].startedAt)
	})

	entries := make([]model.LeaderboardEntry, len(rows))
	for i, r := range rows {
		r.entry.Rank = i + 1
		entries[i] = r.entry
	}

	if err := b.store.SaveLeaderboard(ctx, challengeID, entries); err != nil {
		return nil, fmt.Errorf("save leaderboard for challenge %s: %w", challengeID, err)
	}

	metrics.LeaderboardCalculations.Inc()
	slog.Info("leaderboard calculated", "challenge", challengeID, "entries", len(entries))
	return entries, nil
}

// Snapshot returns the last persisted leaderboard without recomputing it.
func (b *Leaderboard) Snapshot(ctx context.Context, challengeID string) ([]model.LeaderboardEntry, error) {
	return b.store.GetLeaderboard(ctx, challengeID)
}
