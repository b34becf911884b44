package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stockquest/challenge-engine/internal/model"
)

func TestLeaderboard_RanksByReturnDescending(t *testing.T) {
	e := newEnv(t, 16, nil)
	winner := e.startSession(t, "user-1")
	idle := e.startSession(t, "user-2")

	// user-1 buys at 100, the price rises to 120; user-2 stays in cash.
	e.setNow(1 * time.Second)
	if _, err := e.proc.PlaceOrder(context.Background(), buy(winner.ID, "A", 10)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	e.setNow(2 * time.Second)
	entries, err := e.lb.Calculate(context.Background(), "chal-1")
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	if entries[0].SessionID != winner.ID || entries[0].Rank != 1 {
		t.Errorf("expected %s at rank 1, got %s at rank %d", winner.ID, entries[0].SessionID, entries[0].Rank)
	}
	if entries[1].SessionID != idle.ID || entries[1].Rank != 2 {
		t.Errorf("expected %s at rank 2, got %s at rank %d", idle.ID, entries[1].SessionID, entries[1].Rank)
	}
	if !entries[0].ReturnPercentage.Equal(d(0.02)) {
		t.Errorf("expected return 0.02%%, got %s", entries[0].ReturnPercentage)
	}
	if !entries[0].PnL.Equal(d(200)) {
		t.Errorf("expected pnl 200, got %s", entries[0].PnL)
	}
	if !entries[1].ReturnPercentage.IsZero() {
		t.Errorf("expected zero return for idle session, got %s", entries[1].ReturnPercentage)
	}
}

func TestLeaderboard_TieBrokenByEarliestStart(t *testing.T) {
	e := newEnv(t, 16, nil)
	early := e.startSession(t, "user-1")
	e.setNow(1 * time.Second)
	late := e.startSession(t, "user-2")

	// Both all-cash, identical zero return; the earlier start wins the tie.
	e.setNow(2 * time.Second)
	entries, err := e.lb.Calculate(context.Background(), "chal-1")
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if entries[0].SessionID != early.ID || entries[1].SessionID != late.ID {
		t.Errorf("expected tie-break order [%s %s], got [%s %s]",
			early.ID, late.ID, entries[0].SessionID, entries[1].SessionID)
	}
	if entries[0].Rank != 1 || entries[1].Rank != 2 {
		t.Errorf("expected contiguous ranks 1,2, got %d,%d", entries[0].Rank, entries[1].Rank)
	}
}

func TestLeaderboard_Idempotent(t *testing.T) {
	e := newEnv(t, 16, nil)
	sess := e.startSession(t, "user-1")
	e.startSession(t, "user-2")

	e.setNow(1 * time.Second)
	if _, err := e.proc.PlaceOrder(context.Background(), buy(sess.ID, "A", 10)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	e.setNow(2 * time.Second)
	first, err := e.lb.Calculate(context.Background(), "chal-1")
	if err != nil {
		t.Fatalf("first Calculate: %v", err)
	}
	second, err := e.lb.Calculate(context.Background(), "chal-1")
	if err != nil {
		t.Fatalf("second Calculate: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("entry counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].SessionID != second[i].SessionID || first[i].Rank != second[i].Rank {
			t.Errorf("entry %d: rank/session changed between identical calculations", i)
		}
		if !first[i].ReturnPercentage.Equal(second[i].ReturnPercentage) {
			t.Errorf("entry %d: return changed: %s vs %s", i,
				first[i].ReturnPercentage, second[i].ReturnPercentage)
		}
	}
}

func TestLeaderboard_ExcludesCancelledSessions(t *testing.T) {
	e := newEnv(t, 16, nil)
	kept := e.startSession(t, "user-1")
	dropped := e.startSession(t, "user-2")

	sess, _ := e.mem.GetSession(context.Background(), dropped.ID)
	sess.Status = model.SessionCancelled
	if err := e.mem.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	e.setNow(1 * time.Second)
	entries, err := e.lb.Calculate(context.Background(), "chal-1")
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if len(entries) != 1 || entries[0].SessionID != kept.ID {
		t.Fatalf("expected only %s ranked, got %+v", kept.ID, entries)
	}
}

func TestLeaderboard_IncludesClosedSessionsFrozen(t *testing.T) {
	e := newEnv(t, 16, nil)
	closed := e.startSession(t, "user-1")

	e.setNow(1 * time.Second)
	if _, err := e.proc.PlaceOrder(context.Background(), buy(closed.ID, "A", 10)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	e.setNow(2 * time.Second)
	if _, err := e.lc.Close(context.Background(), closed.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Wall clock moves on; the closed session stays valued at close 120.
	e.setNow(5 * time.Second)
	entries, err := e.lb.Calculate(context.Background(), "chal-1")
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if !entries[0].PortfolioValue.Equal(d(1_000_200)) {
		t.Errorf("expected frozen value 1000200, got %s", entries[0].PortfolioValue)
	}
}

func TestLeaderboard_SnapshotPersisted(t *testing.T) {
	e := newEnv(t, 16, nil)
	e.startSession(t, "user-1")
	e.setNow(1 * time.Second)

	calculated, err := e.lb.Calculate(context.Background(), "chal-1")
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	stored, err := e.lb.Snapshot(context.Background(), "chal-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(stored) != len(calculated) {
		t.Fatalf("expected %d stored entries, got %d", len(calculated), len(stored))
	}
	if stored[0].CalculatedAt.IsZero() {
		t.Error("expected calculated_at to be set")
	}
	if !stored[0].CalculatedAt.Equal(wallStart.Add(1 * time.Second)) {
		t.Errorf("expected calculated_at %s, got %s", wallStart.Add(1*time.Second), stored[0].CalculatedAt)
	}
}
