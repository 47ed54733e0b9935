package redis

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/tetris-versus/match-server/internal/domain"
)

func newTestRanking(t *testing.T) (*RankingStore, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRankingStore(client, slog.Default())
	return store, func() {
		client.Close()
		mr.Close()
	}
}

func TestRankingTopNDescending(t *testing.T) {
	store, cleanup := newTestRanking(t)
	defer cleanup()
	ctx := context.Background()

	for userID, r := range map[string]int{"u1": 1200, "u2": 1450, "u3": 1310} {
		if err := store.SetRating(ctx, 1, userID, r); err != nil {
			t.Fatalf("SetRating %s: %v", userID, err)
		}
	}

	entries, err := store.TopN(ctx, 1, 2)
	if err != nil {
		t.Fatalf("TopN: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].UserID != "u2" || entries[0].Rank != 1 {
		t.Fatalf("expected u2 at rank 1, got %+v", entries[0])
	}
	if entries[1].UserID != "u3" || entries[1].Rank != 2 {
		t.Fatalf("expected u3 at rank 2, got %+v", entries[1])
	}
}

func TestRankingApplySettlement(t *testing.T) {
	store, cleanup := newTestRanking(t)
	defer cleanup()
	ctx := context.Background()

	ev := domain.SettlementEvent{
		GameID:       "g1",
		VariantID:    1,
		WinnerID:     "u1",
		LoserID:      "u2",
		WinnerRating: 1216,
		LoserRating:  1184,
	}
	if err := store.ApplySettlement(ctx, ev); err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}

	winner, err := store.PlayerRank(ctx, 1, "u1")
	if err != nil {
		t.Fatalf("PlayerRank winner: %v", err)
	}
	if winner.Rating != 1216 || winner.Rank != 1 {
		t.Fatalf("expected winner at 1216 rank 1, got %+v", winner)
	}

	loser, err := store.PlayerRank(ctx, 1, "u2")
	if err != nil {
		t.Fatalf("PlayerRank loser: %v", err)
	}
	if loser.Rating != 1184 || loser.Rank != 2 {
		t.Fatalf("expected loser at 1184 rank 2, got %+v", loser)
	}
}

func TestRankingUnknownPlayer(t *testing.T) {
	store, cleanup := newTestRanking(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.SetRating(ctx, 1, "u1", 1200); err != nil {
		t.Fatalf("SetRating: %v", err)
	}

	_, err := store.PlayerRank(ctx, 1, "nobody")
	if !errors.Is(err, domain.ErrPlayerNotRanked) {
		t.Fatalf("expected ErrPlayerNotRanked, got %v", err)
	}
}

func TestRankingBatchSet(t *testing.T) {
	store, cleanup := newTestRanking(t)
	defer cleanup()
	ctx := context.Background()

	ratings := map[string]int{"u1": 1100, "u2": 1250, "u3": 1400}
	if err := store.BatchSet(ctx, 1, ratings); err != nil {
		t.Fatalf("BatchSet: %v", err)
	}

	count, err := store.Count(ctx, 1)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 ranked players, got %d", count)
	}
}
