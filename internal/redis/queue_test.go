package redis

import (
	"context"
	"log/slog"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*QueueStore, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewQueueStore(client, slog.Default())
	return store, func() {
		client.Close()
		mr.Close()
	}
}

func TestQueueAddIsIdempotentGuard(t *testing.T) {
	store, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	added, err := store.Add(ctx, 1, "u1", 1200)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !added {
		t.Fatalf("expected first add to succeed")
	}

	// Second add for the same user must not overwrite the existing entry
	added, err = store.Add(ctx, 1, "u1", 1500)
	if err != nil {
		t.Fatalf("Add#2: %v", err)
	}
	if added {
		t.Fatalf("expected duplicate add to be rejected")
	}

	entries, err := store.Entries(ctx, 1)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Rating != 1200 {
		t.Fatalf("expected single entry at 1200, got %+v", entries)
	}
}

func TestQueueEntriesAscendingByRating(t *testing.T) {
	store, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	ratings := map[string]int{"u1": 1450, "u2": 1200, "u3": 1310}
	for userID, r := range ratings {
		if _, err := store.Add(ctx, 1, userID, r); err != nil {
			t.Fatalf("Add %s: %v", userID, err)
		}
	}

	entries, err := store.Entries(ctx, 1)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Rating < entries[i-1].Rating {
			t.Fatalf("entries not ascending: %+v", entries)
		}
	}
}

func TestQueueVariantsAreIsolated(t *testing.T) {
	store, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := store.Add(ctx, 1, "u1", 1200); err != nil {
		t.Fatalf("Add: %v", err)
	}

	inOther, err := store.Contains(ctx, 2, "u1")
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if inOther {
		t.Fatalf("entry leaked into another variant queue")
	}
}

func TestQueueRemoveMatched(t *testing.T) {
	store, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	for _, userID := range []string{"u1", "u2", "u3"} {
		if _, err := store.Add(ctx, 1, userID, 1200); err != nil {
			t.Fatalf("Add %s: %v", userID, err)
		}
	}

	if err := store.RemoveMatched(ctx, 1, []string{"u1", "u3"}); err != nil {
		t.Fatalf("RemoveMatched: %v", err)
	}

	entries, err := store.Entries(ctx, 1)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].UserID != "u2" {
		t.Fatalf("expected only u2 left, got %+v", entries)
	}
}

func TestQueueRestoreKeepsRating(t *testing.T) {
	store, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := store.Add(ctx, 1, "u1", 1337); err != nil {
		t.Fatalf("Add: %v", err)
	}
	entries, err := store.Entries(ctx, 1)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}

	if _, err := store.Remove(ctx, 1, "u1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := store.Restore(ctx, entries[0]); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	restored, err := store.Entries(ctx, 1)
	if err != nil {
		t.Fatalf("Entries#2: %v", err)
	}
	if len(restored) != 1 || restored[0].Rating != 1337 {
		t.Fatalf("expected restored entry at 1337, got %+v", restored)
	}
}
