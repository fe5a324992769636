package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, reserved, _ := store.Reserve(ctx, "abc", time.Minute); !reserved {
		t.Fatalf("expected a fresh key to be reserved")
	}
	held, reserved, _ := store.Reserve(ctx, "abc", time.Minute)
	if reserved || held == nil || !held.InFlight() {
		t.Fatalf("expected in-flight reservation, got %+v reserved=%v", held, reserved)
	}

	record := Record{
		StatusCode: 200,
		Response:   []byte("ok"),
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Minute),
	}
	if err := store.Save(ctx, "abc", record); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	_ = store.Release(ctx, "abc")

	got, reserved, _ := store.Reserve(ctx, "abc", time.Minute)
	if reserved || got == nil || string(got.Response) != "ok" {
		t.Fatalf("unexpected record: %+v reserved=%v", got, reserved)
	}
}

func TestMemoryStoreRelease(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, _, _ = store.Reserve(ctx, "k", time.Minute)
	if err := store.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, reserved, _ := store.Reserve(ctx, "k", time.Minute); !reserved {
		t.Fatalf("released key should be reservable again")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.Save(ctx, "a", Record{StatusCode: 200, ExpiresAt: now.Add(time.Second)})
	_ = store.Save(ctx, "b", Record{StatusCode: 200, ExpiresAt: now.Add(time.Hour)})
	_, _, _ = store.Reserve(ctx, "stuck", time.Second)
	now = now.Add(time.Minute)

	if _, reserved, _ := store.Reserve(ctx, "a", time.Second); !reserved {
		t.Fatalf("expired record still held its key")
	}
	if _, reserved, _ := store.Reserve(ctx, "stuck", time.Second); !reserved {
		t.Fatalf("expired reservation still held its key")
	}
	_ = store.Save(ctx, "c", Record{StatusCode: 200, ExpiresAt: now.Add(-time.Second)})
	if n, _ := store.Purge(ctx); n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if rec, reserved, _ := store.Reserve(ctx, "b", time.Second); reserved || rec.StatusCode != 200 {
		t.Fatalf("live record purged")
	}
}
