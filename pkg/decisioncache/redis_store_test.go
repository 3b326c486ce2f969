package decisioncache

import (
	"context"
	"testing"
	"time"
)

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	store := NewRedisStore("localhost:6379", "", 0)
	store.prefix = "arbiter:test:decision:"
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer store.Flush(ctx)

	e := Entry{Reason: "policy:allow", Suppressed: []string{"token"}, ExpiresAt: time.Now().Add(time.Minute)}
	if err := store.Set(ctx, "k1", e, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Reason != "policy:allow" || len(got.Suppressed) != 1 {
		t.Fatalf("unexpected entry: %+v", got)
	}

	if err := store.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got, err = store.Get(ctx, "k1")
	if err != nil || got != nil {
		t.Fatalf("expected miss after flush, got %+v (err=%v)", got, err)
	}
}
