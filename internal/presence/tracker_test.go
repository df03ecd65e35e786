package presence

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mabbas/chess-lobby/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, *store.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	st, err := store.NewClient(fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewTracker(st, 30*time.Second), st, mr
}

func TestMarkOnlineOffline(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()

	if err := tr.MarkOnline(ctx, "u1"); err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}
	if held, _ := st.LeaseHeld(ctx, "u1"); !held {
		t.Fatalf("lease not held after MarkOnline")
	}
	if err := tr.MarkOffline(ctx, "u1"); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	if held, _ := st.LeaseHeld(ctx, "u1"); held {
		t.Fatalf("lease still held after MarkOffline")
	}
}

func TestLeaseExpiryIsOffline(t *testing.T) {
	tr, st, mr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.MarkOnline(ctx, "u1"); err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}
	// Ungraceful disconnect: the heartbeat stops and the lease lapses
	// without any client-side write.
	mr.FastForward(31 * time.Second)
	if held, _ := st.LeaseHeld(ctx, "u1"); held {
		t.Fatalf("lease survived expiry")
	}

	// Re-arming after a reconnect works.
	if err := tr.MarkOnline(ctx, "u1"); err != nil {
		t.Fatalf("re-MarkOnline: %v", err)
	}
	if held, _ := st.LeaseHeld(ctx, "u1"); !held {
		t.Fatalf("lease not re-acquired")
	}
}
