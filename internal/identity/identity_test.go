package identity

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mabbas/chess-lobby/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Client, *miniredis.Miniredis) {
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
	return NewService(st), st, mr
}

func TestRegisterAndLookup(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.Register(ctx, "u1", "Alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if id.Rating != DefaultRating {
		t.Fatalf("rating = %d, want %d", id.Rating, DefaultRating)
	}

	got, err := svc.Lookup(ctx, "u1")
	if err != nil || got == nil {
		t.Fatalf("Lookup: id=%v err=%v", got, err)
	}
	if got.DisplayName != "Alice" || got.UID != "u1" {
		t.Fatalf("unexpected identity %+v", got)
	}
	if got.IsOnline {
		t.Fatalf("identity online without a lease")
	}

	if unknown, err := svc.Lookup(ctx, "nobody"); err != nil || unknown != nil {
		t.Fatalf("unknown lookup: id=%v err=%v", unknown, err)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "u1", "Alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// A second sign-in must not overwrite the stored profile.
	again, err := svc.Register(ctx, "u1", "Renamed")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if again.DisplayName != "Alice" {
		t.Fatalf("re-register changed name to %q", again.DisplayName)
	}
}

func TestWatchRosterPartitionsByPresence(t *testing.T) {
	svc, st, mr := newTestService(t)
	ctx := context.Background()

	for uid, name := range map[string]string{"me": "Me", "u2": "Bob", "u3": "Carol"} {
		if _, err := svc.Register(ctx, uid, name); err != nil {
			t.Fatalf("Register %s: %v", uid, err)
		}
	}
	if err := st.AcquireLease(ctx, "u2", 30*time.Second); err != nil {
		t.Fatalf("lease u2: %v", err)
	}

	rosters := make(chan Roster, 8)
	feed, err := svc.WatchRoster(ctx, "me", func(r Roster) { rosters <- r })
	if err != nil {
		t.Fatalf("WatchRoster: %v", err)
	}
	defer feed.Detach()

	r := nextRoster(t, rosters)
	if len(r.Online) != 1 || r.Online[0].UID != "u2" {
		t.Fatalf("online = %+v", r.Online)
	}
	if len(r.Offline) != 1 || r.Offline[0].UID != "u3" {
		t.Fatalf("offline = %+v", r.Offline)
	}

	// Lease expiry is the disconnect: the next refresh shows u2 offline.
	mr.FastForward(31 * time.Second)
	if err := st.Signal(ctx, Feed); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	r = nextRoster(t, rosters)
	if len(r.Online) != 0 || len(r.Offline) != 2 {
		t.Fatalf("after expiry: online=%d offline=%d", len(r.Online), len(r.Offline))
	}
}

func nextRoster(t *testing.T, ch <-chan Roster) Roster {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for roster")
	}
	return Roster{}
}
