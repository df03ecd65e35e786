package challenge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mabbas/chess-lobby/internal/game"
	"github.com/mabbas/chess-lobby/internal/identity"
	"github.com/mabbas/chess-lobby/internal/session"
	"github.com/mabbas/chess-lobby/internal/store"
)

type harness struct {
	mgr   *Manager
	games *game.Manager
	st    *store.Client
	alice *session.Context // challenger
	bob   *session.Context // opponent
}

func newHarness(t *testing.T) *harness {
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

	ids := identity.NewService(st)
	ctx := context.Background()
	if _, err := ids.Register(ctx, "u1", "Alice"); err != nil {
		t.Fatalf("register u1: %v", err)
	}
	if _, err := ids.Register(ctx, "u2", "Bob"); err != nil {
		t.Fatalf("register u2: %v", err)
	}
	games := game.NewManager(st, ids)

	alice, _ := session.New("u1", "Alice")
	bob, _ := session.New("u2", "Bob")
	return &harness{
		mgr:   NewManager(st, ids, games),
		games: games,
		st:    st,
		alice: alice,
		bob:   bob,
	}
}

func TestCreateGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.mgr.Create(ctx, nil, "u2", 5, "casual"); !errors.Is(err, session.ErrNotAuthenticated) {
		t.Fatalf("nil session: %v", err)
	}
	if _, err := h.mgr.Create(ctx, h.alice, "u1", 5, "casual"); !errors.Is(err, ErrSelfChallenge) {
		t.Fatalf("self challenge: %v", err)
	}
	if _, err := h.mgr.Create(ctx, h.alice, "ghost", 5, "casual"); !errors.Is(err, ErrUnknownOpponent) {
		t.Fatalf("unknown opponent: %v", err)
	}
	if _, err := h.mgr.Create(ctx, h.alice, "u2", 0, "casual"); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("zero minutes: %v", err)
	}
	if _, err := h.mgr.Create(ctx, h.alice, "u2", 5, ""); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("empty match type: %v", err)
	}
}

func TestCreateWritesPendingRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	key, err := h.mgr.Create(ctx, h.alice, "u2", 10, "ranked")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c, err := h.mgr.Load(ctx, key)
	if err != nil || c == nil {
		t.Fatalf("Load: c=%v err=%v", c, err)
	}
	if c.Status != StatusPending || c.GameKey != "" {
		t.Fatalf("fresh challenge: %+v", c)
	}
	// Display names are snapshots taken at creation time.
	if c.ChallengerName != "Alice" || c.OpponentName != "Bob" {
		t.Fatalf("names = %q/%q", c.ChallengerName, c.OpponentName)
	}
	if c.TimeControlMinutes != 10 || c.MatchType != "ranked" {
		t.Fatalf("terms = %d/%q", c.TimeControlMinutes, c.MatchType)
	}
}

func TestWatchIncomingExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// One challenge exists before the opponent attaches.
	before, err := h.mgr.Create(ctx, h.alice, "u2", 5, "casual")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got := make(chan *Challenge, 8)
	w, err := h.mgr.WatchIncoming(ctx, h.bob, func(c *Challenge) { got <- c })
	if err != nil {
		t.Fatalf("WatchIncoming: %v", err)
	}
	defer w.Detach()

	first := nextChallenge(t, got)
	if first.Key != before || first.ChallengerID != "u1" {
		t.Fatalf("backlog delivery: %+v", first)
	}

	after, err := h.mgr.Create(ctx, h.alice, "u2", 5, "casual")
	if err != nil {
		t.Fatalf("Create live: %v", err)
	}
	second := nextChallenge(t, got)
	if second.Key != after {
		t.Fatalf("live delivery key = %s, want %s", second.Key, after)
	}

	select {
	case c := <-got:
		t.Fatalf("duplicate delivery of %s", c.Key)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatchIncomingResubscribeReplaces(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale := make(chan *Challenge, 8)
	if _, err := h.mgr.WatchIncoming(ctx, h.bob, func(c *Challenge) { stale <- c }); err != nil {
		t.Fatalf("first WatchIncoming: %v", err)
	}
	fresh := make(chan *Challenge, 8)
	w, err := h.mgr.WatchIncoming(ctx, h.bob, func(c *Challenge) { fresh <- c })
	if err != nil {
		t.Fatalf("second WatchIncoming: %v", err)
	}
	defer w.Detach()

	if _, err := h.mgr.Create(ctx, h.alice, "u2", 5, "casual"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	nextChallenge(t, fresh)
	select {
	case c := <-stale:
		t.Fatalf("replaced watch still delivered %s", c.Key)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDeclineResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	key, err := h.mgr.Create(ctx, h.alice, "u2", 5, "casual")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	resolved := make(chan Resolution, 1)
	if _, err := h.mgr.WatchResolution(ctx, key, func(r Resolution) { resolved <- r }); err != nil {
		t.Fatalf("WatchResolution: %v", err)
	}

	if err := h.mgr.Decline(ctx, key); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	r := nextResolution(t, resolved)
	if r.Accepted || r.GameKey != "" {
		t.Fatalf("resolution = %+v", r)
	}

	// The declined record is cleaned up and no game was ever created.
	waitGone(t, h.mgr, key)
	if k, err := h.games.ActiveSessionKey(ctx, "u1"); err != nil || k != "" {
		t.Fatalf("game exists after decline: %q err=%v", k, err)
	}
}

func TestResolvedChallengeIsImmutable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	key, err := h.mgr.Create(ctx, h.alice, "u2", 5, "casual")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.mgr.Decline(ctx, key); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if err := h.mgr.Decline(ctx, key); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second decline: %v", err)
	}
	if _, err := h.mgr.Accept(ctx, h.bob, key); !errors.Is(err, ErrNotPending) {
		t.Fatalf("accept after decline: %v", err)
	}
	c, _ := h.mgr.Load(ctx, key)
	if c == nil || c.Status != StatusDeclined {
		t.Fatalf("record transitioned past declined: %+v", c)
	}

	if err := h.mgr.Decline(ctx, "challenges/gone"); !errors.Is(err, ErrChallengeGone) {
		t.Fatalf("decline missing: %v", err)
	}
}

func TestAcceptStartsGame(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	key, err := h.mgr.Create(ctx, h.alice, "u2", 5, "casual")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	resolved := make(chan Resolution, 1)
	if _, err := h.mgr.WatchResolution(ctx, key, func(r Resolution) { resolved <- r }); err != nil {
		t.Fatalf("WatchResolution: %v", err)
	}

	gameKey, err := h.mgr.Accept(ctx, h.bob, key)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	r := nextResolution(t, resolved)
	if !r.Accepted || r.GameKey != gameKey {
		t.Fatalf("resolution = %+v, want accepted with %s", r, gameKey)
	}

	c, err := h.mgr.Load(ctx, key)
	if err != nil || c == nil {
		t.Fatalf("Load challenge: %v", err)
	}
	if c.Status != StatusAccepted || c.GameKey != gameKey {
		t.Fatalf("challenge after accept: %+v", c)
	}

	g, err := h.games.Load(ctx, gameKey)
	if err != nil || g == nil {
		t.Fatalf("Load game: g=%v err=%v", g, err)
	}
	if g.Status != game.StatusActive || g.Turn != game.SideWhite {
		t.Fatalf("game start state: %+v", g)
	}
	if g.WhiteTimeSeconds != 300 || g.BlackTimeSeconds != 300 {
		t.Fatalf("clocks = %d/%d", g.WhiteTimeSeconds, g.BlackTimeSeconds)
	}
	participants := map[string]bool{g.WhiteID: true, g.BlackID: true}
	if !participants["u1"] || !participants["u2"] {
		t.Fatalf("participants = %s/%s", g.WhiteID, g.BlackID)
	}
	if g.WhiteName == "" || g.BlackName == "" {
		t.Fatalf("names not carried over: %+v", g)
	}

	// A repeated accept observes the resolved record and returns the
	// same game instead of starting another.
	again, err := h.mgr.Accept(ctx, h.bob, key)
	if err != nil || again != gameKey {
		t.Fatalf("repeat accept = %q err=%v", again, err)
	}
}

func TestResolutionClearsOpponentIndex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	declined, err := h.mgr.Create(ctx, h.alice, "u2", 5, "casual")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	accepted, err := h.mgr.Create(ctx, h.alice, "u2", 5, "casual")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.mgr.Decline(ctx, declined); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if _, err := h.mgr.Accept(ctx, h.bob, accepted); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// Resolved challenges must not pile up as backlog for the next
	// re-subscribe.
	left, err := h.st.ListIndex(ctx, opponentIndex("u2"))
	if err != nil {
		t.Fatalf("ListIndex: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("opponent index still holds %v", left)
	}
}

func TestConcurrentAcceptLeavesSingleGame(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	key, err := h.mgr.Create(ctx, h.alice, "u2", 5, "casual")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	results := make(chan string, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			gk, aerr := h.mgr.Accept(ctx, h.bob, key)
			results <- gk
			errs <- aerr
		}()
	}
	first, second := <-results, <-results
	for i := 0; i < 2; i++ {
		if aerr := <-errs; aerr != nil {
			t.Fatalf("Accept: %v", aerr)
		}
	}
	// Both callers end up in the same game; the loser's write is
	// discarded rather than lingering as a second active session.
	if first != second {
		t.Fatalf("accepts diverged: %q vs %q", first, second)
	}
	for _, uid := range []string{"u1", "u2"} {
		keys, err := h.st.ListIndex(ctx, "games/user/"+uid)
		if err != nil {
			t.Fatalf("ListIndex: %v", err)
		}
		if len(keys) != 1 || keys[0] != first {
			t.Fatalf("games indexed for %s = %v, want only %q", uid, keys, first)
		}
	}
}

func TestAcceptMissingChallenge(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.Accept(context.Background(), h.bob, "challenges/gone"); !errors.Is(err, ErrChallengeGone) {
		t.Fatalf("accept missing: %v", err)
	}
}

func nextChallenge(t *testing.T, ch <-chan *Challenge) *Challenge {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for challenge")
	}
	return nil
}

func nextResolution(t *testing.T, ch <-chan Resolution) Resolution {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for resolution")
	}
	return Resolution{}
}

// waitGone polls until the record disappears; deletion happens on the
// watcher goroutine after the callback fires.
func waitGone(t *testing.T, m *Manager, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := m.Load(context.Background(), key)
		if err == nil && c == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("declined challenge %s was not deleted", key)
}
