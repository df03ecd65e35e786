// Package presence keeps each identity's online flag current in the
// shared store. Online state is a lease: it is refreshed for as long as
// the client's connection lives and expires on its own when the
// connection drops, which is the deferred "mark offline" write. The
// lease is re-armed on every MarkOnline because a prior arming does not
// survive a new connection session.
package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mabbas/chess-lobby/internal/identity"
	"github.com/mabbas/chess-lobby/internal/obslog"
	"github.com/mabbas/chess-lobby/internal/store"
)

type Tracker struct {
	store    *store.Client
	leaseTTL time.Duration
}

func NewTracker(st *store.Client, leaseTTL time.Duration) *Tracker {
	if leaseTTL <= 0 {
		leaseTTL = store.DefaultLeaseTTL
	}
	return &Tracker{store: st, leaseTTL: leaseTTL}
}

// MarkOnline acquires the presence lease and signals the roster feed.
// Presence failures degrade the roster view only; they are reported but
// must never block a session from starting, so the error is advisory.
func (t *Tracker) MarkOnline(ctx context.Context, uid string) error {
	if err := t.store.AcquireLease(ctx, uid, t.leaseTTL); err != nil {
		obslog.L().Warn("presence_online_error", zap.String("uid", uid), zap.Error(err))
		return err
	}
	if err := t.store.Signal(ctx, identity.Feed); err != nil {
		obslog.L().Warn("presence_signal_error", zap.String("uid", uid), zap.Error(err))
	}
	obslog.L().Info("presence_online", zap.String("uid", uid))
	return nil
}

// MarkOffline performs the offline write proactively (explicit
// sign-out) instead of waiting for the lease to lapse.
func (t *Tracker) MarkOffline(ctx context.Context, uid string) error {
	if err := t.store.ReleaseLease(ctx, uid); err != nil {
		obslog.L().Warn("presence_offline_error", zap.String("uid", uid), zap.Error(err))
		return err
	}
	if err := t.store.Signal(ctx, identity.Feed); err != nil {
		obslog.L().Warn("presence_signal_error", zap.String("uid", uid), zap.Error(err))
	}
	obslog.L().Info("presence_offline", zap.String("uid", uid))
	return nil
}
