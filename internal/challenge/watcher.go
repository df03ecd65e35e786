package challenge

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/mabbas/chess-lobby/internal/obslog"
	"github.com/mabbas/chess-lobby/internal/session"
	"github.com/mabbas/chess-lobby/internal/store"
)

// watchRegistry holds at most one incoming watch per uid so a
// re-subscribe (reconnect, re-login) replaces the prior handle instead
// of stacking a second one and duplicating notifications.
type watchRegistry struct {
	mu    sync.Mutex
	byUID map[string]*IncomingWatch
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{byUID: make(map[string]*IncomingWatch)}
}

func (r *watchRegistry) replace(uid string, w *IncomingWatch) {
	r.mu.Lock()
	prev := r.byUID[uid]
	r.byUID[uid] = w
	r.mu.Unlock()
	if prev != nil {
		prev.Detach()
	}
}

// IncomingWatch is the opponent-side discovery subscription: the query
// "challenges whose opponent is me, record added".
type IncomingWatch struct {
	cw *store.ChildWatch
}

func (w *IncomingWatch) Detach() { w.cw.Detach() }

// WatchIncoming subscribes to challenges targeting the authenticated
// identity. Each newly observed record that is still pending is handed
// to onPending exactly once, including records that already existed
// when the watch attached. The previous watch for the same identity is
// detached first.
func (m *Manager) WatchIncoming(ctx context.Context, sess *session.Context, onPending func(*Challenge)) (*IncomingWatch, error) {
	if !sess.Valid() {
		return nil, session.ErrNotAuthenticated
	}
	cw, err := m.store.WatchChildren(ctx, opponentIndex(sess.UID))
	if err != nil {
		return nil, err
	}
	w := &IncomingWatch{cw: cw}
	m.incoming.replace(sess.UID, w)
	go func() {
		for key := range cw.Keys() {
			c, err := m.Load(context.Background(), key)
			if err != nil {
				obslog.L().Warn("challenge_record_invalid", zap.String("challenge_key", key), zap.Error(err))
				continue
			}
			if c == nil || c.Status != StatusPending {
				continue
			}
			onPending(c)
		}
	}()
	return w, nil
}

// Resolution is the terminal outcome observed by the challenger.
type Resolution struct {
	Accepted bool
	GameKey  string
}

// ResolutionWatch is the challenger's single-record subscription held
// while the challenge is pending.
type ResolutionWatch struct {
	watch *store.Watch
}

func (w *ResolutionWatch) Detach() { w.watch.Detach() }

// WatchResolution observes a created challenge until it leaves
// pending. On accepted the game key is handed to onResolved; on
// declined the subscription is detached first and the useless record
// deleted after, so the tombstone cannot fire back into the watcher. A
// record that disappears while still pending is a no-op, not an error.
func (m *Manager) WatchResolution(ctx context.Context, key string, onResolved func(Resolution)) (*ResolutionWatch, error) {
	w, err := m.store.Watch(ctx, key)
	if err != nil {
		return nil, err
	}
	rw := &ResolutionWatch{watch: w}
	go func() {
		for ev := range w.Events() {
			if ev.Data == nil {
				continue
			}
			var c Challenge
			if err := unmarshalChallenge(ev.Data, &c); err != nil {
				obslog.L().Warn("challenge_record_malformed", zap.String("challenge_key", key), zap.Error(err))
				continue
			}
			switch c.Status {
			case StatusPending:
				continue
			case StatusAccepted:
				rw.Detach()
				obslog.L().Info("challenge_resolved",
					zap.String("challenge_key", key),
					zap.String("outcome", string(StatusAccepted)),
					zap.String("game_key", c.GameKey),
				)
				onResolved(Resolution{Accepted: true, GameKey: c.GameKey})
				return
			case StatusDeclined:
				rw.Detach()
				if err := m.Delete(context.Background(), key); err != nil {
					obslog.L().Warn("challenge_cleanup_error", zap.String("challenge_key", key), zap.Error(err))
				}
				obslog.L().Info("challenge_resolved",
					zap.String("challenge_key", key),
					zap.String("outcome", string(StatusDeclined)),
				)
				onResolved(Resolution{Accepted: false})
				return
			}
		}
	}()
	return rw, nil
}

func unmarshalChallenge(raw []byte, c *Challenge) error {
	if err := json.Unmarshal(raw, c); err != nil {
		return err
	}
	return c.Validate()
}
