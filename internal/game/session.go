package game

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mabbas/chess-lobby/internal/identity"
	"github.com/mabbas/chess-lobby/internal/obslog"
	"github.com/mabbas/chess-lobby/internal/store"
)

// View is the derived local state handed to the consumer. Every store
// notification carries the full record, so each View fully replaces the
// previous one; delivery is idempotent and order-independent.
type View struct {
	Session   Session
	LocalSide Side
	YourTurn  bool
}

// Live is one client's attachment to an active session: the record
// subscription, the locally cached authoritative copy, and the write
// path for the local player's moves.
//
// Moves are validated only client-side before the write; the record
// write is a last-writer-wins replace with no server-side
// re-validation, so a compromised or buggy client can publish an
// illegal position. The shared store offers no defense against that.
type Live struct {
	key      string
	localUID string
	side     Side
	mgr      *Manager
	watch    *store.Watch
	opponent *identity.Identity

	mu  sync.RWMutex
	cur Session

	onUpdate func(View)
}

var errStale = errors.New("stale local view")

// Open attaches to a session for its active lifetime. The opponent
// identity is resolved once here for display purposes, not kept live.
// A missing or unreadable record is the observable face of a failed
// match start and surfaces as ErrSessionUnavailable.
func (m *Manager) Open(ctx context.Context, gameKey, localUID string, onUpdate func(View)) (*Live, error) {
	g, err := m.Load(ctx, gameKey)
	if err != nil || g == nil {
		if err == nil {
			err = ErrSessionUnavailable
		}
		return nil, err
	}
	side := g.SideOf(localUID)
	if side == "" {
		return nil, ErrNotParticipant
	}

	var opp *identity.Identity
	if m.ids != nil {
		opp, err = m.ids.Lookup(ctx, g.OpponentOf(localUID))
		if err != nil {
			obslog.L().Warn("opponent_lookup_error", zap.String("game_key", gameKey), zap.Error(err))
			err = nil
		}
	}

	w, err := m.store.Watch(ctx, gameKey)
	if err != nil {
		return nil, err
	}
	s := &Live{
		key:      gameKey,
		localUID: localUID,
		side:     side,
		mgr:      m,
		watch:    w,
		opponent: opp,
		cur:      *g,
		onUpdate: onUpdate,
	}
	go s.consume()
	obslog.L().Info("session_open",
		zap.String("game_key", gameKey),
		zap.String("uid", localUID),
		zap.String("side", string(side)),
	)
	return s, nil
}

// Opponent returns the identity resolved at open time; may be nil.
func (s *Live) Opponent() *identity.Identity { return s.opponent }

// Current returns the last observed record.
func (s *Live) Current() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Live) consume() {
	for ev := range s.watch.Events() {
		if ev.Data == nil {
			// Record vanished under the subscription: a no-op, not a
			// state transition.
			continue
		}
		var g Session
		if err := json.Unmarshal(ev.Data, &g); err != nil {
			obslog.L().Warn("session_record_malformed", zap.String("game_key", s.key), zap.Error(err))
			continue
		}
		if err := g.Validate(); err != nil {
			obslog.L().Warn("session_record_invalid", zap.String("game_key", s.key), zap.Error(err))
			continue
		}
		g.Key = s.key
		s.mu.Lock()
		s.cur = g
		s.mu.Unlock()
		if s.onUpdate != nil {
			s.onUpdate(View{Session: g, LocalSide: s.side, YourTurn: g.Status == StatusActive && g.Turn == s.side})
		}
		if g.Status.Terminal() {
			// The state that required the subscription is gone.
			s.Close()
			return
		}
	}
}

// ProposeMove validates the move locally and, if the oracle accepts it,
// commits position, side-to-play, appended history, and any terminal
// status as one atomic record update. Off-turn and illegal proposals
// produce zero store writes. Turn is always taken from the stored turn
// field, never derived from move count.
func (s *Live) ProposeMove(ctx context.Context, from, to, promotion string) error {
	s.mu.RLock()
	cur := s.cur
	s.mu.RUnlock()

	if cur.Status.Terminal() {
		return ErrSessionOver
	}
	if cur.Turn != s.side {
		return ErrNotYourTurn
	}
	base := cur.Position
	res, err := s.mgr.oracle.ApplyMove(base, from, to, promotion)
	if err != nil {
		return err
	}

	var committed Session
	err = s.mgr.store.Update(ctx, s.key, func(raw []byte) ([]byte, error) {
		var g Session
		if jerr := json.Unmarshal(raw, &g); jerr != nil {
			return nil, jerr
		}
		if g.Status.Terminal() {
			return nil, ErrSessionOver
		}
		// Only the side on turn may write, and only against the exact
		// position the oracle validated. A lagging attachment of the
		// same player can be on turn again with plies in between; its
		// base position gives it away. The next notification corrects
		// the local view. No retry.
		if g.Turn != s.side || g.Position != base {
			return nil, errStale
		}
		g.Position = res.Position
		g.Turn = s.side.Other()
		g.MoveHistory = append(g.MoveHistory, Move{From: from, To: to, Promotion: promotion})
		g.UpdatedAt = time.Now()
		switch {
		case res.Checkmate:
			g.Status = StatusCheckmate
			g.WinnerID = s.localUID
		case res.Draw:
			g.Status = StatusDraw
		}
		committed = g
		return json.Marshal(&g)
	})
	if errors.Is(err, errStale) {
		return ErrNotYourTurn
	}
	if err != nil {
		return err
	}

	committed.Key = s.key
	s.mu.Lock()
	s.cur = committed
	s.mu.Unlock()

	obslog.L().Info("session_move",
		zap.String("game_key", s.key),
		zap.String("uid", s.localUID),
		zap.String("uci", from+to+promotion),
		zap.String("san", res.SAN),
		zap.String("status", string(committed.Status)),
	)
	switch committed.Status {
	case StatusCheckmate:
		s.mgr.persistIfFinal(ctx, &committed, "checkmate")
	case StatusDraw:
		s.mgr.persistIfFinal(ctx, &committed, "draw")
	}
	return nil
}

// Resign ends the session in the opponent's favor. Allowed at any time
// the session is active, on turn or not. Confirmation is the caller's
// concern. The subscription is detached before the session ends
// locally.
func (s *Live) Resign(ctx context.Context) error {
	var committed Session
	err := s.mgr.store.Update(ctx, s.key, func(raw []byte) ([]byte, error) {
		var g Session
		if jerr := json.Unmarshal(raw, &g); jerr != nil {
			return nil, jerr
		}
		if g.Status.Terminal() {
			return nil, ErrSessionOver
		}
		if g.SideOf(s.localUID) == "" {
			return nil, ErrNotParticipant
		}
		g.Status = StatusResigned
		g.WinnerID = g.OpponentOf(s.localUID)
		g.UpdatedAt = time.Now()
		committed = g
		return json.Marshal(&g)
	})
	if err != nil {
		return err
	}

	committed.Key = s.key
	s.mu.Lock()
	s.cur = committed
	s.mu.Unlock()

	obslog.L().Info("session_resign",
		zap.String("game_key", s.key),
		zap.String("resigner", s.localUID),
		zap.String("winner", committed.WinnerID),
	)
	s.Close()
	s.mgr.persistIfFinal(ctx, &committed, "resignation")
	return nil
}

// Close detaches the subscription. Idempotent.
func (s *Live) Close() { s.watch.Detach() }
