// Package challenge implements the negotiation state machine between
// two identities: creation, opponent-side discovery, decline, and the
// two-step acceptance procedure that turns exactly one accepted
// challenge into exactly one game.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mabbas/chess-lobby/internal/game"
	"github.com/mabbas/chess-lobby/internal/identity"
	"github.com/mabbas/chess-lobby/internal/obslog"
	"github.com/mabbas/chess-lobby/internal/session"
	"github.com/mabbas/chess-lobby/internal/store"
)

func opponentIndex(uid string) string { return "challenges/opponent/" + strings.TrimSpace(uid) }

type Manager struct {
	store *store.Client
	ids   *identity.Service
	games *game.Manager

	incoming *watchRegistry
}

func NewManager(st *store.Client, ids *identity.Service, games *game.Manager) *Manager {
	return &Manager{store: st, ids: ids, games: games, incoming: newWatchRegistry()}
}

// Create writes a pending challenge against the opponent and returns
// its key. The caller keeps watching the record with WatchResolution
// until it leaves pending. A failed write surfaces to the caller and
// leaves no partial state behind.
func (m *Manager) Create(ctx context.Context, sess *session.Context, opponentUID string, timeControlMinutes int, matchType string) (string, error) {
	if !sess.Valid() {
		return "", session.ErrNotAuthenticated
	}
	opponentUID = strings.TrimSpace(opponentUID)
	if opponentUID == "" || timeControlMinutes <= 0 || strings.TrimSpace(matchType) == "" {
		return "", ErrInvalidArgs
	}
	if opponentUID == sess.UID {
		return "", ErrSelfChallenge
	}
	opp, err := m.ids.Lookup(ctx, opponentUID)
	if err != nil {
		return "", err
	}
	if opp == nil {
		return "", ErrUnknownOpponent
	}

	c := &Challenge{
		ChallengerID:       sess.UID,
		ChallengerName:     sess.DisplayName,
		OpponentID:         opponentUID,
		OpponentName:       opp.DisplayName,
		TimeControlMinutes: timeControlMinutes,
		MatchType:          strings.TrimSpace(matchType),
		Status:             StatusPending,
		CreatedAt:          time.Now(),
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	key := m.store.GenerateKey("challenges")
	if err := m.store.Put(ctx, key, raw); err != nil {
		return "", err
	}
	if err := m.store.AddIndex(ctx, opponentIndex(opponentUID), key); err != nil {
		// Unindexed challenges are invisible to the opponent; roll the
		// record back so the failure leaves no partial state.
		_ = m.store.Delete(ctx, key)
		return "", err
	}
	obslog.L().Info("challenge_create",
		zap.String("challenge_key", key),
		zap.String("challenger_id", c.ChallengerID),
		zap.String("opponent_id", c.OpponentID),
		zap.Int("minutes", timeControlMinutes),
		zap.String("match_type", c.MatchType),
	)
	return key, nil
}

// Load reads the challenge once. Returns nil when absent.
func (m *Manager) Load(ctx context.Context, key string) (*Challenge, error) {
	raw, found, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var c Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.Key = key
	return &c, nil
}

// Decline transitions pending -> declined. Terminal states are
// immutable: responding to an already resolved challenge reports
// ErrNotPending and writes nothing.
func (m *Manager) Decline(ctx context.Context, key string) error {
	var opponentID string
	err := m.store.Update(ctx, key, func(raw []byte) ([]byte, error) {
		var c Challenge
		if jerr := json.Unmarshal(raw, &c); jerr != nil {
			return nil, jerr
		}
		if c.Status != StatusPending {
			return nil, ErrNotPending
		}
		c.Status = StatusDeclined
		opponentID = c.OpponentID
		return json.Marshal(&c)
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrChallengeGone
	}
	if err != nil {
		return err
	}
	m.unindex(ctx, opponentID, key)
	obslog.L().Info("challenge_decline", zap.String("challenge_key", key))
	return nil
}

// unindex drops a resolved challenge from the opponent's discovery
// index so re-subscribes do not reload it as backlog.
func (m *Manager) unindex(ctx context.Context, opponentID, key string) {
	if err := m.store.RemIndex(ctx, opponentIndex(opponentID), key); err != nil {
		obslog.L().Warn("challenge_cleanup_error", zap.String("challenge_key", key), zap.Error(err))
	}
}

// Accept runs the acceptance procedure and returns the new game key.
//
// The store has no cross-key transactions, so the procedure is made
// effectively atomic from the challenger's observation point by
// ordering: the full game record is written first, and only after that
// write succeeds is the challenge flipped to accepted with the game
// key attached. The challenger therefore never observes accepted
// without a readable game. Should step two fail anyway, an orphan game
// and a still-pending challenge remain and the failure surfaces as
// ErrStartFailed, a retryable inconsistency that is never swallowed.
//
// If a concurrent responder resolved the challenge first, the value
// observed under the update is authoritative: an accepted record hands
// back its game key, a declined one reports ErrNotPending. The game
// created here is discarded in both cases.
func (m *Manager) Accept(ctx context.Context, sess *session.Context, key string) (string, error) {
	if !sess.Valid() {
		return "", session.ErrNotAuthenticated
	}
	c, err := m.Load(ctx, key)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", ErrChallengeGone
	}
	if c.Status != StatusPending {
		if c.Status == StatusAccepted {
			return c.GameKey, nil
		}
		return "", ErrNotPending
	}

	gameKey, _, err := m.games.Create(ctx, c.ChallengerID, c.ChallengerName, c.OpponentID, c.OpponentName, c.TimeControlMinutes, c.MatchType)
	if err != nil {
		return "", err
	}

	var observed *Challenge
	err = m.store.Update(ctx, key, func(raw []byte) ([]byte, error) {
		var cur Challenge
		if jerr := json.Unmarshal(raw, &cur); jerr != nil {
			return nil, jerr
		}
		if cur.Status != StatusPending {
			observed = &cur
			return nil, ErrNotPending
		}
		cur.Status = StatusAccepted
		cur.GameKey = gameKey
		return json.Marshal(&cur)
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrNotPending), errors.Is(err, store.ErrConflict):
		// Lost the race. The value now in the store is authoritative;
		// a WATCH conflict just means we never got to observe it in
		// the mutator, so read it back.
		if observed == nil {
			if cur, lerr := m.Load(ctx, key); lerr == nil && cur != nil {
				observed = cur
			}
		}
		// The game written above never reached its participants; drop
		// it so it cannot surface as anyone's active session.
		if derr := m.games.Discard(ctx, gameKey); derr != nil {
			obslog.L().Warn("challenge_cleanup_error", zap.String("game_key", gameKey), zap.Error(derr))
		}
		if observed != nil && observed.Status == StatusAccepted && observed.GameKey != "" {
			return observed.GameKey, nil
		}
		return "", ErrNotPending
	default:
		obslog.L().Error("challenge_accept_inconsistent",
			zap.String("challenge_key", key),
			zap.String("orphan_game_key", gameKey),
			zap.Error(err),
		)
		return "", errors.Join(ErrStartFailed, err)
	}

	m.unindex(ctx, c.OpponentID, key)
	obslog.L().Info("challenge_accept",
		zap.String("challenge_key", key),
		zap.String("game_key", gameKey),
	)
	return gameKey, nil
}

// Delete removes a resolved challenge record. The challenger calls
// this after observing declined; its own watch must already be
// detached so the tombstone cannot be misread as a transition.
func (m *Manager) Delete(ctx context.Context, key string) error {
	return m.store.Delete(ctx, key)
}
