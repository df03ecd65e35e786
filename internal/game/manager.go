// Package game owns the canonical per-game record: creation from an
// accepted challenge, the per-client session synchronizer, and the
// rules oracle both sides validate against before writing.
package game

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mabbas/chess-lobby/internal/identity"
	"github.com/mabbas/chess-lobby/internal/obslog"
	"github.com/mabbas/chess-lobby/internal/store"
)

func userIndex(uid string) string { return "games/user/" + strings.TrimSpace(uid) }

type Manager struct {
	store   *store.Client
	oracle  Oracle
	ids     *identity.Service
	archive *Archive
}

func NewManager(st *store.Client, ids *identity.Service) *Manager {
	return &Manager{store: st, oracle: NewOracle(), ids: ids}
}

// Oracle exposes the rules engine for callers that need standalone
// position checks.
func (m *Manager) Oracle() Oracle { return m.oracle }

// AttachArchive wires a database repository for persisting finished
// sessions. Optional; without it terminal games simply stay in the
// store.
func (m *Manager) AttachArchive(a *Archive) {
	if m != nil {
		m.archive = a
	}
}

// Create allocates and writes a fresh active session for an accepted
// challenge. Sides are assigned by a uniform coin flip between the two
// identities; white always moves first with the full time budget on
// both clocks.
func (m *Manager) Create(ctx context.Context, challengerID, challengerName, opponentID, opponentName string, timeControlMinutes int, matchType string) (string, *Session, error) {
	if strings.TrimSpace(challengerID) == "" || strings.TrimSpace(opponentID) == "" {
		return "", nil, fmt.Errorf("invalid participants")
	}
	whiteID, whiteName := challengerID, challengerName
	blackID, blackName := opponentID, opponentName
	if n, _ := rand.Int(rand.Reader, big.NewInt(2)); n != nil && n.Int64() == 0 {
		whiteID, whiteName, blackID, blackName = blackID, blackName, whiteID, whiteName
	}

	budget := timeControlMinutes * 60
	g := &Session{
		Position:         InitialFEN,
		Status:           StatusActive,
		WhiteID:          strings.TrimSpace(whiteID),
		WhiteName:        strings.TrimSpace(whiteName),
		BlackID:          strings.TrimSpace(blackID),
		BlackName:        strings.TrimSpace(blackName),
		Turn:             SideWhite,
		WhiteTimeSeconds: budget,
		BlackTimeSeconds: budget,
		MoveHistory:      []Move{},
		MatchType:        strings.TrimSpace(matchType),
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	key := m.store.GenerateKey("games")
	raw, err := json.Marshal(g)
	if err != nil {
		return "", nil, err
	}
	if err := m.store.Put(ctx, key, raw); err != nil {
		return "", nil, err
	}
	g.Key = key
	if err := m.indexParticipants(ctx, key, g.WhiteID, g.BlackID); err != nil {
		return "", nil, err
	}
	obslog.L().Info("game_create",
		zap.String("game_key", key),
		zap.String("white_id", g.WhiteID),
		zap.String("black_id", g.BlackID),
		zap.Int("budget_seconds", budget),
	)
	return key, g, nil
}

// Load reads the session record once. Returns nil when absent.
func (m *Manager) Load(ctx context.Context, key string) (*Session, error) {
	raw, found, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var g Session
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	g.Key = key
	return &g, nil
}

// ActiveSessionKey returns the most recently updated active session the
// user participates in, or "".
func (m *Manager) ActiveSessionKey(ctx context.Context, uid string) (string, error) {
	keys, err := m.store.ListIndex(ctx, userIndex(uid))
	if err != nil {
		return "", err
	}
	type cand struct {
		key string
		at  time.Time
	}
	var active []cand
	for _, k := range keys {
		g, gerr := m.Load(ctx, k)
		if gerr != nil || g == nil || g.Status != StatusActive {
			continue
		}
		active = append(active, cand{key: k, at: g.UpdatedAt})
	}
	if len(active) == 0 {
		return "", nil
	}
	sort.Slice(active, func(i, j int) bool { return active[i].at.After(active[j].at) })
	return active[0].key, nil
}

// Discard removes a session that never reached its participants,
// together with its index entries. Only called for games abandoned
// before anyone attached; an observed session is never discarded.
func (m *Manager) Discard(ctx context.Context, key string) error {
	g, err := m.Load(ctx, key)
	if err != nil || g == nil {
		return err
	}
	if err := m.store.RemIndex(ctx, userIndex(g.WhiteID), key); err != nil {
		return err
	}
	if err := m.store.RemIndex(ctx, userIndex(g.BlackID), key); err != nil {
		return err
	}
	return m.store.Delete(ctx, key)
}

func (m *Manager) indexParticipants(ctx context.Context, key, white, black string) error {
	if err := m.store.AddIndex(ctx, userIndex(white), key); err != nil {
		return err
	}
	return m.store.AddIndex(ctx, userIndex(black), key)
}

func (m *Manager) persistIfFinal(ctx context.Context, g *Session, method string) {
	if m == nil || m.archive == nil || g == nil || !g.Status.Terminal() {
		return
	}
	if err := m.archive.SaveResult(ctx, g, method); err != nil {
		obslog.L().Error("game_archive_error", zap.String("game_key", g.Key), zap.Error(err))
		return
	}
	obslog.L().Info("game_archive", zap.String("game_key", g.Key), zap.String("method", method))
}
