package game

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// InitialFEN is the standard starting position every session begins at.
const InitialFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Side identifies a chess color in the stored record.
type Side string

const (
	SideWhite Side = "w"
	SideBlack Side = "b"
)

func (s Side) Other() Side {
	if s == SideWhite {
		return SideBlack
	}
	return SideWhite
}

// Status represents a session lifecycle state. active is initial and
// the only non-terminal state.
type Status string

const (
	StatusActive    Status = "active"
	StatusResigned  Status = "resigned"
	StatusCheckmate Status = "checkmate"
	StatusDraw      Status = "draw"
)

func (s Status) Terminal() bool { return s != StatusActive }

// Move is one ply of the append-only history.
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// Session is the canonical shared game record under games/{key}.
type Session struct {
	Key string `json:"-"`

	Position         string    `json:"position"`
	Status           Status    `json:"status"`
	WhiteID          string    `json:"whiteId"`
	WhiteName        string    `json:"whiteName,omitempty"`
	BlackID          string    `json:"blackId"`
	BlackName        string    `json:"blackName,omitempty"`
	Turn             Side      `json:"turn"`
	WhiteTimeSeconds int       `json:"whiteTimeSeconds"`
	BlackTimeSeconds int       `json:"blackTimeSeconds"`
	MoveHistory      []Move    `json:"moveHistory"`
	WinnerID         string    `json:"winnerId,omitempty"`
	MatchType        string    `json:"matchType,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// SideOf returns the side a uid plays, or "" for a non-participant.
func (g *Session) SideOf(uid string) Side {
	switch strings.TrimSpace(uid) {
	case g.WhiteID:
		return SideWhite
	case g.BlackID:
		return SideBlack
	}
	return ""
}

// PlayerOf returns the uid playing the given side.
func (g *Session) PlayerOf(side Side) string {
	if side == SideWhite {
		return g.WhiteID
	}
	return g.BlackID
}

// OpponentOf returns the other participant's uid, or "".
func (g *Session) OpponentOf(uid string) string {
	switch strings.TrimSpace(uid) {
	case g.WhiteID:
		return g.BlackID
	case g.BlackID:
		return g.WhiteID
	}
	return ""
}

// Validate rejects malformed records at the store boundary instead of
// trusting whatever arrives on the wire.
func (g *Session) Validate() error {
	switch g.Status {
	case StatusActive, StatusResigned, StatusCheckmate, StatusDraw:
	default:
		return fmt.Errorf("unknown game status %q", g.Status)
	}
	if g.Turn != SideWhite && g.Turn != SideBlack {
		return fmt.Errorf("unknown turn %q", g.Turn)
	}
	if strings.TrimSpace(g.WhiteID) == "" || strings.TrimSpace(g.BlackID) == "" {
		return errors.New("game record missing a participant")
	}
	if strings.TrimSpace(g.Position) == "" {
		return errors.New("game record missing position")
	}
	return nil
}

var (
	// ErrNotYourTurn rejects a proposal from the side not on turn.
	// Nothing is written to the store.
	ErrNotYourTurn = errors.New("not your turn")
	// ErrIllegalMove rejects a proposal the oracle refused. Expected
	// and frequent; nothing is written to the store.
	ErrIllegalMove = errors.New("illegal move")
	// ErrNotParticipant rejects callers who are not in the game.
	ErrNotParticipant = errors.New("not a participant of this game")
	// ErrSessionOver rejects writes against a terminal session.
	ErrSessionOver = errors.New("session already ended")
	// ErrSessionUnavailable reports a game record that cannot be read,
	// the observable face of a failed match start.
	ErrSessionUnavailable = errors.New("game session unavailable")
)
