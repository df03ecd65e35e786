package challenge

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the negotiation state. pending is initial; accepted and
// declined are terminal and immutable once written.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

func (s Status) Terminal() bool { return s == StatusAccepted || s == StatusDeclined }

// Challenge mirrors the challenges/{key} record. Display names are
// snapshotted at creation so later profile edits cannot retroactively
// alter an in-flight negotiation.
type Challenge struct {
	Key string `json:"-"`

	ChallengerID       string    `json:"challengerId"`
	ChallengerName     string    `json:"challengerName"`
	OpponentID         string    `json:"opponentId"`
	OpponentName       string    `json:"opponentName"`
	TimeControlMinutes int       `json:"timeControlMinutes"`
	MatchType          string    `json:"matchType"`
	Status             Status    `json:"status"`
	GameKey            string    `json:"gameKey,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Validate rejects malformed records at the store boundary.
func (c *Challenge) Validate() error {
	switch c.Status {
	case StatusPending, StatusAccepted, StatusDeclined:
	default:
		return fmt.Errorf("unknown challenge status %q", c.Status)
	}
	if strings.TrimSpace(c.ChallengerID) == "" || strings.TrimSpace(c.OpponentID) == "" {
		return errors.New("challenge record missing a participant")
	}
	if c.Status == StatusAccepted && strings.TrimSpace(c.GameKey) == "" {
		return errors.New("accepted challenge missing game key")
	}
	return nil
}

var (
	ErrInvalidArgs = errors.New("invalid arguments")
	// ErrSelfChallenge rejects challenging one's own identity.
	ErrSelfChallenge = errors.New("cannot challenge yourself")
	// ErrUnknownOpponent rejects a challenge against an identity the
	// store has never seen.
	ErrUnknownOpponent = errors.New("unknown opponent")
	// ErrChallengeGone reports a record that no longer exists.
	ErrChallengeGone = errors.New("challenge not found")
	// ErrNotPending reports a response against an already terminal
	// challenge; the observed value is authoritative.
	ErrNotPending = errors.New("challenge already resolved")
	// ErrStartFailed is the "failed to start match" state: the game
	// record exists but the challenge could not be flipped to
	// accepted, leaving a retryable inconsistency.
	ErrStartFailed = errors.New("failed to start match")
)
