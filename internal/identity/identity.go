// Package identity manages the per-user records the lobby shows and the
// roster feed built on top of them. Credential issuance happens
// elsewhere; this package only needs the stable authenticated uid.
package identity

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mabbas/chess-lobby/internal/store"
)

// DefaultRating is the ELO assigned to a freshly registered identity.
const DefaultRating = 1200

// Feed is the change feed the roster listens on; every identity or
// presence mutation signals it.
const Feed = "identities"

const indexAll = "identities"

// Identity mirrors the identities/{uid} record. IsOnline is derived
// from the presence lease at read time, not stored.
type Identity struct {
	UID         string    `json:"-"`
	DisplayName string    `json:"displayName"`
	Rating      int       `json:"rating"`
	IsOnline    bool      `json:"isOnline"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Key returns the record key for a uid.
func Key(uid string) string { return "identities/" + strings.TrimSpace(uid) }

type Service struct {
	store *store.Client
}

func NewService(st *store.Client) *Service { return &Service{store: st} }

// Register creates the identity record on first sight and leaves an
// existing one untouched, so later profile edits are the only way a
// name or rating changes.
func (s *Service) Register(ctx context.Context, uid, displayName string) (*Identity, error) {
	if existing, err := s.Lookup(ctx, uid); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	id := &Identity{
		UID:         strings.TrimSpace(uid),
		DisplayName: strings.TrimSpace(displayName),
		Rating:      DefaultRating,
		CreatedAt:   time.Now(),
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, Key(uid), raw); err != nil {
		return nil, err
	}
	if err := s.store.AddIndex(ctx, indexAll, uid); err != nil {
		return nil, err
	}
	_ = s.store.Signal(ctx, Feed)
	return id, nil
}

// Lookup is the one-shot read used at session open and by the roster;
// it is not a live subscription. Returns nil when unknown.
func (s *Service) Lookup(ctx context.Context, uid string) (*Identity, error) {
	raw, found, err := s.store.Get(ctx, Key(uid))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, err
	}
	id.UID = strings.TrimSpace(uid)
	id.IsOnline, err = s.store.LeaseHeld(ctx, uid)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// All returns every known identity with presence resolved.
func (s *Service) All(ctx context.Context) ([]*Identity, error) {
	uids, err := s.store.ListIndex(ctx, indexAll)
	if err != nil {
		return nil, err
	}
	out := make([]*Identity, 0, len(uids))
	for _, uid := range uids {
		id, err := s.Lookup(ctx, uid)
		if err != nil {
			return nil, err
		}
		if id != nil {
			out = append(out, id)
		}
	}
	return out, nil
}
