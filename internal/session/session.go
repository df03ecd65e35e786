// Package session carries the authenticated user context the challenge
// and game components require. One Context exists per sign-in and is
// discarded on sign-out; nothing in the core reads ambient "current
// user" state.
package session

import (
	"errors"
	"strings"
)

var ErrNotAuthenticated = errors.New("no authenticated identity")

// Context identifies the local authenticated user for the lifetime of
// one sign-in.
type Context struct {
	UID         string
	DisplayName string
}

func New(uid, displayName string) (*Context, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, ErrNotAuthenticated
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = uid
	}
	return &Context{UID: uid, DisplayName: displayName}, nil
}

// Valid reports whether the context names an authenticated identity.
func (c *Context) Valid() bool { return c != nil && strings.TrimSpace(c.UID) != "" }
