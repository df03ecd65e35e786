package identity

import (
	"testing"

	"github.com/mabbas/chess-lobby/internal/msgcat"
)

func TestLocalizeAuthError(t *testing.T) {
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}

	known := LocalizeAuthError(cat, AuthInvalidCredentials)
	if known == "" {
		t.Fatalf("empty message for known code")
	}
	unknown := LocalizeAuthError(cat, AuthErrorCode("quota_exceeded"))
	fallback := LocalizeAuthError(cat, AuthUnknown)
	if unknown != fallback {
		t.Fatalf("unrecognized code %q did not collapse to unknown: %q vs %q", "quota_exceeded", unknown, fallback)
	}
	if known == unknown {
		t.Fatalf("known code rendered the fallback text")
	}
}
