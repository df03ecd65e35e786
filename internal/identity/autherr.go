package identity

import "github.com/mabbas/chess-lobby/internal/msgcat"

// AuthErrorCode is the fixed enumeration of authentication failures the
// sign-in layer can report. The lobby only maps codes to user-facing
// text; issuing credentials is out of its hands.
type AuthErrorCode string

const (
	AuthInvalidCredentials AuthErrorCode = "invalid_credentials"
	AuthEmailInUse         AuthErrorCode = "email_in_use"
	AuthWeakPassword       AuthErrorCode = "weak_password"
	AuthUsernameTaken      AuthErrorCode = "username_taken"
	AuthUnknown            AuthErrorCode = "unknown"
)

// LocalizeAuthError renders the user-facing message for a code,
// collapsing unrecognized codes to the unknown-error text.
func LocalizeAuthError(cat *msgcat.Catalog, code AuthErrorCode) string {
	switch code {
	case AuthInvalidCredentials, AuthEmailInUse, AuthWeakPassword, AuthUsernameTaken, AuthUnknown:
	default:
		code = AuthUnknown
	}
	msg, err := cat.Render("auth."+string(code), nil)
	if err != nil {
		msg, err = cat.Render("auth."+string(AuthUnknown), nil)
		if err != nil {
			return "An unexpected error occurred."
		}
	}
	return msg
}
