package verification

import (
	"errors"
	"strings"

	authfront "github.com/chimerakang/authfront-go"
)

// IsCritical reports whether err invalidates the verification flow. Critical
// failures clear the flow; anything else leaves it intact so the user can retry.
//
// The structured reason in the response envelope decides when present. Servers
// that do not send one are classified by their message text.
func IsCritical(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, authfront.ErrResetTokenMissing),
		errors.Is(err, authfront.ErrFlowExpired),
		errors.Is(err, authfront.ErrNoActiveFlow):
		return true
	case errors.Is(err, authfront.ErrNetwork),
		errors.Is(err, authfront.ErrValidation),
		errors.Is(err, authfront.ErrRateLimited),
		errors.Is(err, authfront.ErrCooldownActive):
		return false
	}

	var apiErr *authfront.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Reason {
	case authfront.ReasonTokenExpired, authfront.ReasonTokenInvalid, authfront.ReasonTokenMissing:
		return true
	case "":
	default:
		return false
	}

	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "expired") || strings.Contains(msg, "token")
}
