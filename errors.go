package authfront

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized is returned when the server rejects the access credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSessionExpired is returned when the session could not be renewed and was logged out.
	ErrSessionExpired = errors.New("session expired")
	// ErrNetwork wraps transport failures where no response was received.
	ErrNetwork = errors.New("network error")
	// ErrValidation wraps client-side validation failures. These never reach the network.
	ErrValidation = errors.New("validation failed")
	// ErrRateLimited is returned when the server throttles a request (code 429).
	ErrRateLimited = errors.New("rate limited")

	// ErrNoActiveFlow is returned when a verification operation needs a flow and none is active.
	ErrNoActiveFlow = errors.New("no active verification flow")
	// ErrFlowExpired is returned when the active verification flow timed out.
	ErrFlowExpired = errors.New("verification flow expired")
	// ErrInvalidState is returned when an operation is not legal in the current flow phase.
	ErrInvalidState = errors.New("invalid verification state")
	// ErrCooldownActive is returned when a resend is attempted during the cooldown window.
	ErrCooldownActive = errors.New("resend cooldown active")
	// ErrResetTokenMissing is returned when a forgot-password verification succeeded
	// without granting a password reset token.
	ErrResetTokenMissing = errors.New("password reset token missing")

	// ErrStateNotFound is returned by a StateStore when the key has no value.
	ErrStateNotFound = errors.New("state not found")
)

// Machine-readable failure reasons carried in the response envelope.
const (
	ReasonTokenExpired     = "token_expired"
	ReasonTokenInvalid     = "token_invalid"
	ReasonTokenMissing     = "token_missing"
	ReasonCodeMismatch     = "code_mismatch"
	ReasonRateLimited      = "rate_limited"
	ReasonPasswordMismatch = "password_mismatch"
	ReasonInvalidRequest   = "invalid_request"

	ReasonInvalidCredentials = "invalid_credentials"
)

// APIError is a business-level failure: the server answered with code != 200.
type APIError struct {
	Code    int
	Message string
	Reason  string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Code)
	}
	if e.Reason != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Code, e.Reason, msg)
	}
	return fmt.Sprintf("api error %d: %s", e.Code, msg)
}

// Is maps well-known codes to sentinel errors so callers can use errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized
	case ErrRateLimited:
		return e.Code == http.StatusTooManyRequests || e.Reason == ReasonRateLimited
	}
	return false
}
