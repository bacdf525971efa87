package authfront

import (
	"context"
	"time"
)

// AuthBackend performs the credential calls of the REST backend.
// Implementations: api/ (HTTP), fake/ (reference mock served over HTTP).
type AuthBackend interface {
	// Login exchanges email and password for an access credential.
	// The server sets the long-lived credential out of band.
	Login(ctx context.Context, req LoginRequest) (*Token, error)

	// Refresh mints a new access credential from the long-lived credential.
	Refresh(ctx context.Context) (*Token, error)

	// Logout invalidates the long-lived credential on the server.
	Logout(ctx context.Context) error
}

// VerificationBackend performs the signup and forgot-password challenge calls.
type VerificationBackend interface {
	SignupUsingEmail(ctx context.Context, req SignupRequest) (verificationToken string, err error)
	SendVerificationCode(ctx context.Context, email string) (verificationToken string, err error)
	ResendVerificationCode(ctx context.Context, email string, flow FlowType, oldToken string) (verificationToken string, err error)
	VerifyCode(ctx context.Context, verificationToken, code string, flow FlowType) (*VerifyResult, error)
	VerifyToken(ctx context.Context, token string, flow FlowType) (*VerifyResult, error)
	ResetPassword(ctx context.Context, req ResetPasswordRequest) error
}

// ConfigBackend fetches branding and auth configuration.
type ConfigBackend interface {
	GlobalConfig(ctx context.Context) (*GlobalConfig, error)
	AuthConfig(ctx context.Context) (*AuthConfig, error)
}

// StateStore is the durable per-tab store used to survive reloads.
// Implementations: statestore/ (memory), statestore/bbolt, statestore/redis.
type StateStore interface {
	// Load returns the value for key, or ErrStateNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save replaces the value for key.
	Save(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// SessionManager owns the in-memory access credential.
// Implementations: session/.
type SessionManager interface {
	// Login replaces the current access credential.
	Login(accessToken string, expiresIn int)

	// Logout invalidates the long-lived credential (best effort) and clears the
	// access credential. It never fails.
	Logout(ctx context.Context, clearDependentCaches bool)

	// RefreshAccessToken renews the access credential. Failure logs the session out.
	RefreshAccessToken(ctx context.Context) error

	// InitializeAuth attempts to resume a session once at startup.
	InitializeAuth(ctx context.Context) bool

	AccessToken() string
	IsAuthenticated() bool
}

// FlowTracker drives signup and forgot-password verification.
// Implementations: verification/.
type FlowTracker interface {
	StartSignup(ctx context.Context, req SignupRequest) error
	StartForgotPassword(ctx context.Context, email string) error
	Start(flow FlowType, email, verificationToken string) error
	Resend(ctx context.Context) error
	Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
	CleanupAfterVerification(keepResetToken bool)
	ResetPassword(ctx context.Context, password, passwordConfirm string) error
	Cancel()

	// State returns the current state, clearing it first if it expired at now.
	State(now time.Time) VerificationState
	TimeRemaining(now time.Time) time.Duration
	CooldownRemaining(now time.Time) time.Duration
	LastError() error
}

// VerifyRequest selects the verification protocol: manual code when Code is set,
// link token otherwise. Empty Token and Flow default to the active flow.
type VerifyRequest struct {
	Token string
	Code  string
	Flow  FlowType
	Email string // used when verifying a link with no active flow
}

// ConfigProvider serves cached configuration.
// Implementations: siteconfig/.
type ConfigProvider interface {
	Global(ctx context.Context) (*GlobalConfig, error)
	Auth(ctx context.Context) (*AuthConfig, error)

	// Invalidate drops cached configuration so the next read fetches it again.
	Invalidate()
}
