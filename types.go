package authfront

import "time"

// FlowType identifies which verification flow is in progress.
// The string values are the ones sent as "type" on the wire.
type FlowType string

const (
	FlowNone           FlowType = ""
	FlowSignup         FlowType = "signup"
	FlowForgotPassword FlowType = "forgot_password"
)

// Valid reports whether f names an active flow.
func (f FlowType) Valid() bool {
	return f == FlowSignup || f == FlowForgotPassword
}

func (f FlowType) String() string {
	if f == FlowNone {
		return "none"
	}
	return string(f)
}

// Token is an access credential returned by login, refresh or signup verification.
type Token struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"` // seconds
}

// User is the profile of the authenticated account.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// LoginRequest is the body of the email/password login call.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// SignupRequest starts a signup verification flow.
// Password confirmation is checked by the server.
type SignupRequest struct {
	Name            string `json:"name" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"passwordConfirm" validate:"required"`
}

// ResetPasswordRequest sets a new password with a one-time reset token.
type ResetPasswordRequest struct {
	Email              string `json:"email" validate:"required,email"`
	PasswordResetToken string `json:"passwordResetToken" validate:"required"`
	Password           string `json:"password" validate:"required"`
	PasswordConfirm    string `json:"passwordConfirm" validate:"required"`
}

// VerifyResult is the data returned by a successful code or link verification.
// Signup verification yields an access credential, forgot-password verification
// yields a password reset token.
type VerifyResult struct {
	AccessToken        string `json:"accessToken,omitempty"`
	ExpiresIn          int    `json:"expiresIn,omitempty"`
	PasswordResetToken string `json:"passwordResetToken,omitempty"`

	// Flow is the flow the result completes, filled in by the tracker.
	Flow FlowType `json:"-"`
}

// VerificationState is the durable state of an in-progress verification flow.
//
// Flow == FlowNone means no flow is active and every other field is empty.
// A non-empty PasswordResetToken implies Flow == FlowForgotPassword.
type VerificationState struct {
	Flow               FlowType
	Email              string
	VerificationToken  string
	PasswordResetToken string
	CreatedAt          time.Time
}

// IsIdle reports whether no flow is active.
func (s VerificationState) IsIdle() bool { return s.Flow == FlowNone }

// Verified reports whether a forgot-password flow has been verified and
// is waiting for the new password.
func (s VerificationState) Verified() bool {
	return s.Flow == FlowForgotPassword && s.PasswordResetToken != ""
}

// Expired reports whether the flow is older than ttl at now.
// A state exactly ttl old is still active.
func (s VerificationState) Expired(now time.Time, ttl time.Duration) bool {
	if s.IsIdle() {
		return false
	}
	return now.Sub(s.CreatedAt) > ttl
}

// Brand holds the branding shown by the front-end.
type Brand struct {
	Name string `json:"name"`
	Logo string `json:"logo"`
}

// CacheSettings controls how long configuration may be cached, in seconds.
type CacheSettings struct {
	Duration int `json:"duration"`
}

// GlobalConfig is the response of GET /v1/config.
type GlobalConfig struct {
	Brand Brand          `json:"brand"`
	Cache *CacheSettings `json:"cache,omitempty"`
}

// LoginMode selects which login methods the front-end offers.
type LoginMode string

const (
	LoginModeEmailPassword LoginMode = "email_password"
	LoginModeSSO           LoginMode = "sso"
	LoginModeBoth          LoginMode = "both"
)

// SSOConfig describes the single sign-on button.
type SSOConfig struct {
	Enabled    bool   `json:"enabled"`
	ButtonText string `json:"buttonText"`
	Endpoint   string `json:"endpoint"`
}

// EmailPasswordConfig describes the email/password login form.
type EmailPasswordConfig struct {
	Enabled       bool `json:"enabled"`
	AllowRegister bool `json:"allowRegister"`
}

// AuthConfig is the response of GET /v1/auth/config.
type AuthConfig struct {
	LoginMode     LoginMode           `json:"loginMode"`
	SSO           SSOConfig           `json:"sso"`
	EmailPassword EmailPasswordConfig `json:"emailPassword"`
}
