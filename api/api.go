// Package api implements the authfront backend interfaces over the REST API.
//
// Every response is wrapped in a {code, message, reason, data} envelope. A
// response with code != 200 is returned as *authfront.APIError; a request that
// received no response is returned wrapping authfront.ErrNetwork.
//
// Usage:
//
//	c := api.New("https://auth.example.com", api.WithHTTPClient(httpClient))
//	tok, err := c.Login(ctx, authfront.LoginRequest{Email: email, Password: pw})
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	authfront "github.com/chimerakang/authfront-go"
	"github.com/chimerakang/authfront-go/audit"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Endpoint paths, relative to the base URL.
const (
	PathLogin                  = "/v1/auth/login/email-password"
	PathRefresh                = "/v1/auth/refresh"
	PathLogout                 = "/v1/auth/logout"
	PathSignup                 = "/v1/auth/signup/using-email"
	PathSendVerificationCode   = "/v1/auth/send-verification-code"
	PathResendVerificationCode = "/v1/auth/resend-verification-code"
	PathVerifyCode             = "/v1/auth/verify-code"
	PathVerifyToken            = "/v1/auth/verify-token"
	PathResetPassword          = "/v1/auth/reset-password"
	PathGlobalConfig           = "/v1/config"
	PathAuthConfig             = "/v1/auth/config"
	PathMe                     = "/v1/auth/me"
)

// RequestIDHeader carries the request correlation ID.
const RequestIDHeader = "X-Request-ID"

// Envelope is the wire wrapper of every response.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Reason  string          `json:"reason,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Client is the REST client.
type Client struct {
	baseURL  string
	http     *http.Client
	validate *validator.Validate
}

// compile-time checks
var (
	_ authfront.AuthBackend         = (*Client)(nil)
	_ authfront.VerificationBackend = (*Client)(nil)
	_ authfront.ConfigBackend       = (*Client)(nil)
)

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. It should carry a cookie jar so the
// long-lived credential set by login is sent on refresh and logout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a REST client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: authfront.DefaultTimeout}
	}
	return c
}

// Login implements authfront.AuthBackend.
func (c *Client) Login(ctx context.Context, req authfront.LoginRequest) (*authfront.Token, error) {
	if err := c.check(req); err != nil {
		return nil, err
	}
	var tok authfront.Token
	if err := c.do(ctx, http.MethodPost, PathLogin, req, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// Refresh implements authfront.AuthBackend.
func (c *Client) Refresh(ctx context.Context) (*authfront.Token, error) {
	var tok authfront.Token
	if err := c.do(ctx, http.MethodPost, PathRefresh, nil, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// Logout implements authfront.AuthBackend.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, PathLogout, nil, nil)
}

type verificationTokenData struct {
	VerificationToken string `json:"verificationToken"`
}

// SignupUsingEmail implements authfront.VerificationBackend.
func (c *Client) SignupUsingEmail(ctx context.Context, req authfront.SignupRequest) (string, error) {
	if err := c.check(req); err != nil {
		return "", err
	}
	var out verificationTokenData
	if err := c.do(ctx, http.MethodPost, PathSignup, req, &out); err != nil {
		return "", err
	}
	return out.VerificationToken, nil
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// SendVerificationCode implements authfront.VerificationBackend. It starts the
// forgot-password flow.
func (c *Client) SendVerificationCode(ctx context.Context, email string) (string, error) {
	req := emailRequest{Email: email}
	if err := c.check(req); err != nil {
		return "", err
	}
	var out verificationTokenData
	if err := c.do(ctx, http.MethodPost, PathSendVerificationCode, req, &out); err != nil {
		return "", err
	}
	return out.VerificationToken, nil
}

type resendRequest struct {
	Email                string             `json:"email" validate:"required,email"`
	Type                 authfront.FlowType `json:"type" validate:"required"`
	OldVerificationToken string             `json:"oldVerificationToken" validate:"required"`
}

// ResendVerificationCode implements authfront.VerificationBackend.
func (c *Client) ResendVerificationCode(ctx context.Context, email string, flow authfront.FlowType, oldToken string) (string, error) {
	req := resendRequest{Email: email, Type: flow, OldVerificationToken: oldToken}
	if err := c.check(req); err != nil {
		return "", err
	}
	var out verificationTokenData
	if err := c.do(ctx, http.MethodPost, PathResendVerificationCode, req, &out); err != nil {
		return "", err
	}
	return out.VerificationToken, nil
}

type verifyCodeRequest struct {
	VerificationToken string             `json:"verificationToken" validate:"required"`
	Code              string             `json:"code" validate:"required"`
	Type              authfront.FlowType `json:"type" validate:"required"`
}

// VerifyCode implements authfront.VerificationBackend.
func (c *Client) VerifyCode(ctx context.Context, verificationToken, code string, flow authfront.FlowType) (*authfront.VerifyResult, error) {
	req := verifyCodeRequest{VerificationToken: verificationToken, Code: code, Type: flow}
	if err := c.check(req); err != nil {
		return nil, err
	}
	var out authfront.VerifyResult
	if err := c.do(ctx, http.MethodPost, PathVerifyCode, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type verifyTokenRequest struct {
	Token string             `json:"token" validate:"required"`
	Type  authfront.FlowType `json:"type" validate:"required"`
}

// VerifyToken implements authfront.VerificationBackend.
func (c *Client) VerifyToken(ctx context.Context, token string, flow authfront.FlowType) (*authfront.VerifyResult, error) {
	req := verifyTokenRequest{Token: token, Type: flow}
	if err := c.check(req); err != nil {
		return nil, err
	}
	var out authfront.VerifyResult
	if err := c.do(ctx, http.MethodPost, PathVerifyToken, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetPassword implements authfront.VerificationBackend.
func (c *Client) ResetPassword(ctx context.Context, req authfront.ResetPasswordRequest) error {
	if err := c.check(req); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, PathResetPassword, req, nil)
}

// GlobalConfig implements authfront.ConfigBackend.
func (c *Client) GlobalConfig(ctx context.Context) (*authfront.GlobalConfig, error) {
	var out authfront.GlobalConfig
	if err := c.do(ctx, http.MethodGet, PathGlobalConfig, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuthConfig implements authfront.ConfigBackend.
func (c *Client) AuthConfig(ctx context.Context) (*authfront.AuthConfig, error) {
	var out authfront.AuthConfig
	if err := c.do(ctx, http.MethodGet, PathAuthConfig, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me returns the profile of the authenticated account.
func (c *Client) Me(ctx context.Context) (*authfront.User, error) {
	var out authfront.User
	if err := c.do(ctx, http.MethodGet, PathMe, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) check(req any) error {
	if err := c.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
			}
			return fmt.Errorf("authfront/api: %w: %s", authfront.ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("authfront/api: %w: %w", authfront.ErrValidation, err)
	}
	return nil
}

// do sends one request and decodes the envelope's data into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("authfront/api: encode %s: %w", path, err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("authfront/api: build %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	id := audit.RequestID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	req.Header.Set(RequestIDHeader, id)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, authfront.ErrSessionExpired) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("authfront/api: %s: %w", path, err)
		}
		return fmt.Errorf("authfront/api: %s: %w: %w", path, authfront.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("authfront/api: %s: %w: %w", path, authfront.ErrNetwork, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return fmt.Errorf("authfront/api: decode %s: %w", path, err)
		}
		return &authfront.APIError{Code: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if env.Code == 0 {
		env.Code = resp.StatusCode
	}
	if env.Code != http.StatusOK {
		return &authfront.APIError{Code: env.Code, Message: env.Message, Reason: env.Reason}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("authfront/api: decode %s: %w", path, err)
	}
	return nil
}
