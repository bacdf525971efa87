// Package authfront provides a Go SDK for an authentication front-end driven by a REST backend.
//
// The SDK covers login, registration, email verification, password reset, session/token
// handling and branding configuration. The two stateful parts are the session manager,
// which keeps the access credential in memory and renews it transparently, and the
// verification flow tracker, which persists an in-progress signup or password reset so
// it survives a restart. Concrete implementations are injected via Option functions;
// frontend.New wires the HTTP stack.
//
// Example usage:
//
//	client, err := frontend.New(ctx,
//	    authfront.Config{BaseURL: "https://auth.example.com"},
//	    frontend.WithStateStore(store),
//	)
//	if err != nil { ... }
//	defer client.Close()
//
//	client.Initialize(ctx)
//	err = client.Login(ctx, "admin@atlas.com", "admin123")
package authfront

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Client is the main entry point for front-end authentication.
// Service implementations are injected via Option functions.
type Client struct {
	config   Config
	logger   *slog.Logger
	auth     AuthBackend
	sessions SessionManager
	flows    FlowTracker
	settings ConfigProvider
	closers  []io.Closer
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithAuthBackend sets the backend used for password login.
func WithAuthBackend(b AuthBackend) Option {
	return func(c *Client) { c.auth = b }
}

// WithSessionManager sets the session manager implementation.
func WithSessionManager(s SessionManager) Option {
	return func(c *Client) { c.sessions = s }
}

// WithFlowTracker sets the verification flow tracker implementation.
func WithFlowTracker(f FlowTracker) Option {
	return func(c *Client) { c.flows = f }
}

// WithConfigProvider sets the configuration provider implementation.
func WithConfigProvider(p ConfigProvider) Option {
	return func(c *Client) { c.settings = p }
}

// WithCloser registers a resource released by Close, such as a state store or
// audit logger that is not itself one of the injected services.
func WithCloser(cl io.Closer) Option {
	return func(c *Client) { c.closers = append(c.closers, cl) }
}

// NewClient creates a new Client with the given configuration and options.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("authfront: BaseURL is required")
	}
	cfg = cfg.WithDefaults()

	c := &Client{config: cfg}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config { return c.config }

// Sessions returns the session manager, or nil if not configured.
func (c *Client) Sessions() SessionManager { return c.sessions }

// Flows returns the verification flow tracker, or nil if not configured.
func (c *Client) Flows() FlowTracker { return c.flows }

// Settings returns the configuration provider, or nil if not configured.
func (c *Client) Settings() ConfigProvider { return c.settings }

// Initialize silently resumes a session from the long-lived credential.
// It returns whether the client is authenticated afterwards.
func (c *Client) Initialize(ctx context.Context) bool {
	if c.sessions == nil {
		return false
	}
	return c.sessions.InitializeAuth(ctx)
}

// IsAuthenticated reports whether an access credential is held.
func (c *Client) IsAuthenticated() bool {
	return c.sessions != nil && c.sessions.IsAuthenticated()
}

// Login authenticates with email and password and stores the access credential.
// Nothing is stored when the server rejects the credentials.
func (c *Client) Login(ctx context.Context, email, password string) error {
	if c.auth == nil || c.sessions == nil {
		return fmt.Errorf("authfront: auth backend and session manager are required for login")
	}
	tok, err := c.auth.Login(ctx, LoginRequest{Email: email, Password: password})
	if err != nil {
		return fmt.Errorf("authfront: login: %w", err)
	}
	c.sessions.Login(tok.AccessToken, tok.ExpiresIn)
	c.logger.Info("logged in", "email", email)
	return nil
}

// Logout ends the session and drops cached configuration.
func (c *Client) Logout(ctx context.Context) {
	if c.sessions == nil {
		return
	}
	c.sessions.Logout(ctx, true)
}

// Verify completes the active verification flow and applies its outcome:
// a signup logs the new account in, a forgot-password flow is collapsed to
// the email and reset token needed by ResetPassword.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if c.flows == nil {
		return nil, fmt.Errorf("authfront: flow tracker not configured")
	}
	res, err := c.flows.Verify(ctx, req)
	if err != nil {
		return nil, err
	}
	flow := res.Flow
	if flow == FlowNone {
		flow = req.Flow
	}

	switch flow {
	case FlowSignup:
		if res.AccessToken == "" {
			return nil, fmt.Errorf("authfront: signup verified without an access credential")
		}
		if c.sessions != nil {
			c.sessions.Login(res.AccessToken, res.ExpiresIn)
		}
		c.flows.CleanupAfterVerification(false)
	case FlowForgotPassword:
		c.flows.CleanupAfterVerification(true)
	}
	return res, nil
}

// Close releases all resources held by the client.
// Any injected service that implements io.Closer will be closed.
func (c *Client) Close() error {
	services := []any{c.auth, c.sessions, c.flows, c.settings}
	var firstErr error
	for _, svc := range services {
		if cl, ok := svc.(io.Closer); ok && cl != nil {
			if err := cl.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
