// Package frontend wires the HTTP implementation of the authfront services.
//
// New builds one http.Client whose cookie jar carries the long-lived credential
// and whose transport attaches and renews the access credential, then connects
// the session manager, the verification tracker and the configuration cache to
// the typed REST client:
//
//	client, err := frontend.New(ctx, authfront.Config{BaseURL: url},
//	    frontend.WithStateStore(store),
//	)
//	if err != nil { ... }
//	defer client.Close()
//
//	client.Initialize(ctx)
package frontend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	authfront "github.com/chimerakang/authfront-go"
	"github.com/chimerakang/authfront-go/api"
	"github.com/chimerakang/authfront-go/audit"
	"github.com/chimerakang/authfront-go/metrics"
	"github.com/chimerakang/authfront-go/session"
	"github.com/chimerakang/authfront-go/siteconfig"
	"github.com/chimerakang/authfront-go/transport"
	"github.com/chimerakang/authfront-go/verification"
	"golang.org/x/net/publicsuffix"
)

type options struct {
	store   authfront.StateStore
	logger  *slog.Logger
	audit   *audit.Logger
	metrics *metrics.Metrics
	base    http.RoundTripper
	jar     http.CookieJar
	now     func() time.Time
	closers []io.Closer
}

// Option configures New.
type Option func(*options)

// WithStateStore sets the durable store the verification tracker persists to.
// Without one the flow lives in memory only.
func WithStateStore(s authfront.StateStore) Option {
	return func(o *options) { o.store = s }
}

// WithLogger sets the structured logger shared by every service.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAudit sets the audit logger. It is closed with the client.
func WithAudit(a *audit.Logger) Option {
	return func(o *options) {
		o.audit = a
		o.closers = append(o.closers, a)
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBaseTransport sets the round tripper below the credential transport.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.base = rt }
}

// WithCookieJar sets the jar holding the long-lived credential. Sharing a jar
// between clients shares the browser-style cookie session.
func WithCookieJar(jar http.CookieJar) Option {
	return func(o *options) { o.jar = jar }
}

// WithClock overrides the time source of the session manager, the tracker and
// the configuration cache.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCloser registers a resource released by Close, such as the state store.
func WithCloser(c io.Closer) Option {
	return func(o *options) { o.closers = append(o.closers, c) }
}

// Client is an authfront.Client backed by the REST API.
type Client struct {
	*authfront.Client

	api      *api.Client
	sessions *session.Manager
	flows    *verification.Tracker
	settings *siteconfig.Cache
}

// New builds a Client for cfg.BaseURL and restores any saved verification flow.
// It does not contact the server; call Initialize to resume a session.
func New(ctx context.Context, cfg authfront.Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("authfront/frontend: BaseURL is required")
	}
	cfg = cfg.WithDefaults()

	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("authfront/frontend: cookie jar: %w", err)
		}
		o.jar = jar
	}

	tr := &transport.Transport{
		Base:    o.base,
		Logger:  o.logger.With("component", "transport"),
		Metrics: o.metrics,
	}
	hc := &http.Client{Transport: tr, Jar: o.jar, Timeout: cfg.Timeout}
	backend := api.New(cfg.BaseURL, api.WithHTTPClient(hc))

	settings := siteconfig.New(backend,
		siteconfig.WithDefaultTTL(cfg.ConfigCacheTTL),
		siteconfig.WithClock(o.now),
		siteconfig.WithLogger(o.logger.With("component", "siteconfig")),
		siteconfig.WithMetrics(o.metrics),
	)
	sessions := session.New(backend,
		session.WithCacheInvalidator(settings),
		session.WithRefreshSkew(cfg.TokenRefreshSkew),
		session.WithClock(o.now),
		session.WithLogger(o.logger.With("component", "session")),
		session.WithAudit(o.audit),
		session.WithMetrics(o.metrics),
	)
	tr.Session = sessions

	flows := verification.New(backend, o.store,
		verification.WithTTL(cfg.VerificationTTL),
		verification.WithCooldown(cfg.ResendCooldown),
		verification.WithClock(o.now),
		verification.WithLogger(o.logger.With("component", "verification")),
		verification.WithAudit(o.audit),
		verification.WithMetrics(o.metrics),
	)
	if err := flows.Restore(ctx); err != nil {
		// The tracker starts Idle; the saved flow is left in the store.
		o.logger.Warn("could not restore verification flow", "error", err)
	}

	clientOpts := []authfront.Option{
		authfront.WithLogger(o.logger),
		authfront.WithAuthBackend(backend),
		authfront.WithSessionManager(sessions),
		authfront.WithFlowTracker(flows),
		authfront.WithConfigProvider(settings),
	}
	for _, c := range o.closers {
		clientOpts = append(clientOpts, authfront.WithCloser(c))
	}
	core, err := authfront.NewClient(cfg, clientOpts...)
	if err != nil {
		return nil, err
	}

	return &Client{
		Client:   core,
		api:      backend,
		sessions: sessions,
		flows:    flows,
		settings: settings,
	}, nil
}

// API returns the typed REST client. Its requests carry the access credential.
func (c *Client) API() *api.Client { return c.api }

// Session returns the session manager.
func (c *Client) Session() *session.Manager { return c.sessions }

// Tracker returns the verification flow tracker.
func (c *Client) Tracker() *verification.Tracker { return c.flows }

// Cache returns the configuration cache.
func (c *Client) Cache() *siteconfig.Cache { return c.settings }

// Me returns the profile of the authenticated account.
func (c *Client) Me(ctx context.Context) (*authfront.User, error) {
	u, err := c.api.Me(ctx)
	if err != nil {
		return nil, fmt.Errorf("authfront/frontend: me: %w", err)
	}
	return u, nil
}
