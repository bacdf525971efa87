// Package session provides the token session manager.
//
// The Manager keeps exactly one access credential in memory and renews it from the
// long-lived credential the backend stores out of band (a cookie in the HTTP client's
// jar). Renewal is single-flight: concurrent callers share one physical refresh request.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	authfront "github.com/chimerakang/authfront-go"
	"github.com/chimerakang/authfront-go/audit"
	"github.com/chimerakang/authfront-go/metrics"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// CacheInvalidator drops configuration cached for the current session.
type CacheInvalidator interface {
	Invalidate()
}

// Manager implements authfront.SessionManager.
type Manager struct {
	backend     authfront.AuthBackend
	invalidator CacheInvalidator
	logger      *slog.Logger
	audit       *audit.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	skew        time.Duration

	mu        sync.RWMutex
	token     string
	expiresAt time.Time // zero when unknown
	epoch     uint64    // bumped by every logout
	listeners []func(authenticated bool)

	sf       singleflight.Group
	initOnce sync.Once
}

// compile-time check
var _ authfront.SessionManager = (*Manager)(nil)

// Option configures the Manager.
type Option func(*Manager)

// WithCacheInvalidator sets the collaborator whose cache is dropped on logout.
func WithCacheInvalidator(inv CacheInvalidator) Option {
	return func(m *Manager) { m.invalidator = inv }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithAudit sets the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(m *Manager) { m.audit = a }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRefreshSkew sets how long before its known expiry a token is renewed
// proactively. Default: 30 seconds.
func WithRefreshSkew(d time.Duration) Option {
	return func(m *Manager) { m.skew = d }
}

// New creates a session manager backed by backend.
func New(backend authfront.AuthBackend, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		now:     time.Now,
		skew:    authfront.DefaultTokenRefreshSkew,
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return m
}

// Subscribe registers fn to be called whenever the authenticated status changes.
func (m *Manager) Subscribe(fn func(authenticated bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// AccessToken returns the current access credential, or "" when logged out.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// IsAuthenticated reports whether an access credential is held.
func (m *Manager) IsAuthenticated() bool {
	return m.AccessToken() != ""
}

// ExpiresAt returns the known expiry of the current token, or the zero time.
func (m *Manager) ExpiresAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiresAt
}

// Login replaces the current access credential unconditionally.
// expiresIn is in seconds; when zero the expiry is read from the token's
// "exp" claim if the token is a JWT, and left unknown otherwise.
func (m *Manager) Login(accessToken string, expiresIn int) {
	m.store(accessToken, expiresIn, anyEpoch)
	m.metrics.RecordLogin("login")
	m.audit.Log(audit.Event{Action: audit.ActionLogin, Result: audit.ResultSuccess})
}

const anyEpoch = ^uint64(0)

// store sets the token unless epoch is stale, i.e. a logout happened since the
// caller read it.
func (m *Manager) store(accessToken string, expiresIn int, epoch uint64) bool {
	var expiresAt time.Time
	if expiresIn > 0 {
		expiresAt = m.now().Add(time.Duration(expiresIn) * time.Second)
	} else {
		expiresAt = tokenExpiry(accessToken)
	}

	m.mu.Lock()
	if epoch != anyEpoch && epoch != m.epoch {
		m.mu.Unlock()
		return false
	}
	was := m.token != ""
	m.token = accessToken
	m.expiresAt = expiresAt
	listeners := m.listeners
	m.mu.Unlock()

	m.changed(was, accessToken != "", listeners)
	return true
}

// Logout invalidates the long-lived credential on the server (best effort) and
// clears the access credential regardless of the outcome. It never fails.
func (m *Manager) Logout(ctx context.Context, clearDependentCaches bool) {
	err := m.backend.Logout(ctx)
	if err != nil {
		m.logger.Warn("server logout failed, clearing local session anyway", "error", err)
	}
	m.metrics.RecordLogout(err == nil)

	m.clear()

	if clearDependentCaches && m.invalidator != nil {
		m.invalidator.Invalidate()
	}
	m.audit.Record(ctx, audit.ActionLogout, "", "", err)
}

func (m *Manager) clear() {
	m.mu.Lock()
	was := m.token != ""
	m.token = ""
	m.expiresAt = time.Time{}
	m.epoch++
	listeners := m.listeners
	m.mu.Unlock()

	m.changed(was, false, listeners)
}

func (m *Manager) changed(was, is bool, listeners []func(bool)) {
	m.metrics.SetAuthenticated(is)
	if was == is {
		return
	}
	for _, fn := range listeners {
		fn(is)
	}
}

// RefreshAccessToken renews the access credential. Any failure, including a
// network error, logs the session out and returns an error wrapping
// authfront.ErrSessionExpired.
func (m *Manager) RefreshAccessToken(ctx context.Context) error {
	_, err := m.refresh(ctx)
	return err
}

// InitializeAuth attempts one silent renewal at startup when no token is held.
// Later calls do nothing. It returns whether the session is authenticated.
func (m *Manager) InitializeAuth(ctx context.Context) bool {
	m.initOnce.Do(func() {
		if m.IsAuthenticated() {
			return
		}
		if err := m.RefreshAccessToken(ctx); err != nil {
			m.logger.Debug("no session to resume", "error", err)
		}
	})
	return m.IsAuthenticated()
}

// Token returns the access credential to attach to an outgoing request.
// A token known to be within the refresh skew of its expiry is renewed first.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	token, expiresAt := m.token, m.expiresAt
	m.mu.RUnlock()

	if token == "" || expiresAt.IsZero() || m.now().Add(m.skew).Before(expiresAt) {
		return token, nil
	}
	return m.refresh(ctx)
}

// Renew is called by the transport after a request dispatched with stale was
// rejected. If a newer token was stored in the meantime it is returned without a
// network call; otherwise the caller joins the in-flight renewal or starts it.
func (m *Manager) Renew(ctx context.Context, stale string) (string, error) {
	if current := m.AccessToken(); current != "" && current != stale {
		m.metrics.RecordRenewalWait("reused")
		return current, nil
	}
	return m.refresh(ctx)
}

type refreshResult struct {
	token string
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	// The shared call must outlive any single waiter's context.
	shared := context.WithoutCancel(ctx)
	ch := m.sf.DoChan("refresh", func() (any, error) {
		return m.doRefresh(shared)
	})

	select {
	case res := <-ch:
		if res.Shared {
			m.metrics.RecordRenewalWait("shared")
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(refreshResult).token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) doRefresh(ctx context.Context) (refreshResult, error) {
	m.mu.RLock()
	epoch := m.epoch
	m.mu.RUnlock()

	start := m.now()
	tok, err := m.backend.Refresh(ctx)
	elapsed := m.now().Sub(start).Seconds()

	if err == nil && (tok == nil || tok.AccessToken == "") {
		err = errors.New("empty access token in refresh response")
	}
	if err != nil {
		m.metrics.RecordRefresh("failure", elapsed)
		m.logger.Info("token renewal failed, logging out", "error", err)
		m.Logout(ctx, true)
		m.audit.Record(ctx, audit.ActionRefresh, "", "", err)
		return refreshResult{}, fmt.Errorf("authfront/session: %w: %w", authfront.ErrSessionExpired, err)
	}
	m.metrics.RecordRefresh("success", elapsed)

	if !m.store(tok.AccessToken, tok.ExpiresIn, epoch) {
		// A logout raced with this renewal; do not resurrect the session.
		err := errors.New("logged out during renewal")
		m.audit.Record(ctx, audit.ActionRefresh, "", "", err)
		return refreshResult{}, fmt.Errorf("authfront/session: %w: %w", authfront.ErrSessionExpired, err)
	}
	m.metrics.RecordLogin("refresh")
	m.audit.Record(ctx, audit.ActionRefresh, "", "", nil)
	return refreshResult{token: tok.AccessToken}, nil
}

// tokenExpiry reads the "exp" claim of a JWT without verifying it. Opaque tokens
// yield the zero time.
func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
