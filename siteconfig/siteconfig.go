// Package siteconfig caches the branding and auth configuration served by the backend.
//
// Entries live for the duration the global configuration advertises in its
// "cache" field, or a fixed default when it does not. Concurrent misses share one
// fetch. Logout calls Invalidate so the next session sees fresh configuration.
package siteconfig

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	authfront "github.com/chimerakang/authfront-go"
	"github.com/chimerakang/authfront-go/metrics"
	"golang.org/x/sync/singleflight"
)

// Cache implements authfront.ConfigProvider.
type Cache struct {
	backend authfront.ConfigBackend
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	global    *authfront.GlobalConfig
	globalExp time.Time
	auth      *authfront.AuthConfig
	authExp   time.Time
	gen       uint64 // bumped by Invalidate

	sf singleflight.Group
}

// compile-time check
var _ authfront.ConfigProvider = (*Cache)(nil)

// Option configures the Cache.
type Option func(*Cache)

// WithDefaultTTL sets the lifetime used when the server sends no cache duration.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a configuration cache over backend.
func New(backend authfront.ConfigBackend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		ttl:     authfront.DefaultConfigCacheTTL,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Global returns the global configuration, fetching it on a miss.
func (c *Cache) Global(ctx context.Context) (*authfront.GlobalConfig, error) {
	c.mu.RLock()
	if c.global != nil && c.now().Before(c.globalExp) {
		g := c.global
		c.mu.RUnlock()
		c.metrics.RecordCacheHit("global")
		return g, nil
	}
	gen := c.gen
	c.mu.RUnlock()
	c.metrics.RecordCacheMiss("global")

	v, err, _ := c.sf.Do("global", func() (any, error) {
		g, err := c.backend.GlobalConfig(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if gen == c.gen {
			c.global = g
			c.globalExp = c.now().Add(c.lifetimeLocked())
		}
		c.mu.Unlock()
		return g, nil
	})
	if err != nil {
		return nil, fmt.Errorf("authfront/siteconfig: global config: %w", err)
	}
	return v.(*authfront.GlobalConfig), nil
}

// Auth returns the auth configuration, fetching it on a miss.
func (c *Cache) Auth(ctx context.Context) (*authfront.AuthConfig, error) {
	c.mu.RLock()
	if c.auth != nil && c.now().Before(c.authExp) {
		a := c.auth
		c.mu.RUnlock()
		c.metrics.RecordCacheHit("auth")
		return a, nil
	}
	gen := c.gen
	c.mu.RUnlock()
	c.metrics.RecordCacheMiss("auth")

	v, err, _ := c.sf.Do("auth", func() (any, error) {
		a, err := c.backend.AuthConfig(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if gen == c.gen {
			c.auth = a
			c.authExp = c.now().Add(c.lifetimeLocked())
		}
		c.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("authfront/siteconfig: auth config: %w", err)
	}
	return v.(*authfront.AuthConfig), nil
}

// Invalidate drops both entries. A fetch in flight when Invalidate is called
// still answers its callers but is not cached.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.global, c.auth = nil, nil
	c.globalExp, c.authExp = time.Time{}, time.Time{}
	c.gen++
	c.mu.Unlock()
	c.sf.Forget("global")
	c.sf.Forget("auth")
	c.logger.Debug("configuration cache invalidated")
}

// lifetimeLocked returns the cache duration advertised by the cached global
// configuration, or the default.
func (c *Cache) lifetimeLocked() time.Duration {
	if c.global != nil && c.global.Cache != nil && c.global.Cache.Duration > 0 {
		return time.Duration(c.global.Cache.Duration) * time.Second
	}
	return c.ttl
}
