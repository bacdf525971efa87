// Package redis provides a Redis-backed authfront.StateStore.
//
// Keys are stored as "<prefix>:<namespace>:<key>". An optional TTL bounds how
// long abandoned state survives in Redis; the tracker enforces its own expiry
// regardless.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	authfront "github.com/chimerakang/authfront-go"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "authfront"

// Store implements authfront.StateStore backed by Redis.
type Store struct {
	redis     *redis.Client
	prefix    string
	namespace string
	ttl       time.Duration
}

var _ authfront.StateStore = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithPrefix sets the key prefix. Default: "authfront".
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// WithTTL sets the expiry of saved keys. Zero keeps them until deleted.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// New returns a Store over client for namespace.
func New(client *redis.Client, namespace string, opts ...Option) *Store {
	s := &Store{redis: client, prefix: defaultPrefix, namespace: namespace}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) key(k string) string {
	return s.prefix + ":" + s.namespace + ":" + k
}

// Load implements authfront.StateStore.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.redis.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("authfront/statestore/redis: %s: %w", key, authfront.ErrStateNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("authfront/statestore/redis: load %s: %w", key, err)
	}
	return data, nil
}

// Save implements authfront.StateStore.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	if err := s.redis.Set(ctx, s.key(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("authfront/statestore/redis: save %s: %w", key, err)
	}
	return nil
}

// Delete implements authfront.StateStore.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("authfront/statestore/redis: delete %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.redis.Close()
}
