// Package bbolt provides a BBolt-backed authfront.StateStore.
//
// Each namespace is a bucket, so several front-ends can share one database file
// without seeing each other's state.
package bbolt

import (
	"context"
	"fmt"

	authfront "github.com/chimerakang/authfront-go"
	"go.etcd.io/bbolt"
)

// Store implements authfront.StateStore backed by a BBolt database.
type Store struct {
	db     *bbolt.DB
	bucket []byte
	owned  bool
}

var _ authfront.StateStore = (*Store)(nil)

// New returns a Store over db using namespace as its bucket.
func New(db *bbolt.DB, namespace string) *Store {
	return &Store{db: db, bucket: []byte(namespace)}
}

// Open opens the BBolt database at path and returns a Store for namespace.
// Close releases the database.
func Open(path, namespace string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("authfront/statestore/bbolt: opening %s: %w", path, err)
	}
	s := New(db, namespace)
	s.owned = true
	return s, nil
}

// Close closes the database if the Store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Load implements authfront.StateStore.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return fmt.Errorf("%s/%s: %w", s.bucket, key, authfront.ErrStateNotFound)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", s.bucket, key, authfront.ErrStateNotFound)
		}
		// data is only valid for the life of the transaction.
		out = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save implements authfront.StateStore.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Delete implements authfront.StateStore.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}
