// Package statestore provides authfront.StateStore implementations.
//
// Memory keeps values for the life of the process and is what a single
// front-end instance uses when no durable store is configured. The bbolt and
// redis sub-packages persist across restarts.
package statestore

import (
	"context"
	"fmt"
	"sync"

	authfront "github.com/chimerakang/authfront-go"
)

// Memory is an in-process authfront.StateStore.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// compile-time check
var _ authfront.StateStore = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Load implements authfront.StateStore.
func (m *Memory) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("authfront/statestore: %s: %w", key, authfront.ErrStateNotFound)
	}
	return clone(v), nil
}

// Save implements authfront.StateStore.
func (m *Memory) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = clone(data)
	return nil
}

// Delete implements authfront.StateStore.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
