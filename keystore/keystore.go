// Package keystore defines how the engine obtains encryption key material.
//
// The engine only ever consumes a key-by-id lookup; rotation, wrapping, and
// distribution belong to an external key-management system behind the
// KeyStore contract.
package keystore

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrKeyNotFound is returned when no key exists for the requested id.
var ErrKeyNotFound = errors.New("keystore: key not found")

// KeyStore provides encryption key material by id.
type KeyStore interface {
	// CurrentKeyID returns the id of the key new writes should encrypt with.
	CurrentKeyID(ctx context.Context) (string, error)
	// Key returns the raw key bytes for the given id.
	Key(ctx context.Context, id string) ([]byte, error)
}

// Memory is an in-memory KeyStore for tests and embedded use.
type Memory struct {
	mu      sync.RWMutex
	keys    map[string][]byte
	current string
}

// NewMemory creates an empty in-memory key store.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string][]byte)}
}

// SetKey registers key bytes under id and makes it the current key.
func (m *Memory) SetKey(id string, key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[id] = slices.Clone(key)
	m.current = id
}

// CurrentKeyID implements KeyStore.
func (m *Memory) CurrentKeyID(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == "" {
		return "", ErrKeyNotFound
	}
	return m.current, nil
}

// Key implements KeyStore.
func (m *Memory) Key(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(key), nil
}
