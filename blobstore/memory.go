package blobstore

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// Memory is an in-memory Backend implementation for testing.
// Thread-safe for concurrent reads and writes.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte

	saves atomic.Int64
}

// NewMemory creates a new in-memory backend.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Save implements Backend.
func (m *Memory) Save(_ context.Context, uri string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.blobs[uri] = data
	m.mu.Unlock()
	m.saves.Add(1)
	return nil
}

// Load implements Backend.
func (m *Memory) Load(_ context.Context, uri string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[uri]
	if !ok {
		return nil, ErrNotFound
	}

	// Copy so later overwrites never leak into an open reader.
	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

// Exists implements Backend.
func (m *Memory) Exists(_ context.Context, uri string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[uri]
	return ok, nil
}

// Delete implements Backend.
func (m *Memory) Delete(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, uri)
	return nil
}

// SaveCount returns the number of Save calls. Test observability only.
func (m *Memory) SaveCount() int64 { return m.saves.Load() }

// Len returns the number of stored blobs. Test observability only.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
