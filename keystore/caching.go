package keystore

import (
	"context"
	"slices"
	"sync"
)

// Caching decorates a KeyStore with a process-lifetime per-id cache.
//
// The cache is append-only: once a key id resolves, the bytes are never
// re-fetched. There is no invalidation path in this core; key rotation
// produces new ids rather than new bytes under an old id.
type Caching struct {
	inner KeyStore
	keys  sync.Map // id -> []byte
}

// NewCaching wraps inner with a key cache.
func NewCaching(inner KeyStore) *Caching {
	return &Caching{inner: inner}
}

// CurrentKeyID implements KeyStore. The current id is never cached; it can
// move as the external store rotates keys.
func (c *Caching) CurrentKeyID(ctx context.Context) (string, error) {
	return c.inner.CurrentKeyID(ctx)
}

// Key implements KeyStore, consulting the cache first.
func (c *Caching) Key(ctx context.Context, id string) ([]byte, error) {
	if v, ok := c.keys.Load(id); ok {
		return slices.Clone(v.([]byte)), nil
	}
	key, err := c.inner.Key(ctx, id)
	if err != nil {
		return nil, err
	}
	actual, _ := c.keys.LoadOrStore(id, slices.Clone(key))
	return slices.Clone(actual.([]byte)), nil
}
