// Package vectorcache keeps an in-memory copy of manifest embeddings and
// answers similarity queries with a parallel brute-force cosine scan. It is a
// cache over the durable index, rebuilt by hydration after a restart.
package vectorcache

import (
	"context"
	"hash/fnv"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/opalstore/opal/distance"
	"github.com/opalstore/opal/manifest"
)

// DefaultThreshold is the minimum cosine similarity a candidate must reach
// to appear in search results.
const DefaultThreshold = 0.5

// Source yields the persisted manifests the cache hydrates from. The durable
// index satisfies this.
type Source interface {
	Range(fn func(key string, m *manifest.Manifest) bool)
}

// Result is a single similarity match.
type Result struct {
	Key   string
	Score float32
}

// Options configures a Cache. The zero value is usable.
type Options struct {
	// Threshold overrides DefaultThreshold when > 0.
	Threshold float32

	// Shards overrides the shard count, which defaults to GOMAXPROCS.
	Shards int
}

type shard struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

// Cache holds embeddings partitioned across shards so searches can fan out
// one goroutine per shard.
type Cache struct {
	shards    []*shard
	threshold float32

	ready chan struct{}
	once  sync.Once
	err   error
}

// New creates an empty cache. Call Hydrate to fill it from a Source, or Put
// entries directly. Searches block until hydration completes, so a cache
// that is never hydrated must be marked ready via Hydrate with a nil source.
func New(opts Options) *Cache {
	n := opts.Shards
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{vectors: make(map[string][]float32)}
	}

	return &Cache{
		shards:    shards,
		threshold: threshold,
		ready:     make(chan struct{}),
	}
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[int(h.Sum32())%len(c.shards)]
}

// Put inserts or replaces the embedding for key. An empty vector removes the
// entry. Safe to call concurrently with Search.
func (c *Cache) Put(key string, vector []float32) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(vector) == 0 {
		delete(s.vectors, key)
		return
	}
	s.vectors[key] = slices.Clone(vector)
}

// Remove drops the embedding for key, if present.
func (c *Cache) Remove(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vectors, key)
}

// Len reports the number of cached embeddings.
func (c *Cache) Len() int {
	var n int
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.vectors)
		s.mu.RUnlock()
	}
	return n
}

// Hydrate loads every manifest embedding from src in the background and then
// unblocks pending searches. It returns immediately; a search issued before
// hydration finishes waits rather than observing a partial cache. Calling
// Hydrate more than once is a no-op after the first call.
func (c *Cache) Hydrate(ctx context.Context, src Source) {
	c.once.Do(func() {
		go func() {
			defer close(c.ready)
			if src == nil {
				return
			}
			c.err = c.hydrate(ctx, src)
		}()
	})
}

func (c *Cache) hydrate(ctx context.Context, src Source) error {
	type entry struct {
		key    string
		vector []float32
	}

	entries := make(chan entry, 64)

	g, gctx := errgroup.WithContext(ctx)
	for range c.shards {
		g.Go(func() error {
			for e := range entries {
				s := c.shardFor(e.key)
				s.mu.Lock()
				s.vectors[e.key] = e.vector
				s.mu.Unlock()
			}
			return nil
		})
	}

	src.Range(func(key string, m *manifest.Manifest) bool {
		if len(m.Embedding) == 0 {
			return true
		}
		select {
		case entries <- entry{key: key, vector: slices.Clone(m.Embedding)}:
			return true
		case <-gctx.Done():
			return false
		}
	})
	close(entries)

	if err := g.Wait(); err != nil {
		return err
	}
	// Wait cancels the derived context; only the caller's cancellation
	// makes this hydration partial.
	return ctx.Err()
}

// Search scans all shards in parallel and returns up to limit results with
// cosine similarity at or above the threshold, best first. It blocks until
// hydration has completed.
func (c *Cache) Search(ctx context.Context, query []float32, limit int) ([]Result, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}

	results := make([][]Result, len(c.shards))

	g, _ := errgroup.WithContext(ctx)
	for i, s := range c.shards {
		i, s := i, s
		g.Go(func() error {
			s.mu.RLock()
			defer s.mu.RUnlock()
			var local []Result
			for key, vec := range s.vectors {
				if score := distance.Cosine(query, vec); score >= c.threshold {
					local = append(local, Result{Key: key, Score: score})
				}
			}
			results[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []Result
	for _, r := range results {
		merged = append(merged, r...)
	}
	slices.SortFunc(merged, func(a, b Result) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		return cmpString(a.Key, b.Key)
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
