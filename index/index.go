// Package index implements the write-ahead-logged metadata index: a
// concurrent key-to-manifest map whose every mutation is durable on return,
// with periodic snapshots bounding WAL growth and a replay path that
// reconstructs the map after a crash.
package index

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opalstore/opal/codec"
	"github.com/opalstore/opal/internal/fs"
	"github.com/opalstore/opal/manifest"
)

// Options configures an Index.
type Options struct {
	// Dir is the directory holding the WAL and snapshot files.
	Dir string
	// FS overrides the filesystem (fault injection in tests). Default local.
	FS fs.FileSystem
	// Codec encodes WAL payloads and snapshots. Default codec.Default.
	Codec codec.Codec
	// FlushInterval is the snapshot cadence. Default 5s.
	FlushInterval time.Duration
	// Logger receives flush and recovery events. Default slog.Default().
	Logger *slog.Logger
}

// Index is a concurrent map of key -> Manifest backed by a WAL and snapshot.
//
// The in-memory map is always authoritative: a failing disk degrades
// crash-recovery durability (surfaced via Healthy), never live reads/writes.
type Index struct {
	opts Options

	entries sync.Map // string -> *manifest.Manifest
	wal     *wal
	dirty   atomic.Bool

	healthMu  sync.Mutex
	healthErr error

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Open creates or opens an index in opts.Dir. Call Rebuild before serving
// reads if prior state may exist.
func Open(opts Options) (*Index, error) {
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := opts.FS.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	w, err := openWAL(opts.FS, filepath.Join(opts.Dir, walFileName))
	if err != nil {
		return nil, err
	}

	idx := &Index{
		opts: opts,
		wal:  w,
		done: make(chan struct{}),
	}

	idx.wg.Add(1)
	go idx.flushLoop()

	return idx, nil
}

// Upsert stores the manifest under key. When Upsert returns, the entry is
// durable: the WAL append completed and synced before the call returned,
// independent of the snapshot cycle.
func (i *Index) Upsert(key string, m *manifest.Manifest) error {
	payload, err := i.opts.Codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	i.entries.Store(key, m.Clone())

	if err := i.wal.Append(record{Op: opUpsert, Key: key, Payload: payload}); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}
	i.dirty.Store(true)
	return nil
}

// Remove deletes the entry under key.
func (i *Index) Remove(key string) error {
	i.entries.Delete(key)

	if err := i.wal.Append(record{Op: opRemove, Key: key}); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}
	i.dirty.Store(true)
	return nil
}

// Get returns a copy of the manifest under key.
func (i *Index) Get(key string) (*manifest.Manifest, bool) {
	v, ok := i.entries.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*manifest.Manifest).Clone(), true
}

// Touch updates LastAccessedAt for key in place. Access times are snapshot
// state only; they are deliberately not WAL-logged.
func (i *Index) Touch(key string) {
	v, ok := i.entries.Load(key)
	if !ok {
		return
	}
	m := v.(*manifest.Manifest).Clone()
	m.Touch()
	i.entries.Store(key, m)
	i.dirty.Store(true)
}

// Range calls fn with a copy of every entry until fn returns false.
func (i *Index) Range(fn func(key string, m *manifest.Manifest) bool) {
	i.entries.Range(func(k, v any) bool {
		return fn(k.(string), v.(*manifest.Manifest).Clone())
	})
}

// Len returns the number of live entries.
func (i *Index) Len() int {
	n := 0
	i.entries.Range(func(any, any) bool { n++; return true })
	return n
}

// Rebuild restores the map from the last snapshot plus WAL replay, in file
// order. A truncated or corrupt trailing WAL record (crash mid-append) is
// skipped, not fatal. Startup only; not safe concurrently with writes.
func (i *Index) Rebuild() error {
	entries, err := loadSnapshot(i.opts.FS, filepath.Join(i.opts.Dir, snapshotFileName), i.opts.Codec)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	for k, m := range entries {
		i.entries.Store(k, m)
	}

	replayed := 0
	err = i.wal.Replay(func(rec record) error {
		switch rec.Op {
		case opUpsert:
			var m manifest.Manifest
			if err := i.opts.Codec.Unmarshal(rec.Payload, &m); err != nil {
				return fmt.Errorf("decode manifest for %q: %w", rec.Key, err)
			}
			i.entries.Store(rec.Key, &m)
		case opRemove:
			i.entries.Delete(rec.Key)
		}
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("wal replay: %w", err)
	}

	i.opts.Logger.Info("index rebuilt",
		"snapshot_entries", len(entries),
		"wal_records", replayed,
		"live_entries", i.Len(),
	)
	return nil
}

// Search is a naive case-insensitive substring match over ContentSummary and
// tag keys. A fallback, not a scalable search path.
func (i *Index) Search(query string, limit int) []*manifest.Manifest {
	q := strings.ToLower(query)
	var out []*manifest.Manifest

	i.entries.Range(func(_, v any) bool {
		m := v.(*manifest.Manifest)
		if matchesSubstring(m, q) {
			out = append(out, m.Clone())
		}
		return limit <= 0 || len(out) < limit
	})
	return out
}

func matchesSubstring(m *manifest.Manifest, q string) bool {
	if strings.Contains(strings.ToLower(m.ContentSummary), q) {
		return true
	}
	for k := range m.Tags {
		if strings.Contains(strings.ToLower(k), q) {
			return true
		}
	}
	return false
}

// Healthy reports the last background persistence error, nil when
// persistence is keeping up. A non-nil result means crash-recovery
// durability is degraded; live reads and writes remain correct.
func (i *Index) Healthy() error {
	i.healthMu.Lock()
	defer i.healthMu.Unlock()
	return i.healthErr
}

func (i *Index) setHealth(err error) {
	i.healthMu.Lock()
	i.healthErr = err
	i.healthMu.Unlock()
}

// Flush forces a snapshot now if the index is dirty.
func (i *Index) Flush() error {
	if !i.dirty.Swap(false) {
		return nil
	}
	if err := i.snapshot(); err != nil {
		i.dirty.Store(true)
		return err
	}
	return nil
}

func (i *Index) flushLoop() {
	defer i.wg.Done()

	ticker := time.NewTicker(i.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := i.Flush(); err != nil {
				i.setHealth(err)
				i.opts.Logger.Error("index flush failed", "error", err)
			} else {
				i.setHealth(nil)
			}
		case <-i.done:
			return
		}
	}
}

// snapshot serializes the whole map to a temp file, atomically replaces the
// snapshot file, then truncates the WAL. WAL truncation only happens after a
// successful swap, so a crash between the two replays harmlessly on top of
// the fresh snapshot.
func (i *Index) snapshot() error {
	entries := make(map[string]*manifest.Manifest)
	i.entries.Range(func(k, v any) bool {
		entries[k.(string)] = v.(*manifest.Manifest)
		return true
	})

	path := filepath.Join(i.opts.Dir, snapshotFileName)
	if err := writeSnapshot(i.opts.FS, path, i.opts.Codec, entries); err != nil {
		return err
	}
	return i.wal.Reset()
}

// Close stops the background flusher, flushes once more, and closes the WAL.
func (i *Index) Close() error {
	var err error
	i.once.Do(func() {
		close(i.done)
		i.wg.Wait()
		if ferr := i.Flush(); ferr != nil {
			err = ferr
		}
		if cerr := i.wal.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
