package opal

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"github.com/zeebo/blake3"

	"github.com/opalstore/opal/blobstore"
	"github.com/opalstore/opal/index"
	"github.com/opalstore/opal/keystore"
	"github.com/opalstore/opal/manifest"
	"github.com/opalstore/opal/pipeline"
	"github.com/opalstore/opal/resource"
	"github.com/opalstore/opal/vectorcache"
)

// defaultWORMDuration is the retention period applied to blobs written with
// maximum security intent.
const defaultWORMDuration = 10 * 365 * 24 * time.Hour

// FederationResolver routes reads for buckets that live on remote stores.
type FederationResolver interface {
	// IsRemote reports whether the bucket is served by a remote store.
	IsRemote(bucket string) bool

	// Resolve fetches the object from the remote store. The returned bytes
	// are already decoded; no local pipeline runs on them.
	Resolve(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Governor applies retention policy to blobs. Implementations typically map
// LockBlob onto the backend's object-lock or legal-hold feature.
type Governor interface {
	LockBlob(ctx context.Context, uri string, until time.Time) error
}

// Event describes a completed mutation, published on the configured bus.
type Event struct {
	URI    string `json:"uri"`
	ETag   string `json:"etag"`
	Op     string `json:"op"`
	Millis int64  `json:"millis"`
}

// EventBus receives a notification after every successful mutation.
type EventBus interface {
	Publish(ctx context.Context, e Event)
}

// Store is a content-addressable object store. Objects are addressed by
// bucket and key, transformed through a reversible compression and
// encryption pipeline on their way to the blob backend, and described by
// manifests kept in a WAL-backed index.
type Store struct {
	backend  blobstore.Backend
	keys     keystore.KeyStore
	idx      *index.Index
	vectors  *vectorcache.Cache
	resolver *pipeline.Resolver

	tier       resource.Tier
	controller *resource.Controller

	// dedup maps checksum+pipeline -> canonical blob URI. Only consulted
	// when the tier enables deduplication.
	dedup sync.Map

	metrics    MetricsCollector
	logger     *Logger
	federation FederationResolver
	governor   Governor
	eventBus   EventBus
	worm       time.Duration

	closed atomic.Bool
}

// New opens a store over the given blob backend and key store, with the
// metadata index persisted in dir. Prior state in dir is recovered before
// New returns; embedding hydration continues in the background.
func New(ctx context.Context, backend blobstore.Backend, keys keystore.KeyStore, dir string, optFns ...Option) (*Store, error) {
	o := applyOptions(optFns)

	tier := resource.Detect()
	if o.tier != nil {
		tier = *o.tier
	}

	controller := o.controller
	if controller == nil {
		controller = resource.NewControllerForTier(tier)
	}

	registry := o.registry
	if registry == nil {
		registry = pipeline.DefaultRegistry()
	}

	idx, err := index.Open(index.Options{
		Dir:           dir,
		Codec:         o.codec,
		FlushInterval: o.flushInterval,
		Logger:        o.logger.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := idx.Rebuild(); err != nil {
		idx.Close()
		o.logger.LogRecovery(ctx, 0, err)
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	o.logger.LogRecovery(ctx, idx.Len(), nil)

	s := &Store{
		backend:    backend,
		keys:       keys,
		idx:        idx,
		vectors:    vectorcache.New(vectorcache.Options{}),
		resolver:   pipeline.NewResolver(registry, o.resolverConfig),
		tier:       tier,
		controller: controller,
		metrics:    o.metricsCollector,
		logger:     o.logger,
		federation: o.federation,
		governor:   o.governor,
		eventBus:   o.eventBus,
		worm:       o.wormDuration,
	}

	// Rebuild the dedup table from recovered manifests.
	idx.Range(func(_ string, m *manifest.Manifest) bool {
		if m.Checksum != "" && m.Checksum != manifest.ChecksumPending {
			s.dedup.LoadOrStore(dedupKey(m.Checksum, m.Pipeline), m.BlobURI)
		}
		return true
	})

	s.vectors.Hydrate(ctx, idx)

	return s, nil
}

// Tier reports the runtime mode the store operates under.
func (s *Store) Tier() resource.Tier { return s.tier }

// Healthy reports nil when the index's durability machinery is working. Live
// reads and writes keep serving from memory while unhealthy.
func (s *Store) Healthy() error { return s.idx.Healthy() }

// Close flushes the index and releases resources. The store must not be
// used afterwards.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.idx.Close()
}

// dedupKey scopes content dedup to a pipeline shape: identical bytes stored
// under different transforms or keys must not share a blob.
func dedupKey(checksum string, cfg manifest.PipelineConfig) string {
	return checksum + "|" + cfg.CompressionAlgo + "|" + cfg.CryptoAlgo + "|" + cfg.KeyID
}

func objectKey(bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("%w: empty bucket or key", ErrInvalidAddress)
	}
	if strings.Contains(bucket, "/") {
		return "", fmt.Errorf("%w: bucket %q contains '/'", ErrInvalidAddress, bucket)
	}
	return bucket + "/" + key, nil
}

// StoreObject writes the object at bucket/key. The payload is streamed
// through the pipeline resolved from intent, hashed for deduplication on the
// way unless the intent opts out of it, and saved under a fresh blob URI.
// The returned manifest describes the stored object; its ETag changes on
// every successful write.
func (s *Store) StoreObject(ctx context.Context, bucket, key string, data io.Reader, intent manifest.StorageIntent, optFns ...StoreOption) (*manifest.Manifest, error) {
	start := time.Now()
	m, size, dedupHit, err := s.storeObject(ctx, bucket, key, data, intent, applyStoreOptions(optFns))
	err = translateError(err)
	s.metrics.RecordStore(size, dedupHit, time.Since(start), err)
	s.logger.LogStore(ctx, bucket, key, size, dedupHit, err)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, Event{URI: m.BlobURI, ETag: m.ETag, Op: "store", Millis: time.Now().UnixMilli()})
	return m, nil
}

func (s *Store) storeObject(ctx context.Context, bucket, key string, data io.Reader, intent manifest.StorageIntent, opts storeOptions) (*manifest.Manifest, int64, bool, error) {
	if s.closed.Load() {
		return nil, 0, false, ErrStoreClosed
	}

	objKey, err := objectKey(bucket, key)
	if err != nil {
		return nil, 0, false, err
	}

	if err := s.controller.Acquire(ctx); err != nil {
		return nil, 0, false, err
	}
	defer s.controller.Release()

	prev, exists := s.idx.Get(objKey)
	if opts.expectedETag != nil {
		switch {
		case *opts.expectedETag == "" && exists:
			return nil, 0, false, fmt.Errorf("%w: object already exists", ErrConcurrencyConflict)
		case *opts.expectedETag != "" && !exists:
			return nil, 0, false, fmt.Errorf("%w: object no longer exists", ErrConcurrencyConflict)
		case *opts.expectedETag != "" && prev.ETag != *opts.expectedETag:
			return nil, 0, false, fmt.Errorf("%w: etag %s is stale", ErrConcurrencyConflict, *opts.expectedETag)
		}
	}

	cfg, err := s.resolver.Resolve(intent)
	if err != nil {
		return nil, 0, false, err
	}
	if cfg.Encrypts() {
		keyID, err := s.keys.CurrentKeyID(ctx)
		if err != nil {
			return nil, 0, false, fmt.Errorf("resolve encryption key: %w", err)
		}
		cfg.KeyID = keyID
	}

	blobURI := objKey + "/" + ksuid.New().String()

	// Fastest intents skip the hasher entirely; their manifests carry a
	// pending checksum and never enter the dedup table.
	dedupActive := s.tier.EnableDeduplication() && intent.Compression != manifest.LevelFastest

	size, checksum, err := s.writeBlob(ctx, blobURI, data, cfg, dedupActive)
	if err != nil {
		return nil, 0, false, err
	}

	// First writer wins: a concurrent identical payload keeps the URI it
	// registered, later writers fold onto it and reclaim their blob.
	dedupHit := false
	if dedupActive {
		if canonical, loaded := s.dedup.LoadOrStore(dedupKey(checksum, cfg), blobURI); loaded {
			uri := canonical.(string)
			if uri != blobURI {
				if derr := s.backend.Delete(ctx, blobURI); derr != nil {
					s.logger.WarnContext(ctx, "duplicate blob reclaim failed", "uri", blobURI, "error", derr)
				}
				blobURI = uri
				dedupHit = true
			}
		}
	}

	// Retention is best effort: a failed lock degrades policy, not the write.
	if s.governor != nil && intent.Security == manifest.LevelMax && !dedupHit {
		if err := s.governor.LockBlob(ctx, blobURI, time.Now().Add(s.worm)); err != nil {
			s.logger.WarnContext(ctx, "retention lock failed", "uri", blobURI, "error", err)
		}
	}

	id := ksuid.New().String()
	if exists {
		id = prev.ID
	}

	m := &manifest.Manifest{
		ID:        id,
		ETag:      uuid.NewString(),
		BlobURI:   blobURI,
		Checksum:  checksum,
		SizeBytes: size,
		Pipeline:  cfg,
		Tags: map[string]string{
			manifest.TagBucket: bucket,
			manifest.TagKey:    key,
		},
		Embedding:      opts.embedding,
		LastAccessedAt: time.Now().UnixMilli(),
	}
	if opts.override != nil {
		m.ContentSummary = opts.override.ContentSummary
		for k, v := range opts.override.Tags {
			m.Tags[k] = v
		}
		// Address tags are authoritative, the override cannot move an object.
		m.Tags[manifest.TagBucket] = bucket
		m.Tags[manifest.TagKey] = key
	}

	if err := s.idx.Upsert(objKey, m); err != nil {
		return nil, size, dedupHit, fmt.Errorf("index manifest: %w", err)
	}

	// An empty embedding clears any previous one for this key.
	s.vectors.Put(objKey, m.Embedding)

	// The overwritten blob is garbage unless something else still points at
	// it. Reclaim is best effort.
	if exists && prev.BlobURI != blobURI {
		s.releaseBlob(ctx, prev)
	}

	return m, size, dedupHit, nil
}

// writeBlob streams data through the write pipeline into the backend at uri,
// returning the raw payload size and its BLAKE3 checksum. With hash unset
// the payload is not hashed and the checksum is manifest.ChecksumPending.
func (s *Store) writeBlob(ctx context.Context, uri string, data io.Reader, cfg manifest.PipelineConfig, hash bool) (int64, string, error) {
	var hasher *blake3.Hasher
	src := data
	if hash {
		hasher = blake3.New()
		src = io.TeeReader(data, hasher)
	}
	counted := &countingReader{r: src}

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := s.backend.Save(ctx, uri, pr)
		// A Save that fails without draining the pipe must unblock the
		// writer side, or the copy below deadlocks.
		pr.CloseWithError(err)
		done <- err
	}()

	w, err := s.resolver.BuildWritePipeline(ctx, pw, cfg, s.keys)
	if err != nil {
		pw.CloseWithError(err)
		<-done
		return 0, "", err
	}

	if _, err := io.Copy(w, s.throttled(ctx, counted)); err != nil {
		pw.CloseWithError(err)
		<-done
		return 0, "", err
	}
	if err := w.Close(); err != nil {
		pw.CloseWithError(err)
		<-done
		return 0, "", err
	}
	pw.Close()

	if err := <-done; err != nil {
		return 0, "", err
	}

	checksum := manifest.ChecksumPending
	if hasher != nil {
		checksum = hex.EncodeToString(hasher.Sum(nil))
	}
	return counted.n, checksum, nil
}

// RetrieveObject returns the decoded payload and manifest for bucket/key.
// For federated buckets the payload comes from the remote store and the
// manifest is nil. The caller must close the returned reader.
func (s *Store) RetrieveObject(ctx context.Context, bucket, key string) (io.ReadCloser, *manifest.Manifest, error) {
	start := time.Now()
	rc, m, err := s.retrieveObject(ctx, bucket, key)
	err = translateError(err)
	s.metrics.RecordRetrieve(time.Since(start), err)
	s.logger.LogRetrieve(ctx, bucket, key, err)
	return rc, m, err
}

func (s *Store) retrieveObject(ctx context.Context, bucket, key string) (io.ReadCloser, *manifest.Manifest, error) {
	if s.closed.Load() {
		return nil, nil, ErrStoreClosed
	}

	objKey, err := objectKey(bucket, key)
	if err != nil {
		return nil, nil, err
	}

	if s.federation != nil && s.federation.IsRemote(bucket) {
		rc, err := s.federation.Resolve(ctx, bucket, key)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
		}
		return rc, nil, nil
	}

	if err := s.controller.Acquire(ctx); err != nil {
		return nil, nil, err
	}
	defer s.controller.Release()

	m, ok := s.idx.Get(objKey)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, objKey)
	}

	raw, err := s.backend.Load(ctx, m.BlobURI)
	if err != nil {
		return nil, nil, err
	}

	rc, err := s.resolver.BuildReadPipeline(ctx, raw, m.Pipeline, s.keys)
	if err != nil {
		raw.Close()
		return nil, nil, err
	}

	s.idx.Touch(objKey)

	return rc, m, nil
}

// GetManifest returns the manifest for bucket/key without touching the blob.
func (s *Store) GetManifest(ctx context.Context, bucket, key string) (*manifest.Manifest, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	objKey, err := objectKey(bucket, key)
	if err != nil {
		return nil, err
	}
	m, ok := s.idx.Get(objKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, objKey)
	}
	return m, nil
}

// DeleteObject removes the object at bucket/key. The underlying blob is
// deleted only when no other manifest still references it.
func (s *Store) DeleteObject(ctx context.Context, bucket, key string) error {
	start := time.Now()
	etag, err := s.deleteObject(ctx, bucket, key)
	err = translateError(err)
	s.metrics.RecordDelete(time.Since(start), err)
	s.logger.LogDelete(ctx, bucket, key, err == nil, err)
	if err != nil {
		return err
	}
	s.publish(ctx, Event{URI: bucket + "/" + key, ETag: etag, Op: "delete", Millis: time.Now().UnixMilli()})
	return nil
}

func (s *Store) deleteObject(ctx context.Context, bucket, key string) (string, error) {
	if s.closed.Load() {
		return "", ErrStoreClosed
	}

	objKey, err := objectKey(bucket, key)
	if err != nil {
		return "", err
	}

	m, ok := s.idx.Get(objKey)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, objKey)
	}

	if err := s.idx.Remove(objKey); err != nil {
		return "", err
	}

	s.vectors.Remove(objKey)
	s.releaseBlob(ctx, m)

	return m.ETag, nil
}

// releaseBlob deletes m's blob unless another manifest still references it,
// and drops the dedup entry when it points at the released URI.
func (s *Store) releaseBlob(ctx context.Context, m *manifest.Manifest) {
	referenced := false
	s.idx.Range(func(_ string, other *manifest.Manifest) bool {
		if other.BlobURI == m.BlobURI {
			referenced = true
			return false
		}
		return true
	})
	if referenced {
		return
	}

	dk := dedupKey(m.Checksum, m.Pipeline)
	if canonical, ok := s.dedup.Load(dk); ok && canonical.(string) == m.BlobURI {
		s.dedup.Delete(dk)
	}

	if err := s.backend.Delete(ctx, m.BlobURI); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		s.logger.WarnContext(ctx, "blob reclaim failed", "uri", m.BlobURI, "error", err)
	}
}

func (s *Store) publish(ctx context.Context, e Event) {
	if s.eventBus != nil {
		s.eventBus.Publish(ctx, e)
	}
}

// throttled wraps r with the controller's I/O rate limit when one is set.
func (s *Store) throttled(ctx context.Context, r io.Reader) io.Reader {
	return &limitedReader{ctx: ctx, r: r, c: s.controller}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type limitedReader struct {
	ctx context.Context
	r   io.Reader
	c   *resource.Controller
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.c.WaitIO(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
