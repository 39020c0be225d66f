package opal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opalstore/opal/blobstore"
	"github.com/opalstore/opal/keystore"
	"github.com/opalstore/opal/manifest"
	"github.com/opalstore/opal/resource"
)

func newTestStore(t *testing.T, optFns ...Option) (*Store, *blobstore.Memory) {
	t.Helper()

	backend := blobstore.NewMemory()
	keys := keystore.NewMemory()
	keys.SetKey("k1", bytes.Repeat([]byte{0x42}, 32))

	optFns = append([]Option{
		WithTier(resource.TierServer),
		WithFlushInterval(time.Hour),
	}, optFns...)

	s, err := New(context.Background(), backend, keys, t.TempDir(), optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, backend
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestStoreAndRetrieve(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	intent := manifest.StorageIntent{Compression: manifest.LevelBalanced}

	m, err := s.StoreObject(ctx, "docs", "a.txt", strings.NewReader("hello world"), intent)
	require.NoError(t, err)

	assert.NotEmpty(t, m.ID)
	assert.NotEmpty(t, m.ETag)
	assert.Equal(t, int64(len("hello world")), m.SizeBytes)
	assert.NotEqual(t, manifest.ChecksumPending, m.Checksum)
	assert.Positive(t, m.LastAccessedAt)
	assert.True(t, strings.HasPrefix(m.BlobURI, "docs/a.txt/"))
	assert.Equal(t, "docs", m.Bucket())
	assert.Equal(t, "a.txt", m.Key())

	rc, got, err := s.RetrieveObject(ctx, "docs", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", readAll(t, rc))
	assert.Equal(t, m.ETag, got.ETag)
}

func TestStoreRoundTripAllIntents(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	payload := strings.Repeat("the quick brown fox ", 100)

	tests := []struct {
		name   string
		intent manifest.StorageIntent
	}{
		{"Plain", manifest.StorageIntent{}},
		{"CompressOnly", manifest.StorageIntent{Compression: manifest.LevelMax}},
		{"EncryptOnly", manifest.StorageIntent{Security: manifest.LevelBalanced}},
		{"CompressAndEncrypt", manifest.StorageIntent{Compression: manifest.LevelBalanced, Security: manifest.LevelMax}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.StoreObject(ctx, "docs", tt.name, strings.NewReader(payload), tt.intent)
			require.NoError(t, err)

			rc, _, err := s.RetrieveObject(ctx, "docs", tt.name)
			require.NoError(t, err)
			assert.Equal(t, payload, readAll(t, rc))
		})
	}
}

func TestStoreObjectValidatesAddress(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreObject(ctx, "", "k", strings.NewReader("x"), manifest.StorageIntent{})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = s.StoreObject(ctx, "a/b", "k", strings.NewReader("x"), manifest.StorageIntent{})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = s.StoreObject(ctx, "docs", "", strings.NewReader("x"), manifest.StorageIntent{})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

var errSaveRejected = errors.New("save rejected")

// rejectingBackend fails every Save without consuming the stream, the way a
// remote store rejects on auth or quota before reading the body.
type rejectingBackend struct {
	*blobstore.Memory
}

func (b *rejectingBackend) Save(context.Context, string, io.Reader) error {
	return errSaveRejected
}

func TestStoreObjectSurfacesBackendError(t *testing.T) {
	backend := &rejectingBackend{Memory: blobstore.NewMemory()}
	keys := keystore.NewMemory()
	keys.SetKey("k1", bytes.Repeat([]byte{0x42}, 32))

	s, err := New(context.Background(), backend, keys, t.TempDir(),
		WithTier(resource.TierServer),
		WithFlushInterval(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// Large enough that the pipeline is still writing when Save rejects.
	payload := bytes.Repeat([]byte("x"), 1<<20)
	_, err = s.StoreObject(context.Background(), "docs", "big", bytes.NewReader(payload), manifest.StorageIntent{})
	require.ErrorIs(t, err, errSaveRejected)
}

func TestRetrieveNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.RetrieveObject(context.Background(), "docs", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConditionalWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	intent := manifest.StorageIntent{}

	// Create-only write succeeds once.
	m1, err := s.StoreObject(ctx, "docs", "a", strings.NewReader("v1"), intent, WithExpectedETag(""))
	require.NoError(t, err)

	_, err = s.StoreObject(ctx, "docs", "a", strings.NewReader("v2"), intent, WithExpectedETag(""))
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	// Matching etag wins, stale etag loses.
	m2, err := s.StoreObject(ctx, "docs", "a", strings.NewReader("v2"), intent, WithExpectedETag(m1.ETag))
	require.NoError(t, err)
	assert.NotEqual(t, m1.ETag, m2.ETag)

	_, err = s.StoreObject(ctx, "docs", "a", strings.NewReader("v3"), intent, WithExpectedETag(m1.ETag))
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	// Conditional on a missing object.
	_, err = s.StoreObject(ctx, "docs", "nope", strings.NewReader("x"), intent, WithExpectedETag("abc"))
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestOverwriteKeepsIDRotatesETag(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m1, err := s.StoreObject(ctx, "docs", "a", strings.NewReader("v1"), manifest.StorageIntent{})
	require.NoError(t, err)
	m2, err := s.StoreObject(ctx, "docs", "a", strings.NewReader("v2"), manifest.StorageIntent{})
	require.NoError(t, err)

	assert.Equal(t, m1.ID, m2.ID)
	assert.NotEqual(t, m1.ETag, m2.ETag)
	assert.NotEqual(t, m1.BlobURI, m2.BlobURI)

	rc, _, err := s.RetrieveObject(ctx, "docs", "a")
	require.NoError(t, err)
	assert.Equal(t, "v2", readAll(t, rc))
}

func TestDeduplicationSharesBlob(t *testing.T) {
	s, backend := newTestStore(t) // TierServer enables dedup
	ctx := context.Background()
	intent := manifest.StorageIntent{Compression: manifest.LevelBalanced}

	m1, err := s.StoreObject(ctx, "docs", "a", strings.NewReader("same bytes"), intent)
	require.NoError(t, err)
	m2, err := s.StoreObject(ctx, "docs", "b", strings.NewReader("same bytes"), intent)
	require.NoError(t, err)

	assert.Equal(t, m1.Checksum, m2.Checksum)
	assert.Equal(t, m1.BlobURI, m2.BlobURI, "identical payloads share one blob")
	assert.Equal(t, 1, backend.Len(), "duplicate blob is reclaimed")

	// Both addresses still read back.
	rc, _, err := s.RetrieveObject(ctx, "docs", "b")
	require.NoError(t, err)
	assert.Equal(t, "same bytes", readAll(t, rc))
}

func TestDeduplicationSkippedOnFastest(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()
	intent := manifest.StorageIntent{Compression: manifest.LevelFastest}

	m1, err := s.StoreObject(ctx, "docs", "a", strings.NewReader("same bytes"), intent)
	require.NoError(t, err)
	m2, err := s.StoreObject(ctx, "docs", "b", strings.NewReader("same bytes"), intent)
	require.NoError(t, err)

	assert.NotEqual(t, m1.BlobURI, m2.BlobURI)
	assert.Equal(t, 2, backend.Len())

	// Fastest intents skip hashing along with deduplication.
	assert.Equal(t, manifest.ChecksumPending, m1.Checksum)
	assert.Equal(t, manifest.ChecksumPending, m2.Checksum)
}

func TestDeduplicationDisabledBelowServerTier(t *testing.T) {
	s, backend := newTestStore(t, WithTier(resource.TierDesktop))
	ctx := context.Background()
	intent := manifest.StorageIntent{Compression: manifest.LevelBalanced}

	_, err := s.StoreObject(ctx, "docs", "a", strings.NewReader("same bytes"), intent)
	require.NoError(t, err)
	_, err = s.StoreObject(ctx, "docs", "b", strings.NewReader("same bytes"), intent)
	require.NoError(t, err)

	assert.Equal(t, 2, backend.Len())
}

func TestDeleteObject(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreObject(ctx, "docs", "a", strings.NewReader("v1"), manifest.StorageIntent{})
	require.NoError(t, err)

	require.NoError(t, s.DeleteObject(ctx, "docs", "a"))
	assert.Equal(t, 0, backend.Len())

	_, _, err = s.RetrieveObject(ctx, "docs", "a")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteObject(ctx, "docs", "a"), ErrNotFound)
}

func TestDeleteKeepsSharedBlob(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()
	intent := manifest.StorageIntent{Compression: manifest.LevelBalanced}

	_, err := s.StoreObject(ctx, "docs", "a", strings.NewReader("same bytes"), intent)
	require.NoError(t, err)
	_, err = s.StoreObject(ctx, "docs", "b", strings.NewReader("same bytes"), intent)
	require.NoError(t, err)
	require.Equal(t, 1, backend.Len())

	require.NoError(t, s.DeleteObject(ctx, "docs", "a"))
	assert.Equal(t, 1, backend.Len(), "blob survives while docs/b references it")

	rc, _, err := s.RetrieveObject(ctx, "docs", "b")
	require.NoError(t, err)
	assert.Equal(t, "same bytes", readAll(t, rc))

	require.NoError(t, s.DeleteObject(ctx, "docs", "b"))
	assert.Equal(t, 0, backend.Len())
}

func TestMetadataOverrideAndManifest(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreObject(ctx, "docs", "a", strings.NewReader("v1"), manifest.StorageIntent{},
		WithMetadataOverride(manifest.MetadataOverride{
			ContentSummary: "quarterly invoice",
			Tags:           map[string]string{"department": "finance"},
		}))
	require.NoError(t, err)

	m, err := s.GetManifest(ctx, "docs", "a")
	require.NoError(t, err)
	assert.Equal(t, "quarterly invoice", m.ContentSummary)
	assert.Equal(t, "finance", m.Tags["department"])
	// Address tags cannot be clobbered by the override.
	assert.Equal(t, "docs", m.Bucket())
}

func TestReopenRecoversState(t *testing.T) {
	backend := blobstore.NewMemory()
	keys := keystore.NewMemory()
	keys.SetKey("k1", bytes.Repeat([]byte{0x42}, 32))
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := New(ctx, backend, keys, dir, WithTier(resource.TierServer), WithFlushInterval(time.Hour))
	require.NoError(t, err)

	intent := manifest.StorageIntent{Compression: manifest.LevelBalanced, Security: manifest.LevelBalanced}
	m1, err := s1.StoreObject(ctx, "docs", "a", strings.NewReader("persistent"), intent)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := New(ctx, backend, keys, dir, WithTier(resource.TierServer), WithFlushInterval(time.Hour))
	require.NoError(t, err)
	defer s2.Close()

	rc, m2, err := s2.RetrieveObject(ctx, "docs", "a")
	require.NoError(t, err)
	assert.Equal(t, "persistent", readAll(t, rc))
	assert.Equal(t, m1.ETag, m2.ETag)

	// Dedup table is rebuilt: the same payload folds onto the old blob.
	m3, err := s2.StoreObject(ctx, "docs", "b", strings.NewReader("persistent"), intent)
	require.NoError(t, err)
	assert.Equal(t, m1.BlobURI, m3.BlobURI)
}

type wormCall struct {
	uri   string
	until time.Time
}

type recordingGovernor struct {
	mu    sync.Mutex
	calls []wormCall
}

func (g *recordingGovernor) LockBlob(_ context.Context, uri string, until time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, wormCall{uri: uri, until: until})
	return nil
}

func TestGovernorLocksMaxSecurityBlobs(t *testing.T) {
	gov := &recordingGovernor{}
	s, _ := newTestStore(t, WithGovernor(gov))
	ctx := context.Background()

	m, err := s.StoreObject(ctx, "docs", "a", strings.NewReader("secret"), manifest.StorageIntent{Security: manifest.LevelMax})
	require.NoError(t, err)

	require.Len(t, gov.calls, 1)
	assert.Equal(t, m.BlobURI, gov.calls[0].uri)
	assert.WithinDuration(t, time.Now().Add(defaultWORMDuration), gov.calls[0].until, time.Minute)

	// Lower security levels are not locked.
	_, err = s.StoreObject(ctx, "docs", "b", strings.NewReader("public"), manifest.StorageIntent{Security: manifest.LevelBalanced})
	require.NoError(t, err)
	assert.Len(t, gov.calls, 1)
}

type recordingBus struct {
	mu     sync.Mutex
	events []Event
}

func (b *recordingBus) Publish(_ context.Context, e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func TestEventBusSeesMutations(t *testing.T) {
	bus := &recordingBus{}
	s, _ := newTestStore(t, WithEventBus(bus))
	ctx := context.Background()

	m, err := s.StoreObject(ctx, "docs", "a", strings.NewReader("v1"), manifest.StorageIntent{})
	require.NoError(t, err)
	require.NoError(t, s.DeleteObject(ctx, "docs", "a"))

	require.Len(t, bus.events, 2)
	assert.Equal(t, "store", bus.events[0].Op)
	assert.Equal(t, m.ETag, bus.events[0].ETag)
	assert.Equal(t, "delete", bus.events[1].Op)
	assert.NotZero(t, bus.events[0].Millis)
}

type staticFederation struct {
	bucket  string
	payload string
	err     error
}

func (f *staticFederation) IsRemote(bucket string) bool { return bucket == f.bucket }

func (f *staticFederation) Resolve(_ context.Context, _, _ string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.payload)), nil
}

func TestFederatedRetrieve(t *testing.T) {
	fed := &staticFederation{bucket: "remote", payload: "from afar"}
	s, _ := newTestStore(t, WithFederation(fed))
	ctx := context.Background()

	rc, m, err := s.RetrieveObject(ctx, "remote", "x")
	require.NoError(t, err)
	assert.Nil(t, m, "remote reads carry no local manifest")
	assert.Equal(t, "from afar", readAll(t, rc))

	fed.err = io.ErrUnexpectedEOF
	_, _, err = s.RetrieveObject(ctx, "remote", "x")
	assert.ErrorIs(t, err, ErrRemoteUnavailable)

	// Local buckets are unaffected.
	_, _, err = s.RetrieveObject(ctx, "docs", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.StoreObject(context.Background(), "docs", "a", strings.NewReader("x"), manifest.StorageIntent{})
	assert.ErrorIs(t, err, ErrStoreClosed)

	_, _, err = s.RetrieveObject(context.Background(), "docs", "a")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestMetricsCollection(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	s, _ := newTestStore(t, WithMetricsCollector(metrics))
	ctx := context.Background()
	intent := manifest.StorageIntent{Compression: manifest.LevelBalanced}

	_, err := s.StoreObject(ctx, "docs", "a", strings.NewReader("hello"), intent)
	require.NoError(t, err)
	_, err = s.StoreObject(ctx, "docs", "b", strings.NewReader("hello"), intent)
	require.NoError(t, err)

	rc, _, err := s.RetrieveObject(ctx, "docs", "a")
	require.NoError(t, err)
	rc.Close()

	stats := metrics.GetStats()
	assert.Equal(t, int64(2), stats.StoreCount)
	assert.Equal(t, int64(10), stats.StoreBytes)
	assert.Equal(t, int64(1), stats.DedupHits)
	assert.Equal(t, int64(1), stats.RetrieveCount)
	assert.Zero(t, stats.StoreErrors)
}
