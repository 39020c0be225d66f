package index

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opalstore/opal/internal/fs"
	"github.com/opalstore/opal/manifest"
)

func testManifest(id, bucket, key string) *manifest.Manifest {
	return &manifest.Manifest{
		ID:        id,
		ETag:      "etag-" + id,
		BlobURI:   bucket + "/" + key + "/" + id,
		Checksum:  "abc123",
		SizeBytes: 42,
		Pipeline: manifest.PipelineConfig{
			CompressionAlgo:     "gzip",
			CryptoAlgo:          manifest.AlgoNone,
			TransformationOrder: []manifest.Stage{manifest.StageCompression},
		},
		ContentSummary: "test object " + id,
		Tags:           map[string]string{manifest.TagBucket: bucket, manifest.TagKey: key},
	}
}

func openTestIndex(t *testing.T, dir string) *Index {
	t.Helper()
	idx, err := Open(Options{Dir: dir, FlushInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestUpsertGetRemove(t *testing.T) {
	idx := openTestIndex(t, t.TempDir())

	m := testManifest("1", "docs", "a.txt")
	require.NoError(t, idx.Upsert("docs/a.txt", m))

	got, ok := idx.Get("docs/a.txt")
	require.True(t, ok)
	assert.Equal(t, m, got)

	// Returned manifests are copies; mutating one must not affect the index.
	got.Tags["mutated"] = "yes"
	again, _ := idx.Get("docs/a.txt")
	assert.NotContains(t, again.Tags, "mutated")

	require.NoError(t, idx.Remove("docs/a.txt"))
	_, ok = idx.Get("docs/a.txt")
	assert.False(t, ok)
}

func TestRebuildFromWALOnly(t *testing.T) {
	dir := t.TempDir()

	idx, err := Open(Options{Dir: dir, FlushInterval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, idx.Upsert("docs/a", testManifest("1", "docs", "a")))
	require.NoError(t, idx.Upsert("docs/b", testManifest("2", "docs", "b")))
	require.NoError(t, idx.Upsert("docs/a", testManifest("3", "docs", "a"))) // overwrite
	require.NoError(t, idx.Remove("docs/b"))

	// Simulate a crash: no Close, no snapshot. The WAL alone must carry the
	// full state.
	recovered := openTestIndex(t, dir)
	require.NoError(t, recovered.Rebuild())

	assert.Equal(t, 1, recovered.Len())
	got, ok := recovered.Get("docs/a")
	require.True(t, ok)
	assert.Equal(t, "3", got.ID)
	_, ok = recovered.Get("docs/b")
	assert.False(t, ok)
}

func TestRebuildFromSnapshotPlusWAL(t *testing.T) {
	dir := t.TempDir()

	idx, err := Open(Options{Dir: dir, FlushInterval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, idx.Upsert("docs/a", testManifest("1", "docs", "a")))
	require.NoError(t, idx.Upsert("docs/b", testManifest("2", "docs", "b")))
	require.NoError(t, idx.Flush()) // snapshot swap + WAL reset

	require.NoError(t, idx.Upsert("docs/c", testManifest("3", "docs", "c")))
	require.NoError(t, idx.Remove("docs/a"))

	recovered := openTestIndex(t, dir)
	require.NoError(t, recovered.Rebuild())

	assert.Equal(t, 2, recovered.Len())
	_, ok := recovered.Get("docs/b")
	assert.True(t, ok)
	_, ok = recovered.Get("docs/c")
	assert.True(t, ok)
	_, ok = recovered.Get("docs/a")
	assert.False(t, ok)
}

func TestRebuildSkipsTruncatedTail(t *testing.T) {
	dir := t.TempDir()

	idx, err := Open(Options{Dir: dir, FlushInterval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, idx.Upsert("docs/a", testManifest("1", "docs", "a")))
	require.NoError(t, idx.Upsert("docs/b", testManifest("2", "docs", "b")))
	require.NoError(t, idx.Upsert("docs/c", testManifest("3", "docs", "c")))

	// Tear the final record as a crash mid-append would.
	walPath := filepath.Join(dir, walFileName)
	info, err := os.Stat(walPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(walPath, info.Size()-5))

	recovered := openTestIndex(t, dir)
	require.NoError(t, recovered.Rebuild())

	assert.Equal(t, 2, recovered.Len())
	_, ok := recovered.Get("docs/a")
	assert.True(t, ok)
	_, ok = recovered.Get("docs/b")
	assert.True(t, ok)
	_, ok = recovered.Get("docs/c")
	assert.False(t, ok)
}

func TestAppendAfterTornTailSurvivesReplay(t *testing.T) {
	dir := t.TempDir()

	idx, err := Open(Options{Dir: dir, FlushInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, idx.Upsert("docs/a", testManifest("1", "docs", "a")))

	// Tear the record as a crash mid-append would.
	walPath := filepath.Join(dir, walFileName)
	info, err := os.Stat(walPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(walPath, info.Size()-1))

	// Recovery drops the torn record; durable appends resume on top of it.
	second := openTestIndex(t, dir)
	require.NoError(t, second.Rebuild())
	require.NoError(t, second.Upsert("docs/b", testManifest("2", "docs", "b")))

	// A crash before the next snapshot must not lose that append.
	third := openTestIndex(t, dir)
	require.NoError(t, third.Rebuild())

	assert.Equal(t, 1, third.Len())
	_, ok := third.Get("docs/b")
	assert.True(t, ok)
	_, ok = third.Get("docs/a")
	assert.False(t, ok)
}

func TestRebuildEmptyDir(t *testing.T) {
	idx := openTestIndex(t, t.TempDir())
	require.NoError(t, idx.Rebuild())
	assert.Zero(t, idx.Len())
}

func TestFlushFailureDegradesHealthOnly(t *testing.T) {
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(nil)
	diskFull := errors.New("disk full")
	faulty.SetFault(snapshotFileName+".tmp", fs.Fault{FailOnWrite: true, Err: diskFull})

	idx, err := Open(Options{Dir: dir, FS: faulty, FlushInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Upsert("docs/a", testManifest("1", "docs", "a")))

	// The flusher must report degraded health without disturbing live state.
	require.Eventually(t, func() bool {
		return idx.Healthy() != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, idx.Healthy(), diskFull)

	got, ok := idx.Get("docs/a")
	require.True(t, ok)
	assert.Equal(t, "1", got.ID)

	// Disk recovers; health must clear on the next cycle.
	faulty.ClearFaults()
	require.Eventually(t, func() bool {
		return idx.Healthy() == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWALAppendFailureSurfacesToCaller(t *testing.T) {
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(nil)

	idx, err := Open(Options{Dir: dir, FS: faulty, FlushInterval: time.Hour})
	require.NoError(t, err)
	defer idx.Close()

	ioErr := errors.New("io error")
	faulty.SetFault(walFileName, fs.Fault{FailOnWrite: true, Err: ioErr})

	err = idx.Upsert("docs/a", testManifest("1", "docs", "a"))
	assert.ErrorIs(t, err, ioErr)
}

func TestTouchUpdatesAccessTime(t *testing.T) {
	idx := openTestIndex(t, t.TempDir())
	require.NoError(t, idx.Upsert("docs/a", testManifest("1", "docs", "a")))

	before, _ := idx.Get("docs/a")
	require.Zero(t, before.LastAccessedAt)

	idx.Touch("docs/a")
	after, _ := idx.Get("docs/a")
	assert.Positive(t, after.LastAccessedAt)
}

func TestSearchSubstring(t *testing.T) {
	idx := openTestIndex(t, t.TempDir())

	a := testManifest("1", "docs", "a")
	a.ContentSummary = "Quarterly Revenue Report"
	b := testManifest("2", "docs", "b")
	b.ContentSummary = "holiday photos"
	b.Tags["reviewed"] = "true"

	require.NoError(t, idx.Upsert("docs/a", a))
	require.NoError(t, idx.Upsert("docs/b", b))

	assert.Len(t, idx.Search("revenue", 10), 1)
	assert.Len(t, idx.Search("REVIEWED", 10), 1) // tag key, case-insensitive
	assert.Len(t, idx.Search("docs", 10), 0)     // tag values are not searched
	assert.Len(t, idx.Search("o", 1), 1)         // limit respected
}
