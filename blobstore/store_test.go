package blobstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return map[string]Backend{
		"Memory": NewMemory(),
		"Local":  local,
	}
}

func TestBackendRoundTrip(t *testing.T) {
	ctx := context.Background()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Save(ctx, "docs/a.txt/v1", strings.NewReader("hello world")))

			rc, err := b.Load(ctx, "docs/a.txt/v1")
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, "hello world", string(data))

			ok, err := b.Exists(ctx, "docs/a.txt/v1")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestBackendNotFound(t *testing.T) {
	ctx := context.Background()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Load(ctx, "missing/blob")
			assert.ErrorIs(t, err, ErrNotFound)

			ok, err := b.Exists(ctx, "missing/blob")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestBackendOverwrite(t *testing.T) {
	ctx := context.Background()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Save(ctx, "k", strings.NewReader("one")))
			require.NoError(t, b.Save(ctx, "k", strings.NewReader("two")))

			rc, err := b.Load(ctx, "k")
			require.NoError(t, err)
			data, _ := io.ReadAll(rc)
			rc.Close()
			assert.Equal(t, "two", string(data))
		})
	}
}

func TestBackendDelete(t *testing.T) {
	ctx := context.Background()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Save(ctx, "k", strings.NewReader("data")))
			require.NoError(t, b.Delete(ctx, "k"))

			ok, err := b.Exists(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)

			// Deleting a missing blob is not an error.
			require.NoError(t, b.Delete(ctx, "k"))
		})
	}
}

func TestLocalRejectsEscapingURI(t *testing.T) {
	ctx := context.Background()
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	for _, uri := range []string{"../escape", "/abs/path", "a/../../b"} {
		assert.Error(t, local.Save(ctx, uri, strings.NewReader("x")), "uri %q", uri)
	}
}
