package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`.
var ErrNotFound = errors.New("blobstore: blob not found")

// Backend is an abstraction for persisting opaque byte streams at a location.
//
// The engine is agnostic to whether this is local disk, object storage, or a
// pooled multiplexer. Save must consume r fully; partial saves must not be
// observable via Load.
type Backend interface {
	// Save writes the stream to the given uri, replacing any existing blob.
	Save(ctx context.Context, uri string, r io.Reader) error
	// Load opens the blob at uri for reading.
	Load(ctx context.Context, uri string) (io.ReadCloser, error)
	// Exists reports whether a blob is present at uri.
	Exists(ctx context.Context, uri string) (bool, error)
	// Delete removes the blob at uri. Deleting a missing blob is not an error.
	Delete(ctx context.Context, uri string) error
}
