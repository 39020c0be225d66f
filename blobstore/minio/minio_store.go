// Package minio adapts MinIO and other S3-compatible object storage to the
// blobstore.Backend contract.
package minio

import (
	"context"
	"io"
	"path"

	"github.com/minio/minio-go/v7"

	"github.com/opalstore/opal/blobstore"
)

// Backend implements blobstore.Backend for MinIO.
type Backend struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewBackend creates a MinIO backend.
// bucket is the MinIO bucket name; rootPrefix is prepended to all blob URIs
// (e.g. "objects/").
func NewBackend(client *minio.Client, bucket, rootPrefix string) *Backend {
	return &Backend{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (b *Backend) key(uri string) string {
	return path.Join(b.prefix, uri)
}

// Save implements blobstore.Backend. The stream is uploaded without knowing
// its length up front; minio-go falls back to multipart for unsized bodies.
func (b *Backend) Save(ctx context.Context, uri string, r io.Reader) error {
	_, err := b.client.PutObject(ctx, b.bucket, b.key(uri), r, -1, minio.PutObjectOptions{})
	return err
}

// Load implements blobstore.Backend.
func (b *Backend) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	key := b.key(uri)

	// Stat first: GetObject defers existence errors to the first Read, which
	// would surface as a mid-stream pipeline fault instead of not-found.
	if _, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{}); err != nil {
		return nil, mapErr(err)
	}

	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapErr(err)
	}
	return obj, nil
}

// Exists implements blobstore.Backend.
func (b *Backend) Exists(ctx context.Context, uri string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, b.key(uri), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete implements blobstore.Backend.
func (b *Backend) Delete(ctx context.Context, uri string) error {
	err := b.client.RemoveObject(ctx, b.bucket, b.key(uri), minio.RemoveObjectOptions{})
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}

func mapErr(err error) error {
	if isNotFound(err) {
		return blobstore.ErrNotFound
	}
	return err
}
