// Package s3 adapts Amazon S3 to the blobstore.Backend contract.
package s3

import (
	"context"
	"errors"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/opalstore/opal/blobstore"
)

// Backend implements blobstore.Backend for S3.
type Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewBackend creates an S3 backend.
// rootPrefix is prepended to all blob URIs (e.g. "objects/").
func NewBackend(client *s3.Client, bucket, rootPrefix string) *Backend {
	return &Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   rootPrefix,
	}
}

// Open creates an S3 backend using the ambient AWS configuration
// (environment, shared config files, instance role).
func Open(ctx context.Context, bucket, rootPrefix string, optFns ...func(*config.LoadOptions) error) (*Backend, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, err
	}
	return NewBackend(s3.NewFromConfig(cfg), bucket, rootPrefix), nil
}

func (b *Backend) key(uri string) string {
	return path.Join(b.prefix, uri)
}

// Save implements blobstore.Backend. The upload manager streams the body in
// parts, so unsized pipeline output needs no buffering.
func (b *Backend) Save(ctx context.Context, uri string, r io.Reader) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(uri)),
		Body:   r,
	})
	return err
}

// Load implements blobstore.Backend.
func (b *Backend) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(uri)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, blobstore.ErrNotFound
		}
		return nil, err
	}
	return out.Body, nil
}

// Exists implements blobstore.Backend.
func (b *Backend) Exists(ctx context.Context, uri string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(uri)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete implements blobstore.Backend. S3 DeleteObject is idempotent, so a
// missing key is already not an error.
func (b *Backend) Delete(ctx context.Context, uri string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(uri)),
	})
	return err
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}
