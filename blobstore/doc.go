// Package blobstore abstracts where transformed object bytes live.
//
// The root package provides [Memory] for tests and embedded use and [Local]
// for single-node disk storage. The minio and s3 subpackages adapt
// S3-compatible object storage to the same [Backend] contract.
package blobstore
