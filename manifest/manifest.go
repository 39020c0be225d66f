// Package manifest defines the durable metadata record for stored objects
// and the write-time types that shape how their bytes are transformed.
package manifest

import (
	"maps"
	"slices"
	"time"
)

// ChecksumPending marks a manifest whose content hash was skipped at write
// time (dedup inactive). It is replaced by a real hash only by a later write.
const ChecksumPending = "pending"

// Tag keys every manifest carries.
const (
	TagBucket = "bucket"
	TagKey    = "key"
)

// Manifest is the durable record of one stored object version.
//
// A manifest is immutable once persisted except for LastAccessedAt, which is
// updated in place on reads. Overwrites of the same bucket/key supersede the
// manifest with a new ETag rather than mutating it. The index only ever sees
// a complete manifest or none.
type Manifest struct {
	ID   string `json:"id"`
	ETag string `json:"etag"`

	BlobURI string `json:"blob_uri"`

	Checksum  string `json:"checksum,omitempty"`
	SizeBytes int64  `json:"size_bytes"`

	// Pipeline records the exact transform configuration used at write time.
	// It is the single source of truth for reversal on read.
	Pipeline PipelineConfig `json:"pipeline"`

	ContentSummary string            `json:"content_summary,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`

	Embedding []float32 `json:"embedding,omitempty"`

	// LastAccessedAt is a Unix millisecond timestamp.
	LastAccessedAt int64 `json:"last_accessed_at"`
}

// Clone returns a deep copy. The index hands out clones so callers can never
// mutate indexed state through a returned manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := *m
	out.Tags = maps.Clone(m.Tags)
	out.Embedding = slices.Clone(m.Embedding)
	out.Pipeline.TransformationOrder = slices.Clone(m.Pipeline.TransformationOrder)
	return &out
}

// Touch stamps LastAccessedAt with the current wall clock.
func (m *Manifest) Touch() {
	m.LastAccessedAt = time.Now().UnixMilli()
}

// Bucket returns the bucket tag.
func (m *Manifest) Bucket() string { return m.Tags[TagBucket] }

// Key returns the key tag.
func (m *Manifest) Key() string { return m.Tags[TagKey] }

// Stage names a transformation pipeline stage.
type Stage string

const (
	StageCompression Stage = "compression"
	StageEncryption  Stage = "encryption"
)

// AlgoNone is the algorithm sentinel meaning "no transform".
const AlgoNone = "none"

// PipelineConfig describes how bytes were transformed on their way to the
// backend. Reads must undo the stages in mirror order of
// TransformationOrder; the live resolver configuration is irrelevant once a
// config has been recorded in a manifest.
type PipelineConfig struct {
	CompressionAlgo string `json:"compression_algo"`
	CryptoAlgo      string `json:"crypto_algo"`

	// KeyID identifies the encryption key in the external key store.
	KeyID string `json:"key_id,omitempty"`

	TransformationOrder []Stage `json:"transformation_order"`
}

// Encrypts reports whether the config includes an encryption stage.
func (c PipelineConfig) Encrypts() bool {
	return c.CryptoAlgo != "" && c.CryptoAlgo != AlgoNone
}

// Compresses reports whether the config includes a compression stage.
func (c PipelineConfig) Compresses() bool {
	return c.CompressionAlgo != "" && c.CompressionAlgo != AlgoNone
}

// Level expresses a requested quality on a coarse scale.
type Level int

const (
	LevelNone Level = iota
	LevelFastest
	LevelBalanced
	LevelMax
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelFastest:
		return "fastest"
	case LevelBalanced:
		return "balanced"
	case LevelMax:
		return "max"
	default:
		return "unknown"
	}
}

// StorageIntent expresses the desired qualities of a write. It is consumed
// once per write by the pipeline resolver and never persisted.
type StorageIntent struct {
	Security     Level
	Compression  Level
	Availability Level
}

// MetadataOverride carries caller-supplied descriptive metadata merged into
// the manifest at write time.
type MetadataOverride struct {
	ContentSummary string
	Tags           map[string]string
}
