// Package pipeline resolves storage intents into concrete transform
// configurations and assembles the forward (write) and reverse (read) byte
// stream pipelines.
//
// The write pipeline is a writer chain: bytes enter the first configured
// stage and leave the last stage into the backend. The read pipeline is the
// exact mirror, driven solely by the PipelineConfig recorded in a manifest —
// never by the live resolver configuration, so changing operator defaults
// can never break existing objects.
package pipeline

import (
	"errors"
	"fmt"
	"io"

	"github.com/opalstore/opal/manifest"
)

// ErrUnknownAlgorithm is returned when a requested algorithm id is not
// present in the registry.
var ErrUnknownAlgorithm = errors.New("pipeline: unknown algorithm")

// Fault wraps an error raised by a stage transform mid-stream. No partial
// output is valid once a Fault has been observed.
type Fault struct {
	Stage manifest.Stage
	Algo  string
	cause error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("pipeline fault in %s stage (%s): %v", f.Stage, f.Algo, f.cause)
}

func (f *Fault) Unwrap() error { return f.cause }

// Compressor is a reversible compression algorithm.
//
// Compress and Decompress wrap a stream; closing the returned WriteCloser
// flushes the stage without closing the underlying writer.
type Compressor interface {
	// Name is the stable identifier recorded in manifests.
	Name() string
	// Level ranks capability: higher compresses better and costs more.
	Level() int
	Compress(w io.Writer) (io.WriteCloser, error)
	Decompress(r io.Reader) (io.ReadCloser, error)
}

// Encrypter is a reversible encryption algorithm.
//
// Implementations own their nonce/IV handling; whatever Encrypt prepends to
// the stream, Decrypt must consume.
type Encrypter interface {
	Name() string
	Level() int
	Encrypt(w io.Writer, key []byte) (io.WriteCloser, error)
	Decrypt(r io.Reader, key []byte) (io.ReadCloser, error)
}

// Registry exposes the transform algorithms available to the resolver.
type Registry interface {
	Compressor(name string) (Compressor, bool)
	Encrypter(name string) (Encrypter, bool)
	Compressors() []Compressor
	Encrypters() []Encrypter
}

// MemoryRegistry is a static in-memory Registry.
type MemoryRegistry struct {
	compressors map[string]Compressor
	encrypters  map[string]Encrypter
}

// NewMemoryRegistry creates a registry holding the given algorithms.
func NewMemoryRegistry(compressors []Compressor, encrypters []Encrypter) *MemoryRegistry {
	r := &MemoryRegistry{
		compressors: make(map[string]Compressor, len(compressors)),
		encrypters:  make(map[string]Encrypter, len(encrypters)),
	}
	for _, c := range compressors {
		r.compressors[c.Name()] = c
	}
	for _, e := range encrypters {
		r.encrypters[e.Name()] = e
	}
	return r
}

// DefaultRegistry returns a registry with every built-in algorithm.
func DefaultRegistry() *MemoryRegistry {
	return NewMemoryRegistry(
		[]Compressor{LZ4{}, Gzip{}, Zstd{}},
		[]Encrypter{AESCTR{}, ChaCha20{}},
	)
}

// Compressor implements Registry.
func (r *MemoryRegistry) Compressor(name string) (Compressor, bool) {
	c, ok := r.compressors[name]
	return c, ok
}

// Encrypter implements Registry.
func (r *MemoryRegistry) Encrypter(name string) (Encrypter, bool) {
	e, ok := r.encrypters[name]
	return e, ok
}

// Compressors implements Registry.
func (r *MemoryRegistry) Compressors() []Compressor {
	out := make([]Compressor, 0, len(r.compressors))
	for _, c := range r.compressors {
		out = append(out, c)
	}
	return out
}

// Encrypters implements Registry.
func (r *MemoryRegistry) Encrypters() []Encrypter {
	out := make([]Encrypter, 0, len(r.encrypters))
	for _, e := range r.encrypters {
		out = append(out, e)
	}
	return out
}
