package pipeline

import (
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Capability levels of the built-in compressors. The resolver matches these
// against the requested intent level and falls back to the highest.
const (
	levelFast     = 1
	levelBalanced = 2
	levelMax      = 3
)

// LZ4 is the fastest built-in compressor, for throughput-sensitive writes.
type LZ4 struct{}

func (LZ4) Name() string { return "lz4" }
func (LZ4) Level() int   { return levelFast }

func (LZ4) Compress(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (LZ4) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

// Gzip is the balanced built-in compressor.
type Gzip struct{}

func (Gzip) Name() string { return "gzip" }
func (Gzip) Level() int   { return levelBalanced }

func (Gzip) Compress(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (Gzip) Decompress(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// Zstd is the highest-ratio built-in compressor.
type Zstd struct{}

func (Zstd) Name() string { return "zstd" }
func (Zstd) Level() int   { return levelMax }

func (Zstd) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

func (Zstd) Decompress(r io.Reader) (io.ReadCloser, error) {
	d, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return d.IOReadCloser(), nil
}
