package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/opalstore/opal/keystore"
	"github.com/opalstore/opal/manifest"
)

// BuildWritePipeline assembles the forward transform chain on top of dst.
//
// Bytes written to the returned WriteCloser traverse cfg.TransformationOrder
// in forward order before reaching dst. Closing it flushes every stage
// without closing dst. Key material is fetched once through keys; wrap the
// store in keystore.Caching to avoid re-fetching per write.
func (r *Resolver) BuildWritePipeline(ctx context.Context, dst io.Writer, cfg manifest.PipelineConfig, keys keystore.KeyStore) (io.WriteCloser, error) {
	key, err := r.keyFor(ctx, cfg, keys)
	if err != nil {
		return nil, err
	}

	// A writer chain is built inside-out: the LAST stage in the order sits
	// closest to dst, so iterate the order backwards.
	cur := dst
	var closers []io.Closer

	order := cfg.TransformationOrder
	for i := len(order) - 1; i >= 0; i-- {
		var (
			wc   io.WriteCloser
			algo string
		)

		switch order[i] {
		case manifest.StageCompression:
			if !cfg.Compresses() {
				continue
			}
			algo = cfg.CompressionAlgo
			comp, ok := r.registry.Compressor(algo)
			if !ok {
				return nil, fmt.Errorf("%w: compression %q", ErrUnknownAlgorithm, algo)
			}
			if wc, err = comp.Compress(cur); err != nil {
				return nil, &Fault{Stage: manifest.StageCompression, Algo: algo, cause: err}
			}
		case manifest.StageEncryption:
			if !cfg.Encrypts() {
				continue
			}
			algo = cfg.CryptoAlgo
			enc, ok := r.registry.Encrypter(algo)
			if !ok {
				return nil, fmt.Errorf("%w: encryption %q", ErrUnknownAlgorithm, algo)
			}
			if wc, err = enc.Encrypt(cur, key); err != nil {
				return nil, &Fault{Stage: manifest.StageEncryption, Algo: algo, cause: err}
			}
		default:
			return nil, fmt.Errorf("%w: stage %q", ErrUnknownAlgorithm, order[i])
		}

		fw := &faultWriter{stage: order[i], algo: algo, w: wc}
		cur = fw
		closers = append([]io.Closer{fw}, closers...)
	}

	return &chainWriter{w: cur, closers: closers}, nil
}

// BuildReadPipeline assembles the reverse chain on top of src.
//
// Stages are undone in mirror order of cfg.TransformationOrder: the last
// transform applied at write time is removed first. The order comes from the
// stored config only.
func (r *Resolver) BuildReadPipeline(ctx context.Context, src io.Reader, cfg manifest.PipelineConfig, keys keystore.KeyStore) (io.ReadCloser, error) {
	key, err := r.keyFor(ctx, cfg, keys)
	if err != nil {
		return nil, err
	}

	cur := src
	var closers []io.Closer

	order := cfg.TransformationOrder
	for i := len(order) - 1; i >= 0; i-- {
		var (
			rc   io.ReadCloser
			algo string
		)

		switch order[i] {
		case manifest.StageCompression:
			if !cfg.Compresses() {
				continue
			}
			algo = cfg.CompressionAlgo
			comp, ok := r.registry.Compressor(algo)
			if !ok {
				return nil, fmt.Errorf("%w: compression %q", ErrUnknownAlgorithm, algo)
			}
			if rc, err = comp.Decompress(cur); err != nil {
				return nil, &Fault{Stage: manifest.StageCompression, Algo: algo, cause: err}
			}
		case manifest.StageEncryption:
			if !cfg.Encrypts() {
				continue
			}
			algo = cfg.CryptoAlgo
			enc, ok := r.registry.Encrypter(algo)
			if !ok {
				return nil, fmt.Errorf("%w: encryption %q", ErrUnknownAlgorithm, algo)
			}
			if rc, err = enc.Decrypt(cur, key); err != nil {
				return nil, &Fault{Stage: manifest.StageEncryption, Algo: algo, cause: err}
			}
		default:
			return nil, fmt.Errorf("%w: stage %q", ErrUnknownAlgorithm, order[i])
		}

		fr := &faultReader{stage: order[i], algo: algo, r: rc}
		cur = fr
		closers = append([]io.Closer{fr}, closers...)
	}

	return &chainReader{r: cur, closers: closers}, nil
}

func (r *Resolver) keyFor(ctx context.Context, cfg manifest.PipelineConfig, keys keystore.KeyStore) ([]byte, error) {
	if !cfg.Encrypts() {
		return nil, nil
	}
	if keys == nil {
		return nil, fmt.Errorf("pipeline: encryption configured but no key store provided")
	}
	key, err := keys.Key(ctx, cfg.KeyID)
	if err != nil {
		return nil, fmt.Errorf("resolving key %q: %w", cfg.KeyID, err)
	}
	return key, nil
}

// chainWriter writes into the outermost stage and closes stages
// outermost-first so each flush lands in the next stage before it closes.
type chainWriter struct {
	w       io.Writer
	closers []io.Closer
}

func (c *chainWriter) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *chainWriter) Close() error {
	var firstErr error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type chainReader struct {
	r       io.Reader
	closers []io.Closer
}

func (c *chainReader) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *chainReader) Close() error {
	var firstErr error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// faultWriter tags mid-stream stage errors with the stage that raised them.
type faultWriter struct {
	stage manifest.Stage
	algo  string
	w     io.WriteCloser
}

func (f *faultWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, &Fault{Stage: f.stage, Algo: f.algo, cause: err}
	}
	return n, nil
}

func (f *faultWriter) Close() error {
	if err := f.w.Close(); err != nil {
		return &Fault{Stage: f.stage, Algo: f.algo, cause: err}
	}
	return nil
}

type faultReader struct {
	stage manifest.Stage
	algo  string
	r     io.ReadCloser
}

func (f *faultReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &Fault{Stage: f.stage, Algo: f.algo, cause: err}
	}
	return n, err
}

func (f *faultReader) Close() error {
	if err := f.r.Close(); err != nil {
		return &Fault{Stage: f.stage, Algo: f.algo, cause: err}
	}
	return nil
}
