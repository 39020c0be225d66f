package pipeline

import (
	"fmt"
	"slices"

	"github.com/opalstore/opal/manifest"
)

// ResolverConfig carries operator preferences. Zero values mean "let the
// resolver pick from the registry".
type ResolverConfig struct {
	// DefaultCompression / DefaultEncryption pin an algorithm id. A pinned id
	// missing from the registry is a configuration error surfaced at resolve
	// time, not silently substituted.
	DefaultCompression string
	DefaultEncryption  string

	// Order overrides the default [compression, encryption] stage sequence.
	Order []manifest.Stage
}

// Resolver maps storage intents to concrete pipeline configurations.
type Resolver struct {
	registry Registry
	cfg      ResolverConfig
}

// NewResolver creates a resolver over the given registry.
func NewResolver(registry Registry, cfg ResolverConfig) *Resolver {
	return &Resolver{registry: registry, cfg: cfg}
}

// defaultOrder compresses first so encryption operates on smaller input and
// compression is not defeated by high-entropy ciphertext.
var defaultOrder = []manifest.Stage{manifest.StageCompression, manifest.StageEncryption}

// Resolve selects algorithms for the intent.
//
// Per stage the preference is three-tiered: the operator-pinned id, then the
// algorithm whose declared level matches the requested level, then the
// highest-capability algorithm available at all.
func (r *Resolver) Resolve(intent manifest.StorageIntent) (manifest.PipelineConfig, error) {
	cfg := manifest.PipelineConfig{
		CompressionAlgo: manifest.AlgoNone,
		CryptoAlgo:      manifest.AlgoNone,
	}

	if intent.Compression != manifest.LevelNone {
		name, err := r.resolveCompression(intent.Compression)
		if err != nil {
			return manifest.PipelineConfig{}, err
		}
		cfg.CompressionAlgo = name
	}

	if intent.Security != manifest.LevelNone {
		name, err := r.resolveEncryption(intent.Security)
		if err != nil {
			return manifest.PipelineConfig{}, err
		}
		cfg.CryptoAlgo = name
	}

	order := r.cfg.Order
	if len(order) == 0 {
		order = defaultOrder
	}
	cfg.TransformationOrder = activeStages(order, cfg)

	return cfg, nil
}

// activeStages drops stages whose algorithm resolved to "none" so the
// recorded order lists exactly the transforms that ran.
func activeStages(order []manifest.Stage, cfg manifest.PipelineConfig) []manifest.Stage {
	out := make([]manifest.Stage, 0, len(order))
	for _, stage := range order {
		switch stage {
		case manifest.StageCompression:
			if cfg.Compresses() {
				out = append(out, stage)
			}
		case manifest.StageEncryption:
			if cfg.Encrypts() {
				out = append(out, stage)
			}
		}
	}
	return out
}

func (r *Resolver) resolveCompression(level manifest.Level) (string, error) {
	if r.cfg.DefaultCompression != "" {
		if _, ok := r.registry.Compressor(r.cfg.DefaultCompression); !ok {
			return "", fmt.Errorf("%w: compression %q", ErrUnknownAlgorithm, r.cfg.DefaultCompression)
		}
		return r.cfg.DefaultCompression, nil
	}

	available := r.registry.Compressors()
	if len(available) == 0 {
		return "", fmt.Errorf("%w: no compression algorithms registered", ErrUnknownAlgorithm)
	}
	return pickByLevel(available, int(level), Compressor.Name, Compressor.Level), nil
}

func (r *Resolver) resolveEncryption(level manifest.Level) (string, error) {
	if r.cfg.DefaultEncryption != "" {
		if _, ok := r.registry.Encrypter(r.cfg.DefaultEncryption); !ok {
			return "", fmt.Errorf("%w: encryption %q", ErrUnknownAlgorithm, r.cfg.DefaultEncryption)
		}
		return r.cfg.DefaultEncryption, nil
	}

	available := r.registry.Encrypters()
	if len(available) == 0 {
		return "", fmt.Errorf("%w: no encryption algorithms registered", ErrUnknownAlgorithm)
	}
	return pickByLevel(available, int(level), Encrypter.Name, Encrypter.Level), nil
}

// pickByLevel prefers an exact level match, else the highest capability.
// Ties break lexically by name so resolution is deterministic regardless of
// registry iteration order.
func pickByLevel[T any](available []T, want int, name func(T) string, level func(T) int) string {
	slices.SortFunc(available, func(a, b T) int {
		if d := level(b) - level(a); d != 0 {
			return d
		}
		if name(a) < name(b) {
			return -1
		}
		return 1
	})

	for _, a := range available {
		if level(a) == want {
			return name(a)
		}
	}
	return name(available[0])
}
