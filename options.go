package opal

import (
	"log/slog"
	"time"

	"github.com/opalstore/opal/codec"
	"github.com/opalstore/opal/manifest"
	"github.com/opalstore/opal/pipeline"
	"github.com/opalstore/opal/resource"
)

type options struct {
	codec            codec.Codec
	tier             *resource.Tier
	controller       *resource.Controller
	registry         pipeline.Registry
	resolverConfig   pipeline.ResolverConfig
	flushInterval    time.Duration
	metricsCollector MetricsCollector
	logger           *Logger
	federation       FederationResolver
	governor         Governor
	eventBus         EventBus
	wormDuration     time.Duration
}

// Option configures Store constructor behavior.
type Option func(*options)

// WithCodec configures the codec used for index snapshots and WAL payloads.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithTier pins the runtime mode instead of detecting it from the host.
// The tier gates deduplication and background tiering and sizes the default
// concurrency limits.
func WithTier(t resource.Tier) Option {
	return func(o *options) {
		o.tier = &t
	}
}

// WithController replaces the tier-derived resource controller. Use this to
// set explicit concurrency or I/O throughput limits.
func WithController(c *resource.Controller) Option {
	return func(o *options) {
		o.controller = c
	}
}

// WithRegistry replaces the default algorithm registry. The default registry
// carries lz4, gzip and zstd compressors and aes-ctr and xchacha20
// encrypters.
func WithRegistry(r pipeline.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithResolverConfig pins default algorithms or overrides the transformation
// order used for new writes. Recorded manifests are unaffected.
func WithResolverConfig(cfg pipeline.ResolverConfig) Option {
	return func(o *options) {
		o.resolverConfig = cfg
	}
}

// WithFlushInterval overrides how often the index flushes its snapshot.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		o.flushInterval = d
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithFederation configures a resolver for buckets that live on remote
// stores. Reads for remote buckets are delegated instead of served locally.
func WithFederation(f FederationResolver) Option {
	return func(o *options) {
		o.federation = f
	}
}

// WithGovernor configures a retention governor. Objects written with maximum
// security intent get a write-once retention lock on their blob.
func WithGovernor(g Governor) Option {
	return func(o *options) {
		o.governor = g
	}
}

// WithEventBus configures a bus that receives a notification after every
// successful store and delete. Reads do not publish.
func WithEventBus(b EventBus) Option {
	return func(o *options) {
		o.eventBus = b
	}
}

// WithWORMDuration overrides the retention period applied by the governor.
func WithWORMDuration(d time.Duration) Option {
	return func(o *options) {
		o.wormDuration = d
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		wormDuration:     defaultWORMDuration,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

type storeOptions struct {
	expectedETag *string
	override     *manifest.MetadataOverride
	embedding    []float32
}

// StoreOption configures a single StoreObject call.
type StoreOption func(*storeOptions)

// WithExpectedETag makes the write conditional: it succeeds only if the
// current manifest carries exactly this ETag. Use the empty string to demand
// that no object exists yet. Without this option the write is unconditional.
func WithExpectedETag(etag string) StoreOption {
	return func(o *storeOptions) {
		o.expectedETag = &etag
	}
}

// WithMetadataOverride merges caller-supplied descriptive metadata into the
// manifest at write time.
func WithMetadataOverride(m manifest.MetadataOverride) StoreOption {
	return func(o *storeOptions) {
		o.override = &m
	}
}

// WithEmbedding attaches a similarity embedding to the object. The vector is
// persisted in the manifest and inserted into the vector cache.
func WithEmbedding(v []float32) StoreOption {
	return func(o *storeOptions) {
		o.embedding = v
	}
}

func applyStoreOptions(optFns []StoreOption) storeOptions {
	var o storeOptions
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
