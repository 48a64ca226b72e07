package opobserve

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/g4mm4p4nd4/op-observe/blobstore"
	"github.com/g4mm4p4nd4/op-observe/pipeline"
	"github.com/g4mm4p4nd4/op-observe/snapshot"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector

	latencyBudget   time.Duration
	minRerankBudget time.Duration
	embedBudget     time.Duration
	cacheSize       int
	cacheTTL        time.Duration

	embedder pipeline.Embedder
	reranker pipeline.Reranker

	snapshotStore blobstore.Store
	snapshotCodec snapshot.Codec

	compactionInterval time.Duration
}

// Option configures DB constructor behavior.
type Option func(*options)

// WithLogger configures structured logging for operations. Pass nil to
// disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations.
//
// Example with BasicMetricsCollector:
//
//	metrics := &opobserve.BasicMetricsCollector{}
//	db := opobserve.New(opobserve.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc != nil {
			o.metricsCollector = mc
		}
	}
}

// WithLatencyBudget bounds each query end to end. Queries that cannot
// produce results inside the budget fail; refinement stages that would
// overrun it are skipped and flagged on the response.
func WithLatencyBudget(budget time.Duration) Option {
	return func(o *options) {
		o.latencyBudget = budget
	}
}

// WithQueryCache sizes the query result cache. ttl bounds how long an
// entry may be served without revalidation.
func WithQueryCache(size int, ttl time.Duration) Option {
	return func(o *options) {
		o.cacheSize = size
		o.cacheTTL = ttl
	}
}

// WithEmbedder enables text queries by providing the embedding backend.
func WithEmbedder(e pipeline.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// WithReranker enables the refinement stage for text queries.
func WithReranker(r pipeline.Reranker) Option {
	return func(o *options) {
		o.reranker = r
	}
}

// WithMinRerankBudget sets the remaining-budget floor below which the
// reranker is skipped.
func WithMinRerankBudget(d time.Duration) Option {
	return func(o *options) {
		o.minRerankBudget = d
	}
}

// WithEmbedBudget bounds the embed stage of text queries on its own, so a
// slow embedding backend cannot consume the whole latency budget. Zero (the
// default) lets the stage share the query deadline.
func WithEmbedBudget(d time.Duration) Option {
	return func(o *options) {
		o.embedBudget = d
	}
}

// WithSnapshotStore enables Snapshot and Restore against the blob store.
func WithSnapshotStore(store blobstore.Store, codec snapshot.Codec) Option {
	return func(o *options) {
		o.snapshotStore = store
		o.snapshotCodec = codec
	}
}

// WithCompactionInterval sets the minimum spacing between compaction runs
// across the database. Compactions requested faster than this fail with
// ErrCompactionThrottled.
func WithCompactionInterval(d time.Duration) Option {
	return func(o *options) {
		o.compactionInterval = d
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:             NoopLogger(),
		metricsCollector:   NoopMetricsCollector{},
		latencyBudget:      pipeline.DefaultLatencyBudget,
		minRerankBudget:    pipeline.DefaultMinRerankBudget,
		cacheSize:          128,
		cacheTTL:           5 * time.Minute,
		snapshotCodec:      snapshot.CodecLZ4,
		compactionInterval: 30 * time.Second,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

func (o options) compactionLimit() rate.Limit {
	if o.compactionInterval <= 0 {
		return rate.Inf
	}
	return rate.Every(o.compactionInterval)
}
