// Package pipeline runs queries through the staged retrieval flow: embed,
// cache probe, index search, optional rerank, all under a per-query latency
// budget.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/g4mm4p4nd4/op-observe/cache"
	"github.com/g4mm4p4nd4/op-observe/metadata"
)

const (
	// ScoreSourceVector marks a score produced by vector distance alone.
	ScoreSourceVector = "vector"

	// ScoreSourceReranker marks a score refined by the reranker.
	ScoreSourceReranker = "reranker"

	// DefaultLatencyBudget bounds a query end to end.
	DefaultLatencyBudget = 200 * time.Millisecond

	// DefaultMinRerankBudget is the remaining budget below which the rerank
	// stage is skipped rather than risked.
	DefaultMinRerankBudget = 40 * time.Millisecond

	// DefaultTopK is used when a query does not specify one.
	DefaultTopK = 10
)

var (
	// ErrEmptyQuery is returned when a query has neither text nor a vector.
	ErrEmptyQuery = errors.New("pipeline: query needs text or a vector")

	// ErrNoEmbedder is returned for a text query on a pipeline built without
	// an embedder.
	ErrNoEmbedder = errors.New("pipeline: no embedder configured for text queries")

	// ErrBudgetExceeded is returned when the latency budget expires before
	// any results are available.
	ErrBudgetExceeded = errors.New("pipeline: latency budget exceeded before results")
)

// Match is a single scored result.
type Match struct {
	ID            string
	Score         float32
	BaselineScore float32
	ScoreSource   string
	Payload       map[string]any
}

// Query describes one retrieval request. Either Text or Vector must be set;
// Vector wins when both are.
type Query struct {
	Collection string
	Text       string
	Vector     []float32
	TopK       int
	EFSearch   int
	Filter     *metadata.FilterSet
	SkipCache  bool
}

// Response carries matches plus the execution trace callers use to judge
// result quality.
type Response struct {
	Matches []Match

	// Cached is true when the response was served from the query cache.
	Cached bool

	// Unrefined is true when reranking was configured but skipped for lack
	// of remaining budget.
	Unrefined bool

	// BudgetExceeded is true when the query finished past its budget or the
	// index traversal was cut short by it. Matches are then the best effort
	// collected before expiry.
	BudgetExceeded bool

	// RecallProxy is the live/touched ratio from graph traversal, a cheap
	// quality signal without ground truth. Zero for cached or brute-force
	// responses.
	RecallProxy float64

	StageLatencies map[string]time.Duration
	Elapsed        time.Duration
}

// Searcher is the collection backend a pipeline executes against.
type Searcher interface {
	// VectorSearch returns the topK matches plus the recall proxy.
	VectorSearch(ctx context.Context, collection string, vector []float32, topK, efSearch int, filter *metadata.FilterSet) ([]Match, float64, error)

	// Canonicalize maps a query vector to the form used for distance
	// computation (unit-normalized for cosine collections), so cache keys
	// treat scaled duplicates as one query.
	Canonicalize(collection string, vector []float32) ([]float32, error)
}

// Options configures an Orchestrator.
type Options struct {
	LatencyBudget   time.Duration
	MinRerankBudget time.Duration

	// EmbedBudget bounds the embed stage on its own, so a slow embedding
	// backend cannot consume the whole query budget. Zero means the stage
	// shares the query deadline.
	EmbedBudget time.Duration

	CacheSize int
	CacheTTL  time.Duration
	Embedder  Embedder
	Reranker  Reranker
	Logger    *slog.Logger

	// ObserveStage, when set, receives the duration of each completed stage.
	ObserveStage func(stage Stage, d time.Duration)
}

// DefaultOptions are the defaults for orchestrator construction.
var DefaultOptions = Options{
	LatencyBudget:   DefaultLatencyBudget,
	MinRerankBudget: DefaultMinRerankBudget,
	CacheSize:       cache.DefaultSize,
	CacheTTL:        cache.DefaultTTL,
}

// Orchestrator executes queries stage by stage. Duplicate in-flight queries
// are coalesced so a thundering herd on one fingerprint does a single
// traversal.
type Orchestrator struct {
	opts     Options
	searcher Searcher
	cache    *cache.Cache[[]Match]
	group    singleflight.Group
	logger   *slog.Logger
}

// New creates an orchestrator over the searcher.
func New(searcher Searcher, optFns ...func(o *Options)) *Orchestrator {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.LatencyBudget <= 0 {
		opts.LatencyBudget = DefaultLatencyBudget
	}
	if opts.MinRerankBudget <= 0 {
		opts.MinRerankBudget = DefaultMinRerankBudget
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Orchestrator{
		opts:     opts,
		searcher: searcher,
		cache:    cache.New[[]Match](opts.CacheSize, opts.CacheTTL),
		logger:   logger,
	}
}

// Invalidate drops cached results for the collection. Call on every write.
func (o *Orchestrator) Invalidate(collection string) {
	o.cache.Invalidate(collection)
}

// Forget drops all cache state for the collection.
func (o *Orchestrator) Forget(collection string) {
	o.cache.Forget(collection)
}

// CacheStats returns cumulative query cache counters.
func (o *Orchestrator) CacheStats() cache.Stats {
	return o.cache.Stats()
}

// Search runs the query through the full pipeline.
func (o *Orchestrator) Search(ctx context.Context, q Query) (*Response, error) {
	start := time.Now()
	latencies := make(map[string]time.Duration, 4)

	topK := q.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.LatencyBudget)
	defer cancel()

	// EMBED
	stageStart := time.Now()
	vec := q.Vector
	if vec == nil {
		if q.Text == "" {
			return nil, ErrEmptyQuery
		}
		if o.opts.Embedder == nil {
			return nil, ErrNoEmbedder
		}
		embedCtx := ctx
		if o.opts.EmbedBudget > 0 {
			var cancelEmbed context.CancelFunc
			embedCtx, cancelEmbed = context.WithTimeout(ctx, o.opts.EmbedBudget)
			defer cancelEmbed()
		}
		embedded, err := o.opts.Embedder.Embed(embedCtx, q.Text)
		if err != nil {
			return nil, fmt.Errorf("pipeline: embed query: %w", err)
		}
		vec = embedded
	}
	canonical, err := o.searcher.Canonicalize(q.Collection, vec)
	if err != nil {
		return nil, err
	}
	o.recordStage(latencies, StageEmbed, stageStart)

	key := cache.Key{
		Collection: q.Collection,
		Vector:     canonical,
		Filter:     canonicalFilter(q.Filter),
		TopK:       topK,
		EFSearch:   q.EFSearch,
	}

	// CACHE_PROBE
	stageStart = time.Now()
	if !q.SkipCache {
		if matches, ok := o.cache.Get(key); ok {
			o.recordStage(latencies, StageCacheProbe, stageStart)
			return &Response{
				Matches:        matches,
				Cached:         true,
				StageLatencies: latencies,
				Elapsed:        time.Since(start),
			}, nil
		}
	}
	o.recordStage(latencies, StageCacheProbe, stageStart)

	// INDEX_SEARCH
	stageStart = time.Now()
	ef := o.adaptiveEF(q.EFSearch, topK, start)
	matches, recall, err := o.dedupedSearch(ctx, key, q, canonical, topK, ef)
	overBudget := false
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: index search ran past %s", ErrBudgetExceeded, o.opts.LatencyBudget)
		}
		// Partial traversal results degrade under the flag instead of failing.
		overBudget = true
	}
	o.recordStage(latencies, StageIndexSearch, stageStart)

	resp := &Response{
		Matches:        matches,
		RecallProxy:    recall,
		BudgetExceeded: overBudget,
	}

	// RERANK, gated by the remaining budget.
	if o.opts.Reranker != nil && q.Text != "" && len(matches) > 0 {
		remaining := o.opts.LatencyBudget - time.Since(start)
		if remaining < o.opts.MinRerankBudget {
			resp.Unrefined = true
			o.logger.Debug("skipping rerank, budget nearly spent",
				"collection", q.Collection,
				"remaining", remaining)
		} else {
			stageStart = time.Now()
			reranked, err := o.opts.Reranker.Rerank(ctx, q.Text, matches)
			if err != nil {
				// Vector order still stands; surface the degradation, not
				// the failure.
				resp.Unrefined = true
				o.logger.Warn("rerank failed, returning vector order",
					"collection", q.Collection,
					"error", err)
			} else {
				resp.Matches = reranked
			}
			o.recordStage(latencies, StageRerank, stageStart)
		}
	}

	// Partial result sets are never cached; a retry with budget to spare
	// should redo the traversal.
	if !q.SkipCache && !overBudget {
		o.cache.Put(key, resp.Matches)
	}

	resp.Elapsed = time.Since(start)
	if resp.Elapsed > o.opts.LatencyBudget {
		resp.BudgetExceeded = true
	}
	resp.StageLatencies = latencies
	return resp, nil
}

// dedupedSearch coalesces concurrent identical queries onto one traversal.
// Matches survive alongside a deadline error so the caller can degrade
// instead of discarding a partially filled beam.
func (o *Orchestrator) dedupedSearch(ctx context.Context, key cache.Key, q Query, vec []float32, topK, ef int) ([]Match, float64, error) {
	type searchOut struct {
		matches []Match
		recall  float64
	}

	v, err, _ := o.group.Do(strconv.FormatUint(key.Fingerprint(), 16), func() (any, error) {
		matches, recall, err := o.searcher.VectorSearch(ctx, q.Collection, vec, topK, ef, q.Filter)
		return searchOut{matches: matches, recall: recall}, err
	})
	out, _ := v.(searchOut)
	return out.matches, out.recall, err
}

// adaptiveEF narrows the beam when earlier stages have eaten into the
// budget. ef never drops below topK.
func (o *Orchestrator) adaptiveEF(requested, topK int, start time.Time) int {
	ef := requested
	if ef <= 0 {
		return 0 // collection default applies
	}

	elapsed := time.Since(start)
	if elapsed > o.opts.LatencyBudget/2 {
		ef /= 2
	}
	if ef < topK {
		ef = topK
	}
	return ef
}

func (o *Orchestrator) recordStage(latencies map[string]time.Duration, stage Stage, start time.Time) {
	d := time.Since(start)
	latencies[stage.String()] = d
	if o.opts.ObserveStage != nil {
		o.opts.ObserveStage(stage, d)
	}
}

func canonicalFilter(fs *metadata.FilterSet) string {
	if fs == nil {
		return ""
	}
	return fs.Canonical()
}
