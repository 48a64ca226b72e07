// Package opobserve is an embedded vector retrieval core: named collections
// of versioned records, a navigable small-world index per collection, and a
// latency-bounded query pipeline with result caching on top.
package opobserve

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/g4mm4p4nd4/op-observe/distance"
	"github.com/g4mm4p4nd4/op-observe/metadata"
	"github.com/g4mm4p4nd4/op-observe/pipeline"
	"github.com/g4mm4p4nd4/op-observe/record"
	"github.com/g4mm4p4nd4/op-observe/snapshot"
)

// DB owns the collections and the shared query pipeline.
type DB struct {
	opts    options
	logger  *Logger
	metrics MetricsCollector

	mu          sync.RWMutex
	collections map[string]*Collection

	pipe           *pipeline.Orchestrator
	snapshots      *snapshot.Manager
	compactLimiter *rate.Limiter
}

// New creates an empty database.
func New(optFns ...Option) *DB {
	opts := applyOptions(optFns)

	db := &DB{
		opts:           opts,
		logger:         opts.logger,
		metrics:        opts.metricsCollector,
		collections:    make(map[string]*Collection),
		compactLimiter: rate.NewLimiter(opts.compactionLimit(), 1),
	}

	db.pipe = pipeline.New(&searcher{db: db}, func(o *pipeline.Options) {
		o.LatencyBudget = opts.latencyBudget
		o.MinRerankBudget = opts.minRerankBudget
		o.EmbedBudget = opts.embedBudget
		o.CacheSize = opts.cacheSize
		o.CacheTTL = opts.cacheTTL
		o.Embedder = opts.embedder
		o.Reranker = opts.reranker
		o.Logger = opts.logger.Logger
		o.ObserveStage = func(stage pipeline.Stage, d time.Duration) {
			db.metrics.RecordStage(stage.String(), d)
		}
	})

	if opts.snapshotStore != nil {
		db.snapshots = snapshot.NewManager(opts.snapshotStore, opts.snapshotCodec)
	}
	return db
}

// CreateCollection registers a new collection.
func (db *DB) CreateCollection(config CollectionConfig) error {
	coll, err := newCollection(config, db.logger)
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.collections[config.Name]; ok {
		return fmt.Errorf("%w: %q", ErrCollectionExists, config.Name)
	}
	db.collections[config.Name] = coll

	db.logger.Info("collection created",
		"collection", config.Name,
		"dimension", config.Dimension,
		"metric", config.Metric.String())
	return nil
}

// DropCollection removes the collection and all its data.
func (db *DB) DropCollection(name string) error {
	db.mu.Lock()
	_, ok := db.collections[name]
	delete(db.collections, name)
	db.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}

	db.pipe.Forget(name)
	db.logger.Info("collection dropped", "collection", name)
	return nil
}

// DescribeCollection returns a point-in-time description of the collection.
func (db *DB) DescribeCollection(name string) (CollectionInfo, error) {
	coll, err := db.collection(name)
	if err != nil {
		return CollectionInfo{}, err
	}
	return coll.info(), nil
}

// ListCollections returns all collection names in lexical order.
func (db *DB) ListCollections() []string {
	db.mu.RLock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	db.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (db *DB) collection(name string) (*Collection, error) {
	db.mu.RLock()
	coll, ok := db.collections[name]
	db.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	return coll, nil
}

// Upsert creates or replaces the record and returns its new version.
func (db *DB) Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]any) (uint64, error) {
	start := time.Now()

	coll, err := db.collection(collection)
	if err != nil {
		db.metrics.RecordUpsert(time.Since(start), err)
		return 0, err
	}

	version, err := coll.upsert(ctx, id, vector, payload)
	err = translateError(err)
	if err == nil {
		db.pipe.Invalidate(collection)
	}

	db.metrics.RecordUpsert(time.Since(start), err)
	db.logger.LogUpsert(ctx, collection, id, version, err)
	return version, err
}

// Delete tombstones the record. It reports whether a live record was
// removed; deleting an absent record is not an error.
func (db *DB) Delete(ctx context.Context, collection, id string) (bool, error) {
	start := time.Now()

	coll, err := db.collection(collection)
	if err != nil {
		db.metrics.RecordDelete(time.Since(start), err)
		return false, err
	}

	found := coll.remove(id)
	if found {
		db.pipe.Invalidate(collection)
	}

	db.metrics.RecordDelete(time.Since(start), nil)
	db.logger.LogDelete(ctx, collection, id, found)
	return found, nil
}

// Get returns a copy of the live record.
func (db *DB) Get(ctx context.Context, collection, id string) (record.Record, error) {
	coll, err := db.collection(collection)
	if err != nil {
		return record.Record{}, err
	}

	rec, err := coll.get(id)
	return rec, translateError(err)
}

// Document is a text record for ingestion through the embedder.
type Document struct {
	ID      string
	Text    string
	Payload map[string]any
}

// IngestDocuments embeds the documents concurrently and upserts them into
// the collection. The document text is stored under the "text" payload key
// so the reranker can refine matches later.
func (db *DB) IngestDocuments(ctx context.Context, collection string, docs []Document, concurrency int) error {
	if db.opts.embedder == nil {
		return pipeline.ErrNoEmbedder
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
	}

	vectors, err := pipeline.EmbedBatch(ctx, db.opts.embedder, texts, concurrency)
	if err != nil {
		return err
	}

	for i, doc := range docs {
		payload := make(map[string]any, len(doc.Payload)+1)
		for k, v := range doc.Payload {
			payload[k] = v
		}
		if _, ok := payload["text"]; !ok {
			payload["text"] = doc.Text
		}
		if _, err := db.Upsert(ctx, collection, doc.ID, vectors[i], payload); err != nil {
			return fmt.Errorf("ingest %q: %w", doc.ID, err)
		}
	}
	return nil
}

// Query runs a search through the full pipeline: embedding (for text
// queries), cache probe, graph search, and optional reranking, all under
// the latency budget.
func (db *DB) Query(ctx context.Context, q pipeline.Query) (*pipeline.Response, error) {
	start := time.Now()

	resp, err := db.pipe.Search(ctx, q)

	k := q.TopK
	if k <= 0 {
		k = pipeline.DefaultTopK
	}
	if err != nil {
		db.metrics.RecordQuery(k, time.Since(start), false, 0, err)
		db.logger.LogQuery(ctx, q.Collection, k, 0, false, time.Since(start), err)
		return nil, err
	}

	db.metrics.RecordQuery(k, resp.Elapsed, resp.Cached, resp.RecallProxy, nil)
	db.logger.LogQuery(ctx, q.Collection, k, len(resp.Matches), resp.Cached, resp.Elapsed, nil)
	return resp, nil
}

// Compact reclaims tombstoned capacity in the collection. Runs are rate
// limited database-wide since compaction takes the collection exclusively.
func (db *DB) Compact(ctx context.Context, collection string) (int, error) {
	coll, err := db.collection(collection)
	if err != nil {
		return 0, err
	}

	if !db.compactLimiter.Allow() {
		return 0, ErrCompactionThrottled
	}

	start := time.Now()
	removed, err := coll.compact(ctx)
	err = translateError(err)
	if err == nil {
		db.pipe.Invalidate(collection)
	}

	db.metrics.RecordCompaction(removed, time.Since(start), err)
	db.logger.LogCompaction(ctx, collection, removed, time.Since(start), err)
	return removed, err
}

// Rebuild reconstructs the collection's indexes from its records,
// optionally with new graph parameters (M, efConstruction and friends;
// dimension and metric are immutable). This is the recovery path after
// corruption.
func (db *DB) Rebuild(ctx context.Context, collection string, optFns ...func(*CollectionConfig)) error {
	coll, err := db.collection(collection)
	if err != nil {
		return err
	}

	if err := coll.rebuild(ctx, optFns...); err != nil {
		return translateError(err)
	}
	db.pipe.Invalidate(collection)
	return nil
}

// Snapshot exports the collection to the configured blob store and returns
// the blob name.
func (db *DB) Snapshot(ctx context.Context, collection string) (string, error) {
	if db.snapshots == nil {
		return "", fmt.Errorf("no snapshot store configured")
	}

	coll, err := db.collection(collection)
	if err != nil {
		return "", err
	}

	snap := coll.export()
	name, err := db.snapshots.Save(ctx, snap)
	db.logger.LogSnapshot(ctx, collection, name, len(snap.Records), err)
	return name, err
}

// Restore loads a snapshot blob into a fresh collection, replacing any
// existing collection of the same name. Tombstoned records are shed during
// the import.
func (db *DB) Restore(ctx context.Context, blobName string) (string, error) {
	if db.snapshots == nil {
		return "", fmt.Errorf("no snapshot store configured")
	}

	snap, err := db.snapshots.Load(ctx, blobName)
	if err != nil {
		return "", err
	}

	metric, err := distance.ParseMetric(snap.Metric)
	if err != nil {
		return "", fmt.Errorf("restore %q: %w", blobName, err)
	}

	coll, err := newCollection(CollectionConfig{
		Name:      snap.Collection,
		Dimension: snap.Dimension,
		Metric:    metric,
	}, db.logger)
	if err != nil {
		return "", err
	}

	for _, rec := range snap.Records {
		if rec.Deleted {
			continue
		}
		if _, err := coll.upsert(ctx, rec.ID, rec.Vector, rec.Payload); err != nil {
			return "", fmt.Errorf("restore %q: %w", rec.ID, translateError(err))
		}
	}

	db.mu.Lock()
	db.collections[snap.Collection] = coll
	db.mu.Unlock()

	db.pipe.Invalidate(snap.Collection)
	db.logger.LogSnapshot(ctx, snap.Collection, blobName, len(snap.Records), nil)
	return snap.Collection, nil
}

// CacheStats returns cumulative query cache counters.
func (db *DB) CacheStats() CacheStats {
	stats := db.pipe.CacheStats()
	return CacheStats{Hits: stats.Hits, Misses: stats.Misses, HitRate: stats.HitRate()}
}

// CacheStats summarizes query cache effectiveness.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// searcher adapts the DB to the pipeline's backend interface.
type searcher struct {
	db *DB
}

func (s *searcher) VectorSearch(ctx context.Context, collection string, vector []float32, topK, efSearch int, filter *metadata.FilterSet) ([]pipeline.Match, float64, error) {
	coll, err := s.db.collection(collection)
	if err != nil {
		return nil, 0, err
	}

	matches, recall, err := coll.search(ctx, vector, topK, efSearch, filter)
	return matches, recall, translateError(err)
}

func (s *searcher) Canonicalize(collection string, vector []float32) ([]float32, error) {
	coll, err := s.db.collection(collection)
	if err != nil {
		return nil, err
	}
	return coll.canonicalize(vector)
}
