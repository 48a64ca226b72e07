package opobserve

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/g4mm4p4nd4/op-observe/distance"
	"github.com/g4mm4p4nd4/op-observe/index/hnsw"
	"github.com/g4mm4p4nd4/op-observe/metadata"
	"github.com/g4mm4p4nd4/op-observe/pipeline"
	"github.com/g4mm4p4nd4/op-observe/record"
	"github.com/g4mm4p4nd4/op-observe/snapshot"
)

// CollectionConfig describes a collection at creation time. Dimension and
// Metric are immutable once the collection exists.
type CollectionConfig struct {
	Name      string
	Dimension int
	Metric    distance.Metric

	// Graph parameters. Zero values take the index defaults.
	M                   int
	EFConstruction      int
	EFSearch            int
	MaxEFSearch         int
	BruteForceThreshold int
	RandomSeed          *int64
}

func (c *CollectionConfig) validate() error {
	if c.Name == "" {
		return errors.New("collection name must not be empty")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("collection %q: dimension must be positive, got %d", c.Name, c.Dimension)
	}
	return nil
}

// CollectionInfo is a point-in-time description of a collection.
type CollectionInfo struct {
	Name           string
	Dimension      int
	Metric         string
	Records        int
	Tombstones     int
	TombstoneRatio float64
	WriteEpoch     uint64
	Corrupted      bool
}

// Collection binds a record store, its graph index, and the metadata
// inverted index. The collection mutex only guards index swaps during
// rebuild; the components carry their own finer-grained locking.
type Collection struct {
	config CollectionConfig
	logger *Logger

	mu    sync.RWMutex
	store *record.Store
	index *hnsw.Index
	meta  *metadata.Index
}

func newCollection(config CollectionConfig, logger *Logger) (*Collection, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	c := &Collection{
		config: config,
		logger: logger.WithCollection(config.Name),
		store:  record.NewStore(config.Dimension),
		meta:   metadata.NewIndex(),
	}

	index, err := c.newIndex()
	if err != nil {
		return nil, err
	}
	c.index = index
	c.store.SetUpdateHook(c.applyUpdate)
	return c, nil
}

// applyUpdate keeps the graph and metadata indexes in step with the record
// store. The store invokes it under its write lock, so updates to one id
// reach the index in version-commit order even under concurrent writers.
func (c *Collection) applyUpdate(ctx context.Context, u record.Update) error {
	switch u.Kind {
	case record.UpdateUpsert:
		oldNode, hadOld := c.index.NodeID(u.ID)
		node, err := c.index.Insert(ctx, u.ID, u.Vector)
		if err != nil {
			return err
		}
		if hadOld {
			c.meta.Remove(oldNode)
		}
		c.meta.Add(node, u.Payload)
	case record.UpdateDelete:
		if node, ok := c.index.NodeID(u.ID); ok {
			c.meta.Remove(node)
		}
		c.index.Delete(u.ID)
	}
	return nil
}

func (c *Collection) newIndex() (*hnsw.Index, error) {
	cfg := c.config
	return hnsw.New(func(o *hnsw.Options) {
		o.Dimension = cfg.Dimension
		o.Metric = cfg.Metric
		o.Logger = c.logger.Logger
		if cfg.M > 0 {
			o.M = cfg.M
		}
		if cfg.EFConstruction > 0 {
			o.EFConstruction = cfg.EFConstruction
		}
		if cfg.EFSearch > 0 {
			o.EFSearch = cfg.EFSearch
		}
		if cfg.MaxEFSearch > 0 {
			o.MaxEFSearch = cfg.MaxEFSearch
		}
		if cfg.BruteForceThreshold > 0 {
			o.BruteForceThreshold = cfg.BruteForceThreshold
		}
		o.RandomSeed = cfg.RandomSeed
	})
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.config.Name }

func (c *Collection) info() CollectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CollectionInfo{
		Name:           c.config.Name,
		Dimension:      c.config.Dimension,
		Metric:         c.config.Metric.String(),
		Records:        c.store.Len(),
		Tombstones:     c.store.Tombstones(),
		TombstoneRatio: c.index.TombstoneRatio(),
		WriteEpoch:     c.store.Epoch(),
		Corrupted:      c.index.Corrupted(),
	}
}

func (c *Collection) upsert(ctx context.Context, id string, vector []float32, payload map[string]any) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.index.Corrupted() {
		return 0, ErrIndexCorrupted
	}

	// The update hook carries the write into the graph and metadata indexes.
	return c.store.Upsert(ctx, id, vector, payload)
}

func (c *Collection) remove(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Delete(id)
}

func (c *Collection) get(id string) (record.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Get(id)
}

// canonicalize validates dimensionality and maps the vector to the form
// distances are computed in.
func (c *Collection) canonicalize(vector []float32) ([]float32, error) {
	if len(vector) != c.config.Dimension {
		return nil, &ErrDimensionMismatch{Expected: c.config.Dimension, Actual: len(vector)}
	}
	if distance.NeedsNormalization(c.config.Metric) {
		normalized, ok := distance.NormalizeL2Copy(vector)
		if !ok {
			return nil, errors.New("query vector has zero magnitude")
		}
		return normalized, nil
	}
	return vector, nil
}

// search runs a vector query. Small or corrupted collections take the exact
// scan path; everything else goes through the graph.
func (c *Collection) search(ctx context.Context, vector []float32, topK, efSearch int, filter *metadata.FilterSet) ([]pipeline.Match, float64, error) {
	if topK <= 0 {
		return nil, 0, ErrInvalidK
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.index.BruteForceCandidate() || c.index.Corrupted() {
		matches, err := c.bruteSearch(ctx, vector, topK, filter)
		if err != nil && len(matches) == 0 {
			return nil, 0, err
		}
		// Exact scan, so the proxy is trivially perfect.
		return matches, 1.0, err
	}

	res, err := c.index.Search(ctx, vector, topK, &hnsw.SearchOptions{
		EFSearch: efSearch,
		Filter:   c.meta.Predicate(filter),
	})
	if err != nil && len(res.Hits) == 0 {
		return nil, 0, err
	}

	matches := make([]pipeline.Match, 0, len(res.Hits))
	for _, hit := range res.Hits {
		rec, err := c.store.Get(hit.RecordID)
		if err != nil {
			// Deleted between traversal and here; skip rather than fail.
			continue
		}
		matches = append(matches, pipeline.Match{
			ID:          hit.RecordID,
			Score:       distance.Score(c.config.Metric, hit.Distance),
			ScoreSource: pipeline.ScoreSourceVector,
			Payload:     rec.Payload,
		})
	}

	recall := 0.0
	if res.Touched > 0 {
		recall = float64(res.Live) / float64(res.Touched)
	}
	return matches, recall, err
}

func (c *Collection) bruteSearch(ctx context.Context, vector []float32, topK int, filter *metadata.FilterSet) ([]pipeline.Match, error) {
	payloads := make(map[string]map[string]any)

	seq := func(yield func(string, []float32) bool) {
		for rec := range c.store.Scan(func(r record.Record) bool {
			return filter == nil || filter.Matches(r.Payload)
		}) {
			payloads[rec.ID] = rec.Payload
			if !yield(rec.ID, rec.Vector) {
				return
			}
		}
	}

	hits, err := c.index.BruteSearch(ctx, vector, topK, iter.Seq2[string, []float32](seq))
	if err != nil && len(hits) == 0 {
		return nil, err
	}

	matches := make([]pipeline.Match, 0, len(hits))
	for _, hit := range hits {
		matches = append(matches, pipeline.Match{
			ID:          hit.RecordID,
			Score:       distance.Score(c.config.Metric, hit.Distance),
			ScoreSource: pipeline.ScoreSourceVector,
			Payload:     payloads[hit.RecordID],
		})
	}
	return matches, err
}

// compact reclaims tombstoned capacity under exclusive access.
func (c *Collection) compact(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed, err := c.index.Compact(ctx)
	if err != nil {
		return 0, err
	}
	c.store.Compact()
	return removed, nil
}

// rebuild reconstructs the graph and metadata indexes from the record
// store, optionally with new graph parameters. This is the recovery path
// for corruption, the way to retune M/efConstruction, and the cheapest way
// to shed accumulated tombstones in one pass.
func (c *Collection) rebuild(ctx context.Context, optFns ...func(*CollectionConfig)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()

	config := c.config
	for _, fn := range optFns {
		fn(&config)
	}
	// Dimension and metric are immutable; parameter overrides cannot touch
	// them without invalidating every stored vector.
	config.Name = c.config.Name
	config.Dimension = c.config.Dimension
	config.Metric = c.config.Metric
	c.config = config

	index, err := c.newIndex()
	if err != nil {
		return err
	}
	meta := metadata.NewIndex()

	for rec := range c.store.Scan(nil) {
		node, err := index.Insert(ctx, rec.ID, rec.Vector)
		if err != nil {
			return fmt.Errorf("rebuild %q: %w", rec.ID, err)
		}
		meta.Add(node, rec.Payload)
	}
	c.store.Compact()

	c.index = index
	c.meta = meta

	c.logger.Info("index rebuilt",
		"records", c.store.Len(),
		"elapsed", time.Since(start))
	return nil
}

// export captures a point-in-time snapshot of the collection's records.
func (c *Collection) export() *snapshot.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &snapshot.Snapshot{
		Collection: c.config.Name,
		Dimension:  c.config.Dimension,
		Metric:     c.config.Metric.String(),
		CreatedAt:  time.Now().UTC(),
	}
	for rec := range c.store.Scan(nil) {
		snap.Records = append(snap.Records, rec)
	}
	return snap
}
