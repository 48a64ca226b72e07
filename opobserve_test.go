package opobserve

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g4mm4p4nd4/op-observe/blobstore"
	"github.com/g4mm4p4nd4/op-observe/distance"
	"github.com/g4mm4p4nd4/op-observe/metadata"
	"github.com/g4mm4p4nd4/op-observe/pipeline"
	"github.com/g4mm4p4nd4/op-observe/snapshot"
	"github.com/g4mm4p4nd4/op-observe/testutil"
)

func newTestDB(t *testing.T, optFns ...Option) *DB {
	t.Helper()
	db := New(optFns...)
	seed := int64(42)
	require.NoError(t, db.CreateCollection(CollectionConfig{
		Name:       "docs",
		Dimension:  4,
		Metric:     distance.MetricCosine,
		RandomSeed: &seed,
	}))
	return db
}

func TestCollectionLifecycle(t *testing.T) {
	db := newTestDB(t)

	t.Run("duplicate create", func(t *testing.T) {
		err := db.CreateCollection(CollectionConfig{Name: "docs", Dimension: 4})
		assert.ErrorIs(t, err, ErrCollectionExists)
	})

	t.Run("describe", func(t *testing.T) {
		info, err := db.DescribeCollection("docs")
		require.NoError(t, err)
		assert.Equal(t, "docs", info.Name)
		assert.Equal(t, 4, info.Dimension)
		assert.Equal(t, "cosine", info.Metric)
		assert.Zero(t, info.Records)
	})

	t.Run("list", func(t *testing.T) {
		require.NoError(t, db.CreateCollection(CollectionConfig{Name: "audit", Dimension: 2}))
		assert.Equal(t, []string{"audit", "docs"}, db.ListCollections())
		require.NoError(t, db.DropCollection("audit"))
	})

	t.Run("drop missing", func(t *testing.T) {
		assert.ErrorIs(t, db.DropCollection("nope"), ErrCollectionNotFound)
	})

	t.Run("invalid config", func(t *testing.T) {
		assert.Error(t, db.CreateCollection(CollectionConfig{Name: "", Dimension: 4}))
		assert.Error(t, db.CreateCollection(CollectionConfig{Name: "bad", Dimension: 0}))
	})
}

func TestUpsertQueryDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	v1, err := db.Upsert(ctx, "docs", "a", []float32{1, 0, 0, 0}, map[string]any{"lang": "en"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	_, err = db.Upsert(ctx, "docs", "b", []float32{0.9, 0.1, 0, 0}, nil)
	require.NoError(t, err)
	_, err = db.Upsert(ctx, "docs", "c", []float32{0, 1, 0, 0}, nil)
	require.NoError(t, err)

	resp, err := db.Search("docs").Vector([]float32{1, 0, 0, 0}).KNN(2).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, resp.Matches, 2)

	assert.Equal(t, "a", resp.Matches[0].ID)
	assert.InDelta(t, 1.0, resp.Matches[0].Score, 1e-5, "identical vectors score 1.0 under cosine")
	assert.Equal(t, "b", resp.Matches[1].ID)
	assert.Greater(t, resp.Matches[0].Score, resp.Matches[1].Score)

	found, err := db.Delete(ctx, "docs", "a")
	require.NoError(t, err)
	assert.True(t, found)

	resp, err = db.Search("docs").Vector([]float32{1, 0, 0, 0}).KNN(2).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, "b", resp.Matches[0].ID)
	assert.Equal(t, "c", resp.Matches[1].ID)

	found, err = db.Delete(ctx, "docs", "a")
	require.NoError(t, err)
	assert.False(t, found, "second delete reports nothing removed")
}

func TestUpsertVersioning(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	v1, err := db.Upsert(ctx, "docs", "a", []float32{1, 0, 0, 0}, nil)
	require.NoError(t, err)
	v2, err := db.Upsert(ctx, "docs", "a", []float32{0, 1, 0, 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, v1+1, v2)

	rec, err := db.Get(ctx, "docs", "a")
	require.NoError(t, err)
	assert.Equal(t, v2, rec.Version)
	assert.Equal(t, []float32{0, 1, 0, 0}, rec.Vector)
}

func TestGetErrors(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.Get(ctx, "docs", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.Get(ctx, "nope", "a")
	assert.ErrorIs(t, err, ErrCollectionNotFound)

	_, err = db.Upsert(ctx, "docs", "a", []float32{1, 0}, nil)
	var dimErr *ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 4, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Actual)
}

func TestQueryCacheInvalidation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.Upsert(ctx, "docs", "a", []float32{1, 0, 0, 0}, nil)
	require.NoError(t, err)

	q := db.Search("docs").Vector([]float32{1, 0, 0, 0}).KNN(1)
	resp, err := q.Execute(ctx)
	require.NoError(t, err)
	assert.False(t, resp.Cached)

	resp, err = db.Search("docs").Vector([]float32{1, 0, 0, 0}).KNN(1).Execute(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Cached)

	// A scaled duplicate of the query hits the same cache entry.
	resp, err = db.Search("docs").Vector([]float32{2, 0, 0, 0}).KNN(1).Execute(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Cached, "cache keys are computed over the normalized vector")

	// Any write invalidates the whole collection.
	_, err = db.Upsert(ctx, "docs", "b", []float32{0, 1, 0, 0}, nil)
	require.NoError(t, err)

	resp, err = db.Search("docs").Vector([]float32{1, 0, 0, 0}).KNN(1).Execute(ctx)
	require.NoError(t, err)
	assert.False(t, resp.Cached)

	stats := db.CacheStats()
	assert.Equal(t, uint64(2), stats.Hits)
}

func TestDropRecreateDoesNotServeStaleCache(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.Upsert(ctx, "docs", "old", []float32{1, 0, 0, 0}, nil)
	require.NoError(t, err)

	resp, err := db.Search("docs").Vector([]float32{1, 0, 0, 0}).KNN(1).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "old", resp.Matches[0].ID)

	require.NoError(t, db.DropCollection("docs"))

	// Recreate under the same name with the same write count. The cached
	// entry from the dropped collection must not come back.
	seed := int64(42)
	require.NoError(t, db.CreateCollection(CollectionConfig{
		Name:       "docs",
		Dimension:  4,
		Metric:     distance.MetricCosine,
		RandomSeed: &seed,
	}))
	_, err = db.Upsert(ctx, "docs", "new", []float32{1, 0, 0, 0}, nil)
	require.NoError(t, err)

	resp, err = db.Search("docs").Vector([]float32{1, 0, 0, 0}).KNN(1).Execute(ctx)
	require.NoError(t, err)
	assert.False(t, resp.Cached, "dropped collections leave nothing servable")
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "new", resp.Matches[0].ID)
}

func TestConcurrentUpsertsKeepIndexCurrent(t *testing.T) {
	db := New()
	seed := int64(7)
	require.NoError(t, db.CreateCollection(CollectionConfig{
		Name:                "docs",
		Dimension:           4,
		Metric:              distance.MetricCosine,
		BruteForceThreshold: 1, // force the graph path
		RandomSeed:          &seed,
	}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				vec := []float32{float32(w + 1), float32(i + 1), 1, 0}
				// Losing the version race past the internal retry is fine
				// here; only committed writes must reach the index in order.
				_, _ = db.Upsert(ctx, "docs", "shared", vec, nil)
			}
		}(w)
	}
	wg.Wait()

	rec, err := db.Get(ctx, "docs", "shared")
	require.NoError(t, err)

	// The graph must hold the vector of the last committed version, so the
	// identity query scores a perfect cosine match.
	resp, err := db.Search("docs").Vector(rec.Vector).KNN(1).Fresh().Execute(ctx)
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "shared", resp.Matches[0].ID)
	assert.InDelta(t, 1.0, resp.Matches[0].Score, 1e-4)
}

func TestMetadataFilteredSearch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		lang := "en"
		if i%2 == 1 {
			lang = "de"
		}
		vec := []float32{float32(i + 1), float32(50 - i), 1, 1}
		_, err := db.Upsert(ctx, "docs", fmt.Sprintf("doc-%d", i), vec, map[string]any{
			"lang": lang,
			"rank": i,
		})
		require.NoError(t, err)
	}

	resp, err := db.Search("docs").
		Vector([]float32{10, 40, 1, 1}).
		KNN(5).
		Where(metadata.Eq("lang", "de").And(metadata.Gte("rank", 20))).
		Execute(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Matches)

	for _, m := range resp.Matches {
		assert.Equal(t, "de", m.Payload["lang"])
		rank, _ := m.Payload["rank"].(int)
		assert.GreaterOrEqual(t, rank, 20)
	}
}

func TestTextQueryWithReranker(t *testing.T) {
	embedder := testutil.HashEmbedder{Dimension: 4}
	db := newTestDB(t,
		WithEmbedder(embedder),
		WithReranker(pipeline.NewLexicalReranker()),
	)
	ctx := context.Background()

	seed := testutil.NewRNG(3)
	texts := map[string]string{
		"a": "alerting rules for production incidents",
		"b": "dashboard layout configuration",
		"c": "tracing spans in distributed systems",
	}
	for id, text := range texts {
		vec := make([]float32, 4)
		seed.FillUniform(vec)
		_, err := db.Upsert(ctx, "docs", id, vec, map[string]any{"text": text})
		require.NoError(t, err)
	}

	resp, err := db.Search("docs").
		Text("tracing spans in distributed systems").
		KNN(3).
		Execute(ctx)
	require.NoError(t, err)
	require.Len(t, resp.Matches, 3)

	assert.Equal(t, "c", resp.Matches[0].ID, "exact phrase match must rank first after rerank")
	assert.Equal(t, pipeline.ScoreSourceReranker, resp.Matches[0].ScoreSource)
	assert.False(t, resp.Unrefined)
}

func TestIngestDocuments(t *testing.T) {
	embedder := testutil.HashEmbedder{Dimension: 4}
	db := newTestDB(t,
		WithEmbedder(embedder),
		WithReranker(pipeline.NewLexicalReranker()),
	)
	ctx := context.Background()

	docs := []Document{
		{ID: "a", Text: "postgres connection pool exhaustion", Payload: map[string]any{"service": "db"}},
		{ID: "b", Text: "kafka consumer group rebalancing"},
		{ID: "c", Text: "nginx ingress timeout tuning"},
	}
	require.NoError(t, db.IngestDocuments(ctx, "docs", docs, 2))

	info, err := db.DescribeCollection("docs")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Records)

	// Same text embeds to the same vector, so the identity query wins.
	resp, err := db.Search("docs").Text("kafka consumer group rebalancing").KNN(1).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "b", resp.Matches[0].ID)
	assert.Equal(t, "kafka consumer group rebalancing", resp.Matches[0].Payload["text"])

	rec, err := db.Get(ctx, "docs", "a")
	require.NoError(t, err)
	assert.Equal(t, "db", rec.Payload["service"])
}

func TestRebuildWithNewParameters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, err := db.Upsert(ctx, "docs", fmt.Sprintf("doc-%d", i), []float32{float32(i + 1), 1, 0, 0}, nil)
		require.NoError(t, err)
	}

	require.NoError(t, db.Rebuild(ctx, "docs", func(c *CollectionConfig) {
		c.M = 8
		c.EFConstruction = 400
	}))

	resp, err := db.Search("docs").Vector([]float32{10, 1, 0, 0}).KNN(5).Execute(ctx)
	require.NoError(t, err)
	assert.Len(t, resp.Matches, 5)
}

func TestCompactionThrottle(t *testing.T) {
	db := newTestDB(t, WithCompactionInterval(time.Hour))
	ctx := context.Background()

	_, err := db.Upsert(ctx, "docs", "a", []float32{1, 0, 0, 0}, nil)
	require.NoError(t, err)
	_, err = db.Delete(ctx, "docs", "a")
	require.NoError(t, err)

	removed, err := db.Compact(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = db.Compact(ctx, "docs")
	assert.ErrorIs(t, err, ErrCompactionThrottled)
}

func TestRebuildShedsTombstones(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := db.Upsert(ctx, "docs", fmt.Sprintf("doc-%d", i), []float32{float32(i + 1), 1, 0, 0}, nil)
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		_, err := db.Delete(ctx, "docs", fmt.Sprintf("doc-%d", i))
		require.NoError(t, err)
	}

	require.NoError(t, db.Rebuild(ctx, "docs"))

	info, err := db.DescribeCollection("docs")
	require.NoError(t, err)
	assert.Equal(t, 10, info.Records)
	assert.Zero(t, info.Tombstones)
	assert.Zero(t, info.TombstoneRatio)

	resp, err := db.Search("docs").Vector([]float32{15, 1, 0, 0}).KNN(3).Execute(ctx)
	require.NoError(t, err)
	assert.Len(t, resp.Matches, 3)
}

func TestSnapshotRestore(t *testing.T) {
	store := blobstore.NewMemoryStore()
	db := newTestDB(t, WithSnapshotStore(store, snapshot.CodecZstd))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := db.Upsert(ctx, "docs", fmt.Sprintf("doc-%d", i),
			[]float32{float32(i + 1), 1, 0, 0},
			map[string]any{"n": float64(i)})
		require.NoError(t, err)
	}

	blob, err := db.Snapshot(ctx, "docs")
	require.NoError(t, err)

	// Mutate, then restore over the live collection.
	_, err = db.Delete(ctx, "docs", "doc-0")
	require.NoError(t, err)

	name, err := db.Restore(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, "docs", name)

	rec, err := db.Get(ctx, "docs", "doc-0")
	require.NoError(t, err)
	assert.Equal(t, float64(0), rec.Payload["n"])

	info, err := db.DescribeCollection("docs")
	require.NoError(t, err)
	assert.Equal(t, 5, info.Records)
}

func TestSnapshotWithoutStore(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Snapshot(context.Background(), "docs")
	assert.Error(t, err)
}

func TestMetricsCollection(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	db := newTestDB(t, WithMetricsCollector(metrics))
	ctx := context.Background()

	_, err := db.Upsert(ctx, "docs", "a", []float32{1, 0, 0, 0}, nil)
	require.NoError(t, err)

	_, err = db.Search("docs").Vector([]float32{1, 0, 0, 0}).KNN(1).Execute(ctx)
	require.NoError(t, err)
	_, err = db.Search("docs").Vector([]float32{1, 0, 0, 0}).KNN(1).Execute(ctx)
	require.NoError(t, err)

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.UpsertCount)
	assert.Equal(t, int64(2), stats.QueryCount)
	assert.Equal(t, int64(1), stats.QueryCacheHits)
}

func TestSearchFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.Search("docs").Vector([]float32{1, 0, 0, 0}).First(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.Upsert(ctx, "docs", "a", []float32{1, 0, 0, 0}, nil)
	require.NoError(t, err)

	m, err := db.Search("docs").Vector([]float32{1, 0, 0, 0}).First(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", m.ID)
}
