package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g4mm4p4nd4/op-observe/metadata"
)

type fakeSearcher struct {
	matches  []Match
	recall   float64
	err      error
	partial  bool // return matches alongside err, like a cut-short traversal
	delay    time.Duration
	searches atomic.Int64
}

func (f *fakeSearcher) VectorSearch(ctx context.Context, collection string, vector []float32, topK, efSearch int, filter *metadata.FilterSet) ([]Match, float64, error) {
	f.searches.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	out := make([]Match, len(f.matches))
	copy(out, f.matches)
	if topK < len(out) {
		out = out[:topK]
	}
	if f.err != nil {
		if f.partial {
			return out, f.recall, f.err
		}
		return nil, 0, f.err
	}
	return out, f.recall, nil
}

func (f *fakeSearcher) Canonicalize(collection string, vector []float32) ([]float32, error) {
	return vector, nil
}

func staticEmbedder(vec []float32) Embedder {
	return EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		return vec, nil
	})
}

func TestSearchVectorQuery(t *testing.T) {
	searcher := &fakeSearcher{
		matches: []Match{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.8}},
		recall:  0.95,
	}
	o := New(searcher)

	resp, err := o.Search(context.Background(), Query{
		Collection: "docs",
		Vector:     []float32{1, 0},
		TopK:       2,
	})
	require.NoError(t, err)

	assert.Len(t, resp.Matches, 2)
	assert.Equal(t, "a", resp.Matches[0].ID)
	assert.False(t, resp.Cached)
	assert.False(t, resp.Unrefined)
	assert.InDelta(t, 0.95, resp.RecallProxy, 1e-9)
	assert.Contains(t, resp.StageLatencies, StageIndexSearch.String())
}

func TestSearchTextQuery(t *testing.T) {
	searcher := &fakeSearcher{matches: []Match{{ID: "a", Score: 0.9}}}

	t.Run("embeds through the configured embedder", func(t *testing.T) {
		o := New(searcher, func(o *Options) {
			o.Embedder = staticEmbedder([]float32{0.5, 0.5})
		})
		resp, err := o.Search(context.Background(), Query{Collection: "docs", Text: "hello"})
		require.NoError(t, err)
		assert.Len(t, resp.Matches, 1)
	})

	t.Run("fails without an embedder", func(t *testing.T) {
		o := New(searcher)
		_, err := o.Search(context.Background(), Query{Collection: "docs", Text: "hello"})
		assert.ErrorIs(t, err, ErrNoEmbedder)
	})

	t.Run("fails with neither text nor vector", func(t *testing.T) {
		o := New(searcher)
		_, err := o.Search(context.Background(), Query{Collection: "docs"})
		assert.ErrorIs(t, err, ErrEmptyQuery)
	})
}

func TestSearchCacheRoundTrip(t *testing.T) {
	searcher := &fakeSearcher{matches: []Match{{ID: "a", Score: 0.9}}}
	o := New(searcher)
	q := Query{Collection: "docs", Vector: []float32{1, 0}, TopK: 1}

	first, err := o.Search(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := o.Search(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Matches, second.Matches)
	assert.Equal(t, int64(1), searcher.searches.Load(), "cache hit must not touch the index")

	stats := o.CacheStats()
	assert.Equal(t, uint64(1), stats.Hits)
}

func TestSearchSkipCache(t *testing.T) {
	searcher := &fakeSearcher{matches: []Match{{ID: "a", Score: 0.9}}}
	o := New(searcher)
	q := Query{Collection: "docs", Vector: []float32{1, 0}, TopK: 1, SkipCache: true}

	_, err := o.Search(context.Background(), q)
	require.NoError(t, err)
	_, err = o.Search(context.Background(), q)
	require.NoError(t, err)

	assert.Equal(t, int64(2), searcher.searches.Load())
}

func TestInvalidateDropsCachedResults(t *testing.T) {
	searcher := &fakeSearcher{matches: []Match{{ID: "a", Score: 0.9}}}
	o := New(searcher)
	q := Query{Collection: "docs", Vector: []float32{1, 0}, TopK: 1}

	_, err := o.Search(context.Background(), q)
	require.NoError(t, err)

	o.Invalidate("docs")

	resp, err := o.Search(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, int64(2), searcher.searches.Load())
}

func TestSearchBudgetExceeded(t *testing.T) {
	searcher := &fakeSearcher{
		matches: []Match{{ID: "a", Score: 0.9}},
		delay:   50 * time.Millisecond,
	}
	o := New(searcher, func(o *Options) {
		o.LatencyBudget = 10 * time.Millisecond
	})

	_, err := o.Search(context.Background(), Query{Collection: "docs", Vector: []float32{1, 0}})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestSearchBudgetExpiryKeepsPartialResults(t *testing.T) {
	searcher := &fakeSearcher{
		matches: []Match{{ID: "a", Score: 0.9}},
		err:     context.DeadlineExceeded,
		partial: true,
	}
	o := New(searcher)
	q := Query{Collection: "docs", Vector: []float32{1, 0}, TopK: 1}

	resp, err := o.Search(context.Background(), q)
	require.NoError(t, err, "partial results degrade under the flag, not as an error")
	assert.True(t, resp.BudgetExceeded)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "a", resp.Matches[0].ID)

	// Degraded responses are not cached; the retry traverses again.
	resp, err = o.Search(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, int64(2), searcher.searches.Load())
}

func TestEmbedBudget(t *testing.T) {
	slow := EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return []float32{1, 0}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	searcher := &fakeSearcher{matches: []Match{{ID: "a", Score: 0.9}}}

	t.Run("cuts off a slow embedder", func(t *testing.T) {
		o := New(searcher, func(o *Options) {
			o.Embedder = slow
			o.EmbedBudget = 5 * time.Millisecond
		})

		start := time.Now()
		_, err := o.Search(context.Background(), Query{Collection: "docs", Text: "hello"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), DefaultLatencyBudget,
			"the embed stage must fail well before the query budget")
	})

	t.Run("leaves room when the embedder is fast enough", func(t *testing.T) {
		o := New(searcher, func(o *Options) {
			o.Embedder = slow
			o.EmbedBudget = time.Second
		})

		resp, err := o.Search(context.Background(), Query{Collection: "docs", Text: "hello"})
		require.NoError(t, err)
		assert.Len(t, resp.Matches, 1)
	})
}

func TestRerankGating(t *testing.T) {
	matches := []Match{
		{ID: "a", Score: 0.9, Payload: map[string]any{"text": "unrelated words entirely"}},
		{ID: "b", Score: 0.8, Payload: map[string]any{"text": "large language models in production"}},
	}

	t.Run("reranks with budget to spare", func(t *testing.T) {
		searcher := &fakeSearcher{matches: matches}
		o := New(searcher, func(o *Options) {
			o.Reranker = NewLexicalReranker()
		})

		resp, err := o.Search(context.Background(), Query{
			Collection: "docs",
			Text:       "language models in production",
			Vector:     []float32{1, 0},
		})
		require.NoError(t, err)
		assert.False(t, resp.Unrefined)
		assert.Equal(t, "b", resp.Matches[0].ID, "lexical agreement must win")
		assert.Equal(t, ScoreSourceReranker, resp.Matches[0].ScoreSource)
	})

	t.Run("skips rerank when the budget is nearly spent", func(t *testing.T) {
		searcher := &fakeSearcher{matches: matches, delay: 30 * time.Millisecond}
		o := New(searcher, func(o *Options) {
			o.Reranker = NewLexicalReranker()
			o.LatencyBudget = 50 * time.Millisecond
			o.MinRerankBudget = 40 * time.Millisecond
		})

		resp, err := o.Search(context.Background(), Query{
			Collection: "docs",
			Text:       "language models in production",
			Vector:     []float32{1, 0},
		})
		require.NoError(t, err)
		assert.True(t, resp.Unrefined)
		assert.Equal(t, "a", resp.Matches[0].ID, "vector order stands when rerank is skipped")
	})
}

func TestSearchPropagatesIndexError(t *testing.T) {
	wantErr := errors.New("index offline")
	o := New(&fakeSearcher{err: wantErr})

	_, err := o.Search(context.Background(), Query{Collection: "docs", Vector: []float32{1, 0}})
	assert.ErrorIs(t, err, wantErr)
}

func TestEmbedBatch(t *testing.T) {
	embedder := EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		if text == "boom" {
			return nil, errors.New("backend unavailable")
		}
		return []float32{float32(len(text))}, nil
	})

	t.Run("preserves order", func(t *testing.T) {
		out, err := EmbedBatch(context.Background(), embedder, []string{"a", "bb", "ccc"}, 2)
		require.NoError(t, err)
		require.Len(t, out, 3)
		assert.Equal(t, []float32{1}, out[0])
		assert.Equal(t, []float32{2}, out[1])
		assert.Equal(t, []float32{3}, out[2])
	})

	t.Run("fails fast", func(t *testing.T) {
		_, err := EmbedBatch(context.Background(), embedder, []string{"a", "boom", "c"}, 1)
		assert.Error(t, err)
	})
}

func TestCachedEmbedder(t *testing.T) {
	var calls atomic.Int64
	inner := EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return []float32{float32(len(text)), 1}, nil
	})

	e, err := NewCachedEmbedder(inner, 4)
	require.NoError(t, err)

	first, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	second, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), calls.Load(), "repeated text must hit the cache")

	// Returned slices are private copies.
	second[0] = -1
	third, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, first, third)
}
