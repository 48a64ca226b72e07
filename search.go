package opobserve

import (
	"context"

	"github.com/g4mm4p4nd4/op-observe/metadata"
	"github.com/g4mm4p4nd4/op-observe/pipeline"
)

// Search creates a fluent query builder for the collection.
//
// Example:
//
//	resp, err := db.Search("docs").
//	    Vector(query).
//	    KNN(10).
//	    EF(100).
//	    Where(metadata.Eq("lang", "en")).
//	    Execute(ctx)
func (db *DB) Search(collection string) *SearchBuilder {
	return &SearchBuilder{
		db:         db,
		collection: collection,
	}
}

// SearchBuilder is a fluent builder for constructing queries.
type SearchBuilder struct {
	db         *DB
	collection string
	text       string
	vector     []float32
	k          int
	ef         int
	filter     *metadata.FilterSet
	skipCache  bool
}

// Vector sets the query vector.
func (sb *SearchBuilder) Vector(v []float32) *SearchBuilder {
	sb.vector = v
	return sb
}

// Text sets the query text, embedded through the configured embedder.
func (sb *SearchBuilder) Text(q string) *SearchBuilder {
	sb.text = q
	return sb
}

// KNN sets the number of nearest neighbors to return.
func (sb *SearchBuilder) KNN(k int) *SearchBuilder {
	sb.k = k
	return sb
}

// EF overrides the collection's beam width for this query. Higher values
// improve recall but slow down search. Values below k are raised to k.
func (sb *SearchBuilder) EF(ef int) *SearchBuilder {
	sb.ef = ef
	return sb
}

// Where restricts results to records whose payload matches the filters.
func (sb *SearchBuilder) Where(filter *metadata.FilterSet) *SearchBuilder {
	if sb.filter == nil {
		sb.filter = filter
	} else {
		sb.filter = sb.filter.And(filter)
	}
	return sb
}

// Fresh bypasses the query cache for this query.
func (sb *SearchBuilder) Fresh() *SearchBuilder {
	sb.skipCache = true
	return sb
}

// Execute runs the query through the pipeline.
func (sb *SearchBuilder) Execute(ctx context.Context) (*pipeline.Response, error) {
	return sb.db.Query(ctx, pipeline.Query{
		Collection: sb.collection,
		Text:       sb.text,
		Vector:     sb.vector,
		TopK:       sb.k,
		EFSearch:   sb.ef,
		Filter:     sb.filter,
		SkipCache:  sb.skipCache,
	})
}

// First returns only the best match, or ErrNotFound when nothing matches.
func (sb *SearchBuilder) First(ctx context.Context) (pipeline.Match, error) {
	sb.k = 1
	resp, err := sb.Execute(ctx)
	if err != nil {
		return pipeline.Match{}, err
	}
	if len(resp.Matches) == 0 {
		return pipeline.Match{}, ErrNotFound
	}
	return resp.Matches[0], nil
}
