package metadata

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// Index is an inverted index from scalar payload values to the graph node ids
// carrying them. Equality and membership filters resolve to bitmap
// intersections; range filters fall back to per-payload evaluation.
type Index struct {
	mu       sync.RWMutex
	postings map[string]map[string]*roaring.Bitmap // key -> canonical value -> node ids
	payloads map[uint32]map[string]any
}

// NewIndex creates an empty metadata index.
func NewIndex() *Index {
	return &Index{
		postings: make(map[string]map[string]*roaring.Bitmap),
		payloads: make(map[uint32]map[string]any),
	}
}

// Add indexes the payload under the node id, replacing any previous payload.
func (ix *Index) Add(node uint32, payload map[string]any) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(node)
	if payload == nil {
		return
	}
	ix.payloads[node] = payload
	for key, value := range payload {
		canon := canonicalValue(value)
		byValue, ok := ix.postings[key]
		if !ok {
			byValue = make(map[string]*roaring.Bitmap)
			ix.postings[key] = byValue
		}
		bm, ok := byValue[canon]
		if !ok {
			bm = roaring.New()
			byValue[canon] = bm
		}
		bm.Add(node)
	}
}

// Remove drops the node from all posting lists.
func (ix *Index) Remove(node uint32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(node)
}

func (ix *Index) removeLocked(node uint32) {
	payload, ok := ix.payloads[node]
	if !ok {
		return
	}
	delete(ix.payloads, node)
	for key, value := range payload {
		if byValue, ok := ix.postings[key]; ok {
			canon := canonicalValue(value)
			if bm, ok := byValue[canon]; ok {
				bm.Remove(node)
				if bm.IsEmpty() {
					delete(byValue, canon)
				}
			}
		}
	}
}

// Predicate compiles the filter set into an allow predicate over node ids.
// Returns nil for an empty set, meaning no filtering.
//
// Equality and In filters intersect posting-list bitmaps; the remaining
// operators check the stored payload directly.
func (ix *Index) Predicate(fs *FilterSet) func(uint32) bool {
	if fs == nil || len(fs.Filters) == 0 {
		return nil
	}

	var allowed *roaring.Bitmap
	var residual []Filter

	ix.mu.RLock()
	for _, f := range fs.Filters {
		switch f.Operator {
		case OpEqual:
			bm := ix.lookupLocked(f.Key, f.Value)
			allowed = intersect(allowed, bm)
		case OpIn:
			union := roaring.New()
			for _, v := range f.Values {
				if bm := ix.lookupLocked(f.Key, v); bm != nil {
					union.Or(bm)
				}
			}
			allowed = intersect(allowed, union)
		default:
			residual = append(residual, f)
		}
	}
	ix.mu.RUnlock()

	return func(node uint32) bool {
		if allowed != nil && !allowed.Contains(node) {
			return false
		}
		if len(residual) == 0 {
			return true
		}
		ix.mu.RLock()
		payload, ok := ix.payloads[node]
		ix.mu.RUnlock()
		if !ok {
			return false
		}
		for i := range residual {
			if !residual[i].matches(payload) {
				return false
			}
		}
		return true
	}
}

func (ix *Index) lookupLocked(key string, value any) *roaring.Bitmap {
	byValue, ok := ix.postings[key]
	if !ok {
		return roaring.New()
	}
	bm, ok := byValue[canonicalValue(value)]
	if !ok {
		return roaring.New()
	}
	return bm.Clone()
}

func intersect(a, b *roaring.Bitmap) *roaring.Bitmap {
	if b == nil {
		return a
	}
	if a == nil {
		return b
	}
	a.And(b)
	return a
}
