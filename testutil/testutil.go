// Package testutil provides helpers for tests and benchmarks: seeded
// random vector generation, exact ground-truth search, recall computation,
// and a deterministic embedder for pipeline tests.
package testutil

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/g4mm4p4nd4/op-observe/distance"
)

// RNG is a thread-safe seeded random number generator.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed int64
}

// NewRNG creates an RNG with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset restores the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// FillUniform fills v with uniform values in [-1, 1).
func (r *RNG) FillUniform(v []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range v {
		v[i] = r.rand.Float32()*2 - 1
	}
}

// FillGaussian fills v with standard normal values.
func (r *RNG) FillGaussian(v []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range v {
		v[i] = float32(r.rand.NormFloat64())
	}
}

// Vectors generates n uniform vectors of the given dimension.
func (r *RNG) Vectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, dim)
		r.FillUniform(out[i])
	}
	return out
}

// Neighbor is one entry of an exact ground-truth result.
type Neighbor struct {
	Index    int
	Distance float32
}

// ExactTopK computes the exact k nearest dataset entries to query under the
// distance function, closest first. Ties break on the lower index.
func ExactTopK(query []float32, dataset [][]float32, k int, distFunc distance.Func) []Neighbor {
	neighbors := make([]Neighbor, len(dataset))
	for i, v := range dataset {
		neighbors[i] = Neighbor{Index: i, Distance: distFunc(query, v)}
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Distance != neighbors[j].Distance {
			return neighbors[i].Distance < neighbors[j].Distance
		}
		return neighbors[i].Index < neighbors[j].Index
	})
	if k < len(neighbors) {
		neighbors = neighbors[:k]
	}
	return neighbors
}

// Recall returns |approx ∩ exact| / |exact| over neighbor indices.
func Recall(approx []int, exact []Neighbor) float64 {
	if len(exact) == 0 {
		return 1
	}
	truth := make(map[int]bool, len(exact))
	for _, n := range exact {
		truth[n.Index] = true
	}
	found := 0
	for _, idx := range approx {
		if truth[idx] {
			found++
		}
	}
	return float64(found) / float64(len(exact))
}

// HashEmbedder deterministically embeds text into unit vectors of the given
// dimension. Equal text always produces equal vectors, distinct text almost
// always produces distinct ones.
type HashEmbedder struct {
	Dimension int
}

// Embed implements the pipeline embedder contract.
func (e HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	seed := xxhash.Sum64String(text)
	rng := rand.New(rand.NewSource(int64(seed)))

	v := make([]float32, e.Dimension)
	var norm float64
	for i := range v {
		v[i] = float32(rng.NormFloat64())
		norm += float64(v[i]) * float64(v[i])
	}
	if norm == 0 {
		v[0] = 1
		return v, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v, nil
}
