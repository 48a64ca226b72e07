// Package distance provides vector distance calculations and the metric
// vocabulary shared by the record store, the graph index, and the cache.
package distance

import (
	"fmt"
	"math"
	"slices"
)

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Magnitude calculates the L2 norm of v.
func Magnitude(v []float32) float32 {
	return float32(math.Sqrt(float64(Dot(v, v))))
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns 0 if either vector has zero norm.
func CosineSimilarity(a, b []float32) float32 {
	ma, mb := Magnitude(a), Magnitude(b)
	if ma == 0 || mb == 0 {
		return 0
	}
	return Dot(a, b) / (ma * mb)
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / float32(math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Metric represents the distance metric configured on a collection.
type Metric int

const (
	MetricCosine Metric = iota
	MetricDot
	MetricEuclidean
)

func (m Metric) String() string {
	switch m {
	case MetricCosine:
		return "cosine"
	case MetricDot:
		return "dot"
	case MetricEuclidean:
		return "euclidean"
	default:
		return fmt.Sprintf("unknown(%d)", m)
	}
}

// ParseMetric parses a metric name as used in collection configuration.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "cosine":
		return MetricCosine, nil
	case "dot":
		return MetricDot, nil
	case "euclidean", "l2":
		return MetricEuclidean, nil
	default:
		return 0, fmt.Errorf("unsupported metric: %q", s)
	}
}

// Func is a function type for distance calculation. Smaller means closer.
type Func func(a, b []float32) float32

// Provider returns the internal distance function for the given metric.
//
// Cosine assumes both inputs are L2-normalized, in which case
// 1 - dot(a, b) is a monotone equivalent of angular distance.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricCosine:
		return func(a, b []float32) float32 { return 1 - Dot(a, b) }, nil
	case MetricDot:
		return func(a, b []float32) float32 { return -Dot(a, b) }, nil
	case MetricEuclidean:
		return SquaredL2, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}

// Score converts an internal distance back to the caller-facing score for the
// metric. For cosine this is the similarity in [-1, 1] (identity 1.0), for dot
// the raw dot product, and for euclidean the squared distance (identity 0).
func Score(m Metric, dist float32) float32 {
	switch m {
	case MetricCosine:
		return 1 - dist
	case MetricDot:
		return -dist
	default:
		return dist
	}
}

// NeedsNormalization reports whether vectors must be L2-normalized before
// insertion and search under the given metric.
func NeedsNormalization(m Metric) bool {
	return m == MetricCosine
}
