package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	assert.InDelta(t, 32.0, Dot([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-6)
	assert.InDelta(t, 0.0, Dot([]float32{1, 0}, []float32{0, 1}), 1e-6)
}

func TestSquaredL2(t *testing.T) {
	assert.InDelta(t, 0.0, SquaredL2([]float32{1, 2}, []float32{1, 2}), 1e-6)
	assert.InDelta(t, 8.0, SquaredL2([]float32{0, 0}, []float32{2, 2}), 1e-6)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 3}), 1e-6)
	// Zero vector degrades to 0 instead of NaN.
	assert.Equal(t, float32(0), CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, NormalizeL2InPlace(v))
	assert.InDelta(t, 1.0, float64(Magnitude(v)), 1e-6)

	_, ok := NormalizeL2Copy([]float32{0, 0})
	assert.False(t, ok)
}

func TestProviderOrdering(t *testing.T) {
	tests := []struct {
		name   string
		metric Metric
	}{
		{"cosine", MetricCosine},
		{"dot", MetricDot},
		{"euclidean", MetricEuclidean},
	}

	q := []float32{1, 0, 0, 0}
	near := []float32{0.9938837, 0.11043153, 0, 0} // normalized [0.9, 0.1, 0, 0]
	far := []float32{0, 1, 0, 0}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := Provider(tt.metric)
			require.NoError(t, err)
			assert.Less(t, fn(q, near), fn(q, far))
		})
	}
}

func TestScoreIdentity(t *testing.T) {
	fn, err := Provider(MetricCosine)
	require.NoError(t, err)

	v := []float32{0.6, 0.8}
	d := fn(v, v)
	assert.InDelta(t, 1.0, float64(Score(MetricCosine, d)), 1e-6)

	fn, err = Provider(MetricEuclidean)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, float64(Score(MetricEuclidean, fn(v, v))), 1e-6)
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("cosine")
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, m)

	m, err = ParseMetric("l2")
	require.NoError(t, err)
	assert.Equal(t, MetricEuclidean, m)

	_, err = ParseMetric("hamming")
	assert.Error(t, err)
}
