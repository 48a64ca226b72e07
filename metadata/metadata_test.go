package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatches(t *testing.T) {
	payload := map[string]any{"lang": "go", "year": 2024, "stars": 4.5}

	tests := []struct {
		name string
		fs   *FilterSet
		want bool
	}{
		{"eq hit", Eq("lang", "go"), true},
		{"eq miss", Eq("lang", "rust"), false},
		{"eq missing key", Eq("owner", "x"), false},
		{"ne", Ne("lang", "rust"), true},
		{"numeric coercion", Eq("year", 2024.0), true},
		{"gt", Gt("year", 2020), true},
		{"gte boundary", Gte("year", 2024), true},
		{"lt", Lt("stars", 5), true},
		{"lte miss", Lte("stars", 4), false},
		{"in hit", In("lang", "rust", "go"), true},
		{"in miss", In("lang", "rust", "zig"), false},
		{"conjunction", Eq("lang", "go").And(Gt("year", 2020)), true},
		{"conjunction miss", Eq("lang", "go").And(Gt("year", 2030)), false},
		{"nil set", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fs.Matches(payload))
		})
	}
}

func TestCanonicalStable(t *testing.T) {
	a := Eq("lang", "go").And(Gt("year", 2020))
	b := Gt("year", 2020).And(Eq("lang", "go"))
	assert.Equal(t, a.Canonical(), b.Canonical())
	assert.NotEqual(t, a.Canonical(), Eq("lang", "rust").Canonical())
	assert.Equal(t, "", (*FilterSet)(nil).Canonical())

	// Integer and float forms of the same number fingerprint identically.
	assert.Equal(t, Eq("year", 2024).Canonical(), Eq("year", 2024.0).Canonical())
}

func TestIndexPredicate(t *testing.T) {
	ix := NewIndex()
	ix.Add(1, map[string]any{"lang": "go", "year": 2024})
	ix.Add(2, map[string]any{"lang": "rust", "year": 2021})
	ix.Add(3, map[string]any{"lang": "go", "year": 2019})

	pred := ix.Predicate(Eq("lang", "go"))
	require.NotNil(t, pred)
	assert.True(t, pred(1))
	assert.False(t, pred(2))
	assert.True(t, pred(3))

	pred = ix.Predicate(Eq("lang", "go").And(Gte("year", 2020)))
	assert.True(t, pred(1))
	assert.False(t, pred(3))

	pred = ix.Predicate(In("lang", "go", "rust"))
	assert.True(t, pred(1))
	assert.True(t, pred(2))

	assert.Nil(t, ix.Predicate(nil))
}

func TestIndexRemoveAndReplace(t *testing.T) {
	ix := NewIndex()
	ix.Add(1, map[string]any{"lang": "go"})

	ix.Remove(1)
	pred := ix.Predicate(Eq("lang", "go"))
	assert.False(t, pred(1))

	// Re-adding with a different payload replaces the old postings.
	ix.Add(1, map[string]any{"lang": "rust"})
	assert.False(t, ix.Predicate(Eq("lang", "go"))(1))
	assert.True(t, ix.Predicate(Eq("lang", "rust"))(1))
}
