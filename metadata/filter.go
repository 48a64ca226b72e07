// Package metadata implements payload filtering for search: filter predicates
// with a canonical form for cache fingerprinting, and a Roaring-bitmap inverted
// index that accelerates equality filters during graph traversal.
package metadata

import (
	"fmt"
	"sort"
	"strings"
)

// Operator identifies a filter comparison.
type Operator int

const (
	OpEqual Operator = iota
	OpNotEqual
	OpGreaterThan
	OpGreaterEqual
	OpLessThan
	OpLessEqual
	OpIn
)

func (op Operator) String() string {
	switch op {
	case OpEqual:
		return "eq"
	case OpNotEqual:
		return "ne"
	case OpGreaterThan:
		return "gt"
	case OpGreaterEqual:
		return "gte"
	case OpLessThan:
		return "lt"
	case OpLessEqual:
		return "lte"
	case OpIn:
		return "in"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// Filter is a single predicate over one payload field.
type Filter struct {
	Key      string
	Operator Operator
	Value    any
	Values   []any // OpIn only
}

// FilterSet is a conjunction of filters. A nil or empty set matches everything.
type FilterSet struct {
	Filters []Filter
}

// Eq matches records whose payload field equals value.
func Eq(key string, value any) *FilterSet {
	return &FilterSet{Filters: []Filter{{Key: key, Operator: OpEqual, Value: value}}}
}

// Ne matches records whose payload field does not equal value.
func Ne(key string, value any) *FilterSet {
	return &FilterSet{Filters: []Filter{{Key: key, Operator: OpNotEqual, Value: value}}}
}

// Gt matches records whose numeric payload field is greater than value.
func Gt(key string, value any) *FilterSet {
	return &FilterSet{Filters: []Filter{{Key: key, Operator: OpGreaterThan, Value: value}}}
}

// Gte matches records whose numeric payload field is >= value.
func Gte(key string, value any) *FilterSet {
	return &FilterSet{Filters: []Filter{{Key: key, Operator: OpGreaterEqual, Value: value}}}
}

// Lt matches records whose numeric payload field is less than value.
func Lt(key string, value any) *FilterSet {
	return &FilterSet{Filters: []Filter{{Key: key, Operator: OpLessThan, Value: value}}}
}

// Lte matches records whose numeric payload field is <= value.
func Lte(key string, value any) *FilterSet {
	return &FilterSet{Filters: []Filter{{Key: key, Operator: OpLessEqual, Value: value}}}
}

// In matches records whose payload field equals any of the values.
func In(key string, values ...any) *FilterSet {
	return &FilterSet{Filters: []Filter{{Key: key, Operator: OpIn, Values: values}}}
}

// And appends the other set's filters, narrowing the match.
func (fs *FilterSet) And(other *FilterSet) *FilterSet {
	if other == nil {
		return fs
	}
	fs.Filters = append(fs.Filters, other.Filters...)
	return fs
}

// Matches reports whether the payload satisfies every filter in the set.
func (fs *FilterSet) Matches(payload map[string]any) bool {
	if fs == nil {
		return true
	}
	for _, f := range fs.Filters {
		if !f.matches(payload) {
			return false
		}
	}
	return true
}

func (f *Filter) matches(payload map[string]any) bool {
	value, ok := payload[f.Key]
	if !ok {
		return false
	}

	switch f.Operator {
	case OpEqual:
		return equal(value, f.Value)
	case OpNotEqual:
		return !equal(value, f.Value)
	case OpGreaterThan:
		cmp, ok := compare(value, f.Value)
		return ok && cmp > 0
	case OpGreaterEqual:
		cmp, ok := compare(value, f.Value)
		return ok && cmp >= 0
	case OpLessThan:
		cmp, ok := compare(value, f.Value)
		return ok && cmp < 0
	case OpLessEqual:
		cmp, ok := compare(value, f.Value)
		return ok && cmp <= 0
	case OpIn:
		for _, v := range f.Values {
			if equal(value, v) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Canonical returns a deterministic textual form of the set, suitable for
// inclusion in a cache fingerprint. Filter order does not affect the result.
func (fs *FilterSet) Canonical() string {
	if fs == nil || len(fs.Filters) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fs.Filters))
	for _, f := range fs.Filters {
		if f.Operator == OpIn {
			vals := make([]string, len(f.Values))
			for i, v := range f.Values {
				vals[i] = canonicalValue(v)
			}
			sort.Strings(vals)
			parts = append(parts, fmt.Sprintf("%s:%s:[%s]", f.Key, f.Operator, strings.Join(vals, ",")))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%s:%s", f.Key, f.Operator, canonicalValue(f.Value)))
	}
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

func canonicalValue(v any) string {
	if f, ok := asFloat(v); ok {
		return fmt.Sprintf("n%g", f)
	}
	return fmt.Sprintf("%T:%v", v, v)
}

func equal(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	return a == b
}

// compare returns -1/0/+1 for ordered values; ok=false if incomparable.
func compare(a, b any) (int, bool) {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
