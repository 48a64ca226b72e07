// Package record implements the vector record store: it owns record identity,
// vectors, payloads, tombstones, and per-record versioning.
package record

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

var (
	// ErrNotFound is returned when a record does not exist or is tombstoned.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a concurrent upsert to the same id wins the
	// version race twice in a row. It is transient and safe to retry.
	ErrConflict = errors.New("concurrent modification conflict")
)

// ErrDimensionMismatch indicates a vector/collection dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Record is a single stored vector with its payload.
// Vector and Payload are owned by the store; callers receive copies.
type Record struct {
	ID      string
	Vector  []float32
	Payload map[string]any
	Deleted bool
	Version uint64
}

// UpdateKind distinguishes the index-update events emitted by the store.
type UpdateKind int

const (
	UpdateUpsert UpdateKind = iota
	UpdateDelete
)

// Update is the event emitted after every successful mutation.
// The graph index consumes these to stay in sync with the store.
type Update struct {
	Kind    UpdateKind
	ID      string
	Vector  []float32
	Payload map[string]any
	Version uint64
}

// UpdateHook consumes store mutations. It runs inside the store's write
// lock, so events are delivered in version-commit order and the index can
// never observe two upserts to one id out of order. An error from an upsert
// hook rolls the commit back and fails the operation; the hook must not call
// back into the store.
type UpdateHook func(ctx context.Context, u Update) error

// Store is an in-memory record store guarded by a single RWMutex.
// Record versions additionally use a compare-and-swap commit so that two
// writers racing on the same id cannot silently lose an update.
type Store struct {
	dimension int

	mu      sync.RWMutex
	records map[string]*Record

	epoch   atomic.Uint64 // bumped on every successful mutation
	live    atomic.Int64
	deleted atomic.Int64

	hook UpdateHook
}

// NewStore creates a record store for vectors of the given dimensionality.
func NewStore(dimension int) *Store {
	return &Store{
		dimension: dimension,
		records:   make(map[string]*Record),
	}
}

// SetUpdateHook registers the consumer for index-update events.
// Must be called before the store is shared between goroutines.
func (s *Store) SetUpdateHook(hook UpdateHook) {
	s.hook = hook
}

// Dimension returns the fixed vector dimensionality of the store.
func (s *Store) Dimension() int { return s.dimension }

// Epoch returns the current write epoch. It increases on every successful
// upsert or delete and is used by the query cache for freshness checks.
func (s *Store) Epoch() uint64 { return s.epoch.Load() }

// Len returns the number of live (non-tombstoned) records.
func (s *Store) Len() int { return int(s.live.Load()) }

// Tombstones returns the number of tombstoned records awaiting compaction.
func (s *Store) Tombstones() int { return int(s.deleted.Load()) }

// Upsert creates or replaces the record for id and returns the new version.
// Re-upserting an existing id replaces vector and payload and increments the
// version by exactly one, reviving the record if it was tombstoned.
func (s *Store) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) (uint64, error) {
	if len(vector) != s.dimension {
		return 0, &ErrDimensionMismatch{Expected: s.dimension, Actual: len(vector)}
	}

	version, err := s.tryUpsert(ctx, id, vector, payload)
	if errors.Is(err, ErrConflict) {
		// One internal retry with the updated version, per the write contract.
		version, err = s.tryUpsert(ctx, id, vector, payload)
	}
	return version, err
}

func (s *Store) tryUpsert(ctx context.Context, id string, vector []float32, payload map[string]any) (uint64, error) {
	s.mu.RLock()
	var expected uint64
	if prev, ok := s.records[id]; ok {
		expected = prev.Version
	}
	s.mu.RUnlock()

	next := &Record{
		ID:      id,
		Vector:  slices.Clone(vector),
		Payload: maps.Clone(payload),
		Version: expected + 1,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.records[id]
	if ok && prev.Version != expected {
		return 0, ErrConflict
	}
	if !ok && expected != 0 {
		return 0, ErrConflict
	}

	revived := ok && prev.Deleted
	if !ok {
		s.live.Add(1)
	} else if revived {
		s.live.Add(1)
		s.deleted.Add(-1)
	}
	s.records[id] = next

	if s.hook != nil {
		err := s.hook(ctx, Update{
			Kind:    UpdateUpsert,
			ID:      id,
			Vector:  next.Vector,
			Payload: next.Payload,
			Version: next.Version,
		})
		if err != nil {
			// Roll the commit back so the store and the index cannot drift.
			if !ok {
				delete(s.records, id)
				s.live.Add(-1)
			} else {
				s.records[id] = prev
				if revived {
					s.live.Add(-1)
					s.deleted.Add(1)
				}
			}
			return 0, err
		}
	}

	s.epoch.Add(1)
	return next.Version, nil
}

// Delete tombstones the record for id. It returns false if the record is
// absent or already tombstoned; deleting twice is not an error.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Deleted {
		return false
	}
	rec.Deleted = true
	rec.Version++
	s.live.Add(-1)
	s.deleted.Add(1)
	s.epoch.Add(1)

	if s.hook != nil {
		// Tombstoning never fails at the index; the hook error is advisory.
		_ = s.hook(context.Background(), Update{Kind: UpdateDelete, ID: id, Version: rec.Version})
	}
	return true
}

// Get returns a copy of the live record for id.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok || rec.Deleted {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

// Scan returns a lazy, restartable sequence over live records matching the
// filter (nil matches everything). The id set is snapshotted at iteration
// start; records mutated mid-scan reflect their state when reached.
func (s *Store) Scan(filter func(Record) bool) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		s.mu.RLock()
		ids := make([]string, 0, len(s.records))
		for id, rec := range s.records {
			if !rec.Deleted {
				ids = append(ids, id)
			}
		}
		s.mu.RUnlock()
		slices.Sort(ids)

		for _, id := range ids {
			s.mu.RLock()
			rec, ok := s.records[id]
			var out Record
			if ok && !rec.Deleted {
				out = copyRecord(rec)
			} else {
				ok = false
			}
			s.mu.RUnlock()

			if !ok {
				continue
			}
			if filter != nil && !filter(out) {
				continue
			}
			if !yield(out) {
				return
			}
		}
	}
}

// Compact physically removes tombstoned records and returns their ids so the
// graph index can rewrite the affected neighbor lists. It is a maintenance
// operation and must never run inline with a request.
func (s *Store) Compact() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, rec := range s.records {
		if rec.Deleted {
			removed = append(removed, id)
			delete(s.records, id)
		}
	}
	s.deleted.Add(int64(-len(removed)))
	slices.Sort(removed)
	return removed
}

func copyRecord(rec *Record) Record {
	return Record{
		ID:      rec.ID,
		Vector:  slices.Clone(rec.Vector),
		Payload: maps.Clone(rec.Payload),
		Deleted: rec.Deleted,
		Version: rec.Version,
	}
}
