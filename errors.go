package opobserve

import (
	"errors"
	"fmt"

	"github.com/g4mm4p4nd4/op-observe/index/hnsw"
	"github.com/g4mm4p4nd4/op-observe/record"
)

var (
	// ErrNotFound is returned when a record does not exist or is tombstoned.
	ErrNotFound = errors.New("record not found")

	// ErrCollectionNotFound is returned when the named collection does not
	// exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrCollectionExists is returned when creating a collection whose name
	// is already taken.
	ErrCollectionExists = errors.New("collection already exists")

	// ErrConflict is returned when a concurrent write invalidated an
	// operation after its internal retry.
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrIndexCorrupted is returned when the graph index has detected
	// structural damage. Reads degrade to exact scans; writes are rejected
	// until Rebuild.
	ErrIndexCorrupted = errors.New("index corrupted, rebuild required")

	// ErrCompactionThrottled is returned when a compaction request exceeds
	// the configured rate.
	ErrCompactionThrottled = errors.New("compaction throttled")

	// ErrInvalidK is returned when a query requests a non-positive number of
	// results.
	ErrInvalidK = errors.New("k must be positive")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// translateError maps internal package errors onto the public taxonomy at
// the API boundary.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, record.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, record.ErrConflict) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	if errors.Is(err, hnsw.ErrCorrupted) {
		return fmt.Errorf("%w: %w", ErrIndexCorrupted, err)
	}

	var rdm *record.ErrDimensionMismatch
	if errors.As(err, &rdm) {
		return &ErrDimensionMismatch{Expected: rdm.Expected, Actual: rdm.Actual, cause: err}
	}
	var hdm *hnsw.ErrDimensionMismatch
	if errors.As(err, &hdm) {
		return &ErrDimensionMismatch{Expected: hdm.Expected, Actual: hdm.Actual, cause: err}
	}

	return err
}
