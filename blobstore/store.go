// Package blobstore abstracts where snapshots live: in memory for tests,
// on the local filesystem, or behind an S3-compatible object store.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations must return an error that satisfies
// errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("blob not found")

// Store is the interface snapshot persistence is written against. Blobs are
// immutable once written; Put with an existing name replaces atomically.
type Store interface {
	// Put writes the blob under name, consuming r to EOF.
	Put(ctx context.Context, name string, r io.Reader) error

	// Get opens the named blob for reading. The caller closes it.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	// Delete removes the blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns blob names under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}
