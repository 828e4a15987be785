package cache

import (
	"context"
	"errors"
)

var (
	// ErrCacheMiss indicates no entry exists for the requested id
	ErrCacheMiss = errors.New("cache miss")

	// ErrStaleWrite indicates a Put lost against a newer stored entry
	ErrStaleWrite = errors.New("stale write")

	// ErrInvalidEntry indicates the stored entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is the per-item result table.
type Store interface {
	// Get returns a copy of the entry for id, or ErrCacheMiss.
	Get(ctx context.Context, id string) (*ItemEntry, error)

	// Put stores entry under last-writer-wins. A zero UpdatedAt is stamped
	// with the current time. Returns ErrStaleWrite if the stored entry is newer.
	Put(ctx context.Context, entry *ItemEntry) error

	// Delete removes the entry for id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// List returns copies of all entries ordered by id.
	List(ctx context.Context) ([]*ItemEntry, error)
}
