// Package cache reads incremental static regeneration entries and decides
// whether a request can be answered from them without reaching the origin.
package cache

import (
	"context"
	"time"
)

// StoreStats contains storage-level statistics.
type StoreStats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`  // 0 if N/A (e.g., Redis)
	Evictions int64 `json:"evictions"` // 0 if not tracked (e.g., Redis)
}

// Store is the incremental cache. Get returns a nil entry and a nil error
// on a miss.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) error
	Stats() StoreStats
}

// TagStore records when cache tags were invalidated.
type TagStore interface {
	// HasBeenInvalidatedSince reports whether any tag was invalidated
	// after since.
	HasBeenInvalidatedSince(ctx context.Context, tags []string, since time.Time) (bool, error)
	Invalidate(ctx context.Context, tags []string, at time.Time) error
}
