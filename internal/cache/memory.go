package cache

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore is an in-memory LRU implementing Store. Entries never expire
// by age; staleness is decided by the interceptor.
type MemoryStore struct {
	lru       *expirable.LRU[string, *Entry]
	evictions atomic.Int64
	maxSize   int
}

// NewMemoryStore creates a store holding at most maxSize entries.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	s := &MemoryStore{maxSize: maxSize}
	s.lru = expirable.NewLRU[string, *Entry](maxSize, func(string, *Entry) {
		s.evictions.Add(1)
	}, 0)
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	e, ok := s.lru.Get(key)
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry) error {
	cp := *entry
	s.lru.Add(key, &cp)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.lru.Remove(key)
	return nil
}

func (s *MemoryStore) Stats() StoreStats {
	return StoreStats{
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Evictions: s.evictions.Load(),
	}
}

// MemoryTagStore keeps the last invalidation time of up to maxTags tags.
// A tag evicted from the table reads as never invalidated.
type MemoryTagStore struct {
	tags *lru.Cache[string, time.Time]
}

// NewMemoryTagStore creates a tag store.
func NewMemoryTagStore(maxTags int) *MemoryTagStore {
	if maxTags <= 0 {
		maxTags = 10000
	}
	c, _ := lru.New[string, time.Time](maxTags)
	return &MemoryTagStore{tags: c}
}

func (s *MemoryTagStore) HasBeenInvalidatedSince(_ context.Context, tags []string, since time.Time) (bool, error) {
	for _, t := range tags {
		if at, ok := s.tags.Get(t); ok && at.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryTagStore) Invalidate(_ context.Context, tags []string, at time.Time) error {
	for _, t := range tags {
		if prev, ok := s.tags.Peek(t); ok && prev.After(at) {
			continue
		}
		s.tags.Add(t, at)
	}
	return nil
}
