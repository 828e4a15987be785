package cache

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore is an in-process Store backed by ttlcache.
type MemoryStore struct {
	// mu serializes compare-and-put so last-writer-wins is atomic.
	mu      sync.Mutex
	entries *ttlcache.Cache[string, *ItemEntry]
	started bool
}

// NewMemoryStore creates an in-memory table. Entries expire ttl after their
// last write; ttl <= 0 keeps them until deleted or cleared.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	opts := []ttlcache.Option[string, *ItemEntry]{
		ttlcache.WithDisableTouchOnHit[string, *ItemEntry](),
	}
	if ttl > 0 {
		opts = append(opts, ttlcache.WithTTL[string, *ItemEntry](ttl))
	}

	s := &MemoryStore{entries: ttlcache.New(opts...)}
	if ttl > 0 {
		go s.entries.Start()
		s.started = true
	}
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*ItemEntry, error) {
	item := s.entries.Get(id)
	if item == nil || item.IsExpired() {
		CacheMisses.WithLabelValues("memory").Inc()
		return nil, ErrCacheMiss
	}
	CacheHits.WithLabelValues("memory").Inc()
	return item.Value().Clone(), nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, entry *ItemEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("%w: entry must have an id", ErrInvalidEntry)
	}
	e := entry.Clone()
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if item := s.entries.Get(e.ID); item != nil && !item.IsExpired() && e.olderThan(item.Value()) {
		StaleWrites.WithLabelValues("memory").Inc()
		return ErrStaleWrite
	}
	s.entries.Set(e.ID, e, ttlcache.DefaultTTL)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Delete(id)
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.DeleteAll()
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*ItemEntry, error) {
	items := s.entries.Items()
	out := make([]*ItemEntry, 0, len(items))
	for _, item := range items {
		if item.IsExpired() {
			continue
		}
		out = append(out, item.Value().Clone())
	}
	slices.SortFunc(out, func(a, b *ItemEntry) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}

// Close stops the expiry loop.
func (s *MemoryStore) Close() {
	if s.started {
		s.entries.Stop()
		s.started = false
	}
}
