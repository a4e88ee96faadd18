package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for single-process deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory cache store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

func entryKey(cacheKey, contentHash string) string {
	return cacheKey + "\x00" + contentHash
}

func (s *MemoryStore) Get(ctx context.Context, cacheKey, contentHash string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryKey(cacheKey, contentHash)]
	if !ok || s.now().After(entry.ExpiresAt) {
		return nil, nil
	}

	entry.HitCount++
	entry.LastAccessedAt = s.now()
	copied := *entry
	return &copied, nil
}

func (s *MemoryStore) Set(ctx context.Context, entry Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey(entry.CacheKey, entry.ContentHash)
	now := s.now()

	if existing, ok := s.entries[key]; ok {
		// Same content: refresh the payload and push the expiry out, keeping
		// the hit and access history.
		entry.ID = existing.ID
		entry.HitCount = existing.HitCount
		entry.CreatedAt = existing.CreatedAt
		entry.LastAccessedAt = existing.LastAccessedAt
	} else {
		entry.ID = uuid.NewString()
		entry.CreatedAt = now
		entry.LastAccessedAt = now
	}
	entry.ExpiresAt = now.Add(ttl)

	stored := entry
	s.entries[key] = &stored
	return nil
}

func (s *MemoryStore) Invalidate(ctx context.Context, cacheKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	prefix := cacheKey + "\x00"
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) InvalidateByFunction(ctx context.Context, function string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, entry := range s.entries {
		if entry.Function == function {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Cleanup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed int64
	for key, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{ByFunction: make(map[string]int64)}
	now := s.now()
	for _, entry := range s.entries {
		stats.TotalEntries++
		stats.TotalHits += entry.HitCount
		if now.After(entry.ExpiresAt) {
			continue
		}
		stats.ActiveEntries++
		stats.ByFunction[entry.Function]++
		if stats.OldestEntry == nil || entry.CreatedAt.Before(*stats.OldestEntry) {
			created := entry.CreatedAt
			stats.OldestEntry = &created
		}
		if stats.NewestEntry == nil || entry.CreatedAt.After(*stats.NewestEntry) {
			created := entry.CreatedAt
			stats.NewestEntry = &created
		}
	}
	stats.deriveHitRate()
	return stats, nil
}
