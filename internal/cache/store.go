// Package cache implements the content-addressed response cache.
//
// Entries are keyed by a caller-chosen cache key plus a SHA-256 hash of the
// source content, so a re-uploaded document with identical bytes hits the
// cache while any change to the bytes misses it.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"relaygate/internal/domain"
)

// Entry is one cached response.
type Entry struct {
	ID          string          `json:"id"`
	CacheKey    string          `json:"cache_key"`
	ContentHash string          `json:"content_hash"`
	Function    string          `json:"function"` // logical operation, e.g. "document_extract"
	Response    []byte          `json:"response"` // serialized result payload
	Provider    domain.Provider `json:"provider"`
	Model       string          `json:"model"`
	TokensUsed     int32           `json:"tokens_used"`
	HitCount       int64           `json:"hit_count"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Stats summarizes cache contents for the stats endpoint. HitRate is derived
// as hits / (hits + entries): every entry began life as exactly one miss, so
// the row count stands in for the misses that were worth caching.
type Stats struct {
	TotalEntries  int64            `json:"total_entries"`
	ActiveEntries int64            `json:"active_entries"`
	TotalHits     int64            `json:"total_hits"`
	HitRate       float64          `json:"hit_rate"`
	OldestEntry   *time.Time       `json:"oldest_entry,omitempty"`
	NewestEntry   *time.Time       `json:"newest_entry,omitempty"`
	ByFunction    map[string]int64 `json:"by_function"`
}

// hitRate derives the rate once the counts are in place.
func (s *Stats) deriveHitRate() {
	if total := s.TotalHits + s.TotalEntries; total > 0 {
		s.HitRate = float64(s.TotalHits) / float64(total)
	}
}

// Store is the cache persistence interface. Implementations exist for
// Postgres and in-memory use. The store is TTL-agnostic beyond honoring the
// expiry it is handed; callers choose TTLs per use case.
type Store interface {
	// Get returns the entry for (cacheKey, contentHash), or nil on a miss.
	// Expired entries are misses. A hit bumps the entry's hit counter and
	// refreshes its last-access time.
	Get(ctx context.Context, cacheKey, contentHash string) (*Entry, error)

	// Set stores an entry. Writing the same (cacheKey, contentHash) again
	// refreshes the expiry and payload instead of duplicating the row.
	Set(ctx context.Context, entry Entry, ttl time.Duration) error

	// Invalidate removes every entry under a cache key.
	Invalidate(ctx context.Context, cacheKey string) (int64, error)

	// InvalidateByFunction removes every entry for one logical operation,
	// leaving other operations' entries untouched.
	InvalidateByFunction(ctx context.Context, function string) (int64, error)

	// Cleanup removes expired entries and reports how many were dropped.
	Cleanup(ctx context.Context) (int64, error)

	// Stats summarizes current contents.
	Stats(ctx context.Context) (Stats, error)
}

// ContentHash returns the hex SHA-256 over the given byte slices in order.
func ContentHash(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
