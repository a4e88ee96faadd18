package cache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"relaygate/internal/domain"
)

// PostgresStore is the Postgres-backed Store used in multi-replica
// deployments, where every replica must see the same cache.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a Postgres cache store.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) Get(ctx context.Context, cacheKey, contentHash string) (*Entry, error) {
	query := `
		SELECT id, cache_key, content_hash, function, response, provider, model,
		       tokens_used, hit_count, created_at, last_accessed_at, expires_at
		FROM response_cache
		WHERE cache_key = $1 AND content_hash = $2 AND expires_at > NOW()
	`

	var entry Entry
	var provider string
	err := s.db.QueryRowContext(ctx, query, cacheKey, contentHash).Scan(
		&entry.ID, &entry.CacheKey, &entry.ContentHash, &entry.Function,
		&entry.Response, &provider, &entry.Model,
		&entry.TokensUsed, &entry.HitCount, &entry.CreatedAt,
		&entry.LastAccessedAt, &entry.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.CacheError{Op: "get", Cause: err}
	}
	entry.Provider = domain.Provider(provider)

	// Hit bookkeeping must not add latency to the hit path.
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.db.ExecContext(bgCtx,
			`UPDATE response_cache
			 SET hit_count = hit_count + 1, last_accessed_at = NOW()
			 WHERE id = $1`,
			entry.ID); err != nil {
			s.logger.Warn("cache hit bookkeeping failed", "id", entry.ID, "error", err)
		}
	}()

	entry.HitCount++
	entry.LastAccessedAt = time.Now()
	return &entry, nil
}

func (s *PostgresStore) Set(ctx context.Context, entry Entry, ttl time.Duration) error {
	query := `
		INSERT INTO response_cache
			(id, cache_key, content_hash, function, response, provider, model,
			 tokens_used, created_at, last_accessed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW(), NOW() + $9::interval)
		ON CONFLICT (cache_key, content_hash) DO UPDATE SET
			response = EXCLUDED.response,
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			tokens_used = EXCLUDED.tokens_used,
			expires_at = EXCLUDED.expires_at
	`

	interval := fmt.Sprintf("%d seconds", int64(ttl.Seconds()))
	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), entry.CacheKey, entry.ContentHash, entry.Function,
		entry.Response, string(entry.Provider), entry.Model,
		entry.TokensUsed, interval,
	)
	if err != nil {
		return &domain.CacheError{Op: "set", Cause: err}
	}
	return nil
}

func (s *PostgresStore) Invalidate(ctx context.Context, cacheKey string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE cache_key = $1`, cacheKey)
	if err != nil {
		return 0, &domain.CacheError{Op: "invalidate", Cause: err}
	}
	removed, _ := result.RowsAffected()
	return removed, nil
}

func (s *PostgresStore) InvalidateByFunction(ctx context.Context, function string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE function = $1`, function)
	if err != nil {
		return 0, &domain.CacheError{Op: "invalidate_by_function", Cause: err}
	}
	removed, _ := result.RowsAffected()
	return removed, nil
}

func (s *PostgresStore) Cleanup(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, &domain.CacheError{Op: "cleanup", Cause: err}
	}
	removed, _ := result.RowsAffected()
	return removed, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByFunction: make(map[string]int64)}

	var oldest, newest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE expires_at > NOW()),
		       COALESCE(SUM(hit_count), 0),
		       MIN(created_at) FILTER (WHERE expires_at > NOW()),
		       MAX(created_at) FILTER (WHERE expires_at > NOW())
		FROM response_cache
	`).Scan(&stats.TotalEntries, &stats.ActiveEntries, &stats.TotalHits, &oldest, &newest)
	if err != nil {
		return Stats{}, &domain.CacheError{Op: "stats", Cause: err}
	}
	if oldest.Valid {
		stats.OldestEntry = &oldest.Time
	}
	if newest.Valid {
		stats.NewestEntry = &newest.Time
	}
	stats.deriveHitRate()

	rows, err := s.db.QueryContext(ctx, `
		SELECT function, COUNT(*)
		FROM response_cache
		WHERE expires_at > NOW()
		GROUP BY function
	`)
	if err != nil {
		return Stats{}, &domain.CacheError{Op: "stats", Cause: err}
	}
	defer rows.Close()

	for rows.Next() {
		var function string
		var count int64
		if err := rows.Scan(&function, &count); err != nil {
			return Stats{}, &domain.CacheError{Op: "stats", Cause: err}
		}
		stats.ByFunction[function] = count
	}
	return stats, rows.Err()
}
