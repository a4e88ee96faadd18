package cache

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically removes expired entries so the table does not grow
// without bound between requests.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper over the store.
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Run sweeps on the interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.Cleanup(ctx)
			if err != nil {
				s.logger.Warn("cache sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("cache sweep", "removed", removed)
			}
		}
	}
}
