package forge

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/forge-terminal/internal/store"
)

// DefaultSweepInterval is how often the TTL worker looks for idle sessions.
const DefaultSweepInterval = 5 * time.Minute

// storageRetention is how long session-scoped values outlive their last write.
const storageRetention = 7 * 24 * time.Hour

// StartTTLWorker periodically drops sessions idle longer than ttl and purges
// session storage that has not been written for a week.
func StartTTLWorker(ctx context.Context, mgr *Manager, repo store.Repository, ttl, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, mgr, repo, ttl)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, mgr *Manager, repo store.Repository, ttl time.Duration) {
	if n := mgr.ExpireIdle(ttl); n > 0 {
		slog.Info("TTL worker expired idle sessions", "count", n)
	}
	if repo == nil {
		return
	}
	deleted, err := repo.CleanupExpiredScopes(ctx, storageRetention)
	if err != nil {
		slog.Error("TTL worker failed to clean up session storage", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("TTL worker cleaned up session storage", "count", deleted)
	}
}
