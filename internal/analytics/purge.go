package analytics

import (
	"context"
	"log/slog"
	"time"
)

// Purger deletes expired events.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// PurgeLoop runs p.PurgeExpired every interval until ctx is done.
func PurgeLoop(ctx context.Context, p Purger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.PurgeExpired(ctx, now)
			if err != nil {
				slog.Error("analytics purge failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("analytics purged", "events", n)
			}
		}
	}
}
