package worker

import (
	"context"
	"log/slog"
	"time"
)

// runJanitor purges expired job entries until ctx is canceled
func (w *Worker) runJanitor(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.purgeExpired(ctx)
		}
	}
}

func (w *Worker) purgeExpired(ctx context.Context) {
	purged, err := w.store.PurgeExpired(ctx)
	if err != nil {
		w.logger.Warn("Failed to purge expired jobs",
			slog.Any("error", err),
		)
		return
	}
	if purged > 0 {
		w.logger.Info("Purged expired jobs",
			slog.Int("count", purged),
		)
	}
}
