package joblog

import (
	"context"
	"log/slog"
	"time"
)

// RunPruner prunes executions older than retention once at start and then
// every interval. It blocks until ctx is cancelled.
func (s *Store) RunPruner(ctx context.Context, interval, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 || interval <= 0 {
		return
	}

	prune := func() {
		n, err := s.Prune(ctx, retention)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("job log prune failed", "error", err)
			}
			return
		}
		if n > 0 {
			logger.Info("pruned job log", "deleted", n, "retention", retention)
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
