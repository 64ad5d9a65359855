package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/metrics"
)

// Prune deletes traces older than retention from store. A zero retention
// keeps everything.
func Prune(ctx context.Context, store ports.TraceStore, retention time.Duration, logger *slog.Logger) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	n, err := store.DeleteOlderThan(ctx, retention)
	if n > 0 {
		metrics.TracesPruned.Add(float64(n))
	}
	if err != nil {
		logger.Error("trace pruning failed",
			slog.Int("deleted", n),
			slog.Duration("retention", retention),
			slog.String("error", err.Error()))
		return n, err
	}
	logger.Info("pruned traces",
		slog.Int("deleted", n),
		slog.Duration("retention", retention),
		slog.Duration("duration", time.Since(start)))
	return n, nil
}

// runRetention calls prune every interval until stop is closed.
func runRetention(stop <-chan struct{}, interval time.Duration, prune func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			prune()
		}
	}
}
