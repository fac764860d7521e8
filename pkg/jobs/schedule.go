package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Every calls fn once immediately and then on each tick until ctx is done.
// Ticks that arrive while fn is still running are dropped by the ticker.
func Every(ctx context.Context, interval time.Duration, logger *zap.Logger, name string, fn func(context.Context)) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		logger.Warn("schedule disabled, non-positive interval", zap.String("schedule", name))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("schedule started", zap.String("schedule", name), zap.Duration("interval", interval))
	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("schedule stopped", zap.String("schedule", name))
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
