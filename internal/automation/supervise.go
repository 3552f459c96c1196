package automation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Supervise runs schedulers back to back until ctx is cancelled. A
// scheduler that loses its subscriptions is replaced by a fresh one after
// backoff, so a store restart only delays dispatch.
func Supervise(ctx context.Context, newScheduler func() *Scheduler, backoff time.Duration, logger *zap.Logger) error {
	for {
		err := newScheduler().Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("scheduler stopped, restarting", zap.Duration("backoff", backoff), zap.Error(err))

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
