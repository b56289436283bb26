package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// Supervise calls run until ctx is cancelled, waiting backoff after each
// return. A consume loop that drops its broker connection is restarted here
// rather than taking the process down.
func Supervise(ctx context.Context, logger *slog.Logger, backoff time.Duration, run func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Error("consume loop failed, restarting", "err", err, "attempt", attempt, "backoff", backoff)
		} else {
			logger.Warn("consume loop exited, restarting", "attempt", attempt, "backoff", backoff)
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
