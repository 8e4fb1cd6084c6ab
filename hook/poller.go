package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/nlowe/hqttd/log"
)

// DefaultPollInterval is how often list commands are polled.
const DefaultPollInterval = 5 * time.Second

// poll calls fn immediately and then every interval until ctx is cancelled. Errors are logged and polling continues.
func poll(ctx context.Context, logger *slog.Logger, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.With(log.Error(err)).Warn("Failed to poll hook")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
