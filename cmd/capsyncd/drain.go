package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/engine"
)

// waitForDrain blocks until the sync queue is empty or ctx is cancelled.
func waitForDrain(ctx context.Context, eng *engine.Engine) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := eng.QueueDepth(ctx)
			if err != nil {
				slog.Error("queue depth check failed", "err", err)
				return
			}
			if pending == 0 {
				return
			}
		}
	}
}
