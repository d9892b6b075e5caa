package main

import (
	"context"
	"log/slog"
	"time"
)

// runSweeper evicts expired cooldown records at interval; exits on ctx.Done().
// Only records that no longer block are removed, so eligibility is unchanged.
func runSweeper(ctx context.Context, p pruner, window, interval time.Duration, now func() time.Time, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, p, window, now, log)
		}
	}
}

func sweepOnce(ctx context.Context, p pruner, window time.Duration, now func() time.Time, log *slog.Logger) {
	n, err := p.Prune(ctx, now(), window)
	if err != nil {
		log.Warn("prune cooldowns", "err", err)
		return
	}
	if n > 0 {
		cooldownPruned.Add(float64(n))
		log.Debug("pruned cooldowns", "removed", n)
	}
}
