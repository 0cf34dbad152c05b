package trustsource

import (
	"context"
	"math"
	"time"

	"github.com/keithlinneman/servekit/log"
)

const (
	// DefaultPollInterval is how often the watcher re-fetches the source.
	DefaultPollInterval = 30 * time.Second

	// maxBackoff caps exponential backoff on consecutive fetch errors.
	maxBackoff = 5 * time.Minute
)

// Watcher polls a Loader and hot-swaps the policy when the source changes.
type Watcher struct {
	loader   *Loader
	logger   log.Logger
	interval time.Duration

	consecutiveErrs int
	pollCount       int64
	swapCount       int64
}

type WatcherOptions struct {
	Loader       *Loader
	Logger       log.Logger
	PollInterval time.Duration
}

// NewWatcher creates a policy watcher. Call Run to start the poll loop.
func NewWatcher(opts WatcherOptions) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		loader:   opts.Loader,
		logger:   logger,
		interval: interval,
	}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
// Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "trust policy watcher starting",
		"poll_interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "trust policy watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			w.pollCount++
			changed, err := w.loader.Load(ctx)
			if err != nil {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "trust policy poll failed, backing off",
					"error", err.Error(),
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
				continue
			}
			if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "trust policy poll recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
			if changed {
				w.swapCount++
			}
		}
	}
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 means 2x interval, =2 means 4x, and so on.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
