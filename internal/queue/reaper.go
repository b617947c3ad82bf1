package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/nevenhsu/llmbook-sub003/common/logger"
)

// Reaper periodically returns tasks with expired leases to PENDING.
// This handles the crash recovery scenario where a worker dies holding a lease.
type Reaper struct {
	queue    *Queue
	interval time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewReaper(q *Queue, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		queue:     q,
		interval:  interval,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run starts the reaper loop. Blocks until Stop() is called or ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "governor.queue.reaper",
	})

	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reaper started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			slog.InfoContext(ctx, "reaper stopping")
			return
		case <-ticker.C:
			n, err := r.queue.ReapExpired(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "reap cycle error", "error", err)
				continue
			}
			if n > 0 {
				slog.InfoContext(ctx, "reaped expired leases", "count", n)
			}
		}
	}
}

// Stop signals the reaper to stop gracefully.
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}
