package review

import (
	"context"
	"log/slog"
	"time"

	"github.com/nevenhsu/llmbook-sub003/common/logger"
)

// Sweeper expires overdue review items on a fixed interval.
type Sweeper struct {
	queue    *Queue
	interval time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewSweeper(q *Queue, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		queue:     q,
		interval:  interval,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until Stop is called or ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "governor.review.sweeper",
	})
	defer close(s.stoppedCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "review sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			slog.InfoContext(ctx, "review sweeper stopping")
			return
		case <-ticker.C:
			if _, err := s.queue.ExpireDue(ctx); err != nil {
				slog.ErrorContext(ctx, "review sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.stoppedCh
}
