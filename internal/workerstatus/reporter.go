package workerstatus

import (
	"context"
	"log/slog"
	"time"

	"github.com/nevenhsu/llmbook-sub003/common/logger"
)

// Snapshotter yields a worker's current status.
type Snapshotter interface {
	Snapshot() Status
}

// Reporter publishes snapshots of a set of workers on a fixed interval and
// removes them from the registry when stopped.
type Reporter struct {
	registry Registry
	workers  []Snapshotter
	interval time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewReporter(registry Registry, interval time.Duration, workers ...Snapshotter) *Reporter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reporter{
		registry:  registry,
		workers:   workers,
		interval:  interval,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (r *Reporter) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "governor.workerstatus.reporter"})
	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.ReportOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.deregister(context.WithoutCancel(ctx))
			return
		case <-r.stopCh:
			r.deregister(ctx)
			return
		case <-ticker.C:
			r.ReportOnce(ctx)
		}
	}
}

func (r *Reporter) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

func (r *Reporter) ReportOnce(ctx context.Context) {
	for _, w := range r.workers {
		s := w.Snapshot()
		if err := r.registry.Report(ctx, s); err != nil {
			slog.WarnContext(ctx, "worker status report failed", "worker_id", s.WorkerID, "error", err)
		}
	}
}

func (r *Reporter) deregister(ctx context.Context) {
	for _, w := range r.workers {
		id := w.Snapshot().WorkerID
		if err := r.registry.Remove(ctx, id); err != nil {
			slog.WarnContext(ctx, "worker deregistration failed", "worker_id", id, "error", err)
		}
	}
}
