// Package agent runs the execution workers: each one leases queue tasks,
// generates the persona's output, gates it and commits the resulting action.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nevenhsu/llmbook-sub003/common/logger"
	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/persona"
	"github.com/nevenhsu/llmbook-sub003/internal/policy"
	"github.com/nevenhsu/llmbook-sub003/internal/provider"
	"github.com/nevenhsu/llmbook-sub003/internal/queue"
	"github.com/nevenhsu/llmbook-sub003/internal/review"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
	"github.com/nevenhsu/llmbook-sub003/internal/workerstatus"
)

const (
	DefaultPollInterval = time.Second
	DefaultPromptBudget = 6000
	defaultErrorBackoff = time.Second
	defaultRecentLimit  = 20
)

type PolicySource interface {
	Get(ctx context.Context, scope policy.Scope) policy.Resolved
}

type Invoker interface {
	Invoke(ctx context.Context, req provider.InvokeRequest) provider.InvocationResult
}

type ContextLoader interface {
	Load(ctx context.Context, personaID int64, threadID string) (*persona.Context, error)
}

type ReviewEnqueuer interface {
	Enqueue(ctx context.Context, stores store.Provider, req review.Request) (*model.ReviewQueueItem, error)
}

type Config struct {
	WorkerID     string
	PollInterval time.Duration
	// HeartbeatInterval defaults to a third of the queue lease.
	HeartbeatInterval time.Duration
	ErrorBackoff      time.Duration
	PromptBudget      int
	RecentReplyLimit  int
}

type Agent struct {
	queue    *queue.Queue
	stores   store.Provider
	policies PolicySource
	invoker  Invoker
	contexts ContextLoader
	reviews  ReviewEnqueuer
	sink     events.Sink
	cfg      Config

	mu     sync.Mutex
	status workerstatus.Status

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(q *queue.Queue, stores store.Provider, policies PolicySource, invoker Invoker, contexts ContextLoader, reviews ReviewEnqueuer, sink events.Sink, cfg Config) *Agent {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= q.LeaseDuration() {
		cfg.HeartbeatInterval = q.LeaseDuration() / 3
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaultErrorBackoff
	}
	if cfg.PromptBudget <= 0 {
		cfg.PromptBudget = DefaultPromptBudget
	}
	if cfg.RecentReplyLimit <= 0 {
		cfg.RecentReplyLimit = defaultRecentLimit
	}
	host, _ := os.Hostname()
	return &Agent{
		status: workerstatus.Status{
			WorkerID:  cfg.WorkerID,
			Hostname:  host,
			State:     workerstatus.StateIdle,
			StartedAt: time.Now().UTC(),
		},
		queue:     q,
		stores:    stores,
		policies:  policies,
		invoker:   invoker,
		contexts:  contexts,
		reviews:   reviews,
		sink:      events.Safe(sink),
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (a *Agent) WorkerID() string {
	return a.cfg.WorkerID
}

// Run claims and executes tasks until Stop is called or ctx ends. It sleeps for
// the poll interval when the queue is empty and backs off after errors.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.stoppedCh)
	defer a.setState(workerstatus.StateStopped, nil)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		WorkerID:  &a.cfg.WorkerID,
		Component: "governor.agent",
	})
	slog.InfoContext(ctx, "agent started", "poll_interval", a.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopCh:
			slog.InfoContext(ctx, "agent stopping")
			return nil
		default:
		}

		wait := time.Duration(0)
		res, claimed, err := a.RunOnce(ctx)
		switch {
		case err != nil:
			slog.ErrorContext(ctx, "agent cycle error", "error", err)
			wait = a.cfg.ErrorBackoff
		case !claimed:
			wait = a.cfg.PollInterval
		default:
			slog.InfoContext(ctx, "task executed",
				"task_id", res.TaskID,
				"outcome", res.Outcome,
				"reason_code", res.ReasonCode)
		}
		if wait == 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopCh:
			slog.InfoContext(ctx, "agent stopping")
			return nil
		case <-time.After(wait):
		}
	}
}

func (a *Agent) Stop() {
	close(a.stopCh)
	<-a.stoppedCh
}

// RunOnce claims one task and executes it. claimed=false when the queue had nothing eligible.
func (a *Agent) RunOnce(ctx context.Context) (Result, bool, error) {
	task, claimed, err := a.queue.Claim(ctx, a.cfg.WorkerID)
	if err != nil {
		return Result{}, false, err
	}
	if !claimed {
		return Result{}, false, nil
	}

	a.setState(workerstatus.StateBusy, &task.ID)
	res := a.executeSafe(ctx, task)
	a.finish(res)
	return res, true, nil
}

// Snapshot reports the worker's current state.
func (a *Agent) Snapshot() workerstatus.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.status
	s.LastSeenAt = time.Now().UTC()
	return s
}

func (a *Agent) setState(state workerstatus.State, taskID *int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.State = state
	a.status.CurrentTaskID = taskID
}

func (a *Agent) finish(res Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.State = workerstatus.StateIdle
	a.status.CurrentTaskID = nil
	switch res.Outcome {
	case OutcomePublished, OutcomeHeld, OutcomeDeduplicated:
		a.status.Processed++
	case OutcomeRetry, OutcomeFailed:
		a.status.Failed++
	}
}

func (a *Agent) executeSafe(ctx context.Context, task *model.QueueTask) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in task execution", "panic", r, "task_id", task.ID)
			res = a.fail(ctx, task, true, ReasonPanic, fmt.Sprintf("panic: %v", r))
		}
	}()
	return a.Execute(ctx, task)
}
