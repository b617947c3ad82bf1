// Package queue owns the QueueTask state machine: leasing, heartbeats, completion
// with idempotency, bounded retries and lease expiry.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevenhsu/llmbook-sub003/common/id"
	"github.com/nevenhsu/llmbook-sub003/common/logger"
	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
)

var (
	// ErrNotLeaseHolder means the caller's lease is foreign, expired or already released.
	ErrNotLeaseHolder = errors.New("worker does not hold the task lease")
	ErrTaskNotFound   = errors.New("task not found")
	// ErrInvalidTransition means the task is in a status the operation cannot start from.
	ErrInvalidTransition = errors.New("invalid task transition")
)

const (
	DefaultLeaseDuration = 2 * time.Minute
	DefaultMaxRetries    = 3
	defaultReapBatch     = 100
)

var leasedStatuses = []model.TaskStatus{model.TaskStatusClaimed, model.TaskStatusInProgress}

type Config struct {
	LeaseDuration time.Duration
	MaxRetries    int
	ReapBatchSize int
}

type Queue struct {
	stores store.Provider
	tx     store.TxRunner
	sink   events.Sink
	cfg    Config
	now    func() time.Time
}

func New(stores store.Provider, tx store.TxRunner, sink events.Sink, cfg Config) *Queue {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.ReapBatchSize <= 0 {
		cfg.ReapBatchSize = defaultReapBatch
	}
	return &Queue{
		stores: stores,
		tx:     tx,
		sink:   events.Safe(sink),
		cfg:    cfg,
		now:    time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) LeaseDuration() time.Duration {
	return q.cfg.LeaseDuration
}

// Enqueue stores a new PENDING task. A task with the same (type, idempotency key)
// is returned instead of a duplicate, with created=false.
func (q *Queue) Enqueue(ctx context.Context, task *model.QueueTask) (*model.QueueTask, bool, error) {
	now := q.now()
	t := *task
	if t.ID == 0 {
		t.ID = id.New()
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = q.cfg.MaxRetries
	}
	reason := model.TaskReasonEnqueued
	t.Status = model.TaskStatusPending
	t.RetryCount = 0
	t.WorkerID = nil
	t.LeaseExpiresAt = nil
	t.ReasonCode = &reason
	t.CreatedAt = now
	t.UpdatedAt = now

	stored, created, err := q.stores.Tasks().CreateOrGet(ctx, &t)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue task: %w", err)
	}
	if created {
		q.emit(ctx, stored, "", model.TaskReasonEnqueued, "")
	}
	return stored, created, nil
}

func (q *Queue) Get(ctx context.Context, taskID int64) (*model.QueueTask, error) {
	t, err := q.stores.Tasks().GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// Claim leases the oldest PENDING task to workerID. claimed=false when nothing is eligible
// or another worker won the race.
func (q *Queue) Claim(ctx context.Context, workerID string) (*model.QueueTask, bool, error) {
	now := q.now()
	t, claimed, err := q.stores.Tasks().ClaimNext(ctx, workerID, now, now.Add(q.cfg.LeaseDuration))
	if err != nil {
		return nil, false, fmt.Errorf("claim task: %w", err)
	}
	if !claimed {
		return nil, false, nil
	}
	q.emit(ctx, t, model.TaskStatusPending, model.TaskReasonClaimed, workerID)
	return t, true, nil
}

// Start moves a CLAIMED task to IN_PROGRESS and extends the lease.
func (q *Queue) Start(ctx context.Context, taskID int64, workerID string) (*model.QueueTask, error) {
	now := q.now()
	exp := now.Add(q.cfg.LeaseDuration)
	t, applied, err := q.stores.Tasks().Update(ctx, taskID, model.TaskUpdate{
		From:           []model.TaskStatus{model.TaskStatusClaimed},
		To:             model.TaskStatusInProgress,
		WorkerID:       workerID,
		Now:            now,
		LeaseExpiresAt: &exp,
		ReasonCode:     model.TaskReasonStarted,
	})
	if err != nil {
		return nil, fmt.Errorf("start task: %w", err)
	}
	if !applied {
		return nil, q.classify(ctx, taskID, workerID, now, []model.TaskStatus{model.TaskStatusClaimed})
	}
	q.emit(ctx, t, model.TaskStatusClaimed, model.TaskReasonStarted, workerID)
	return t, nil
}

// Heartbeat extends the caller's lease. Any lease problem is ErrNotLeaseHolder.
func (q *Queue) Heartbeat(ctx context.Context, taskID int64, workerID string) (*model.QueueTask, error) {
	now := q.now()
	exp := now.Add(q.cfg.LeaseDuration)
	t, applied, err := q.stores.Tasks().Update(ctx, taskID, model.TaskUpdate{
		From:           leasedStatuses,
		WorkerID:       workerID,
		Now:            now,
		LeaseExpiresAt: &exp,
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat task: %w", err)
	}
	if !applied {
		if _, err := q.Get(ctx, taskID); err != nil {
			return nil, err
		}
		return nil, ErrNotLeaseHolder
	}
	return t, nil
}

// Complete marks the task COMPLETED and pins its result under the idempotency key.
// The returned id is canonical: an earlier result recorded for the same key wins,
// and completing an already COMPLETED task returns its stored result.
func (q *Queue) Complete(ctx context.Context, taskID int64, workerID string, resultID int64) (int64, error) {
	return q.CompleteWith(ctx, taskID, workerID, func(context.Context, store.Provider) (int64, error) {
		return resultID, nil
	})
}

// ResultWriter commits the side effect of a task and returns its result id.
// It runs inside the completion transaction with the transaction-bound stores.
type ResultWriter func(ctx context.Context, sp store.Provider) (int64, error)

// CompleteWith verifies the lease, then runs write and completes the task in one
// transaction. write is skipped when a result is already pinned for the task's
// idempotency key, and never runs when the lease is lost.
func (q *Queue) CompleteWith(ctx context.Context, taskID int64, workerID string, write ResultWriter) (int64, error) {
	now := q.now()
	var (
		canonical int64
		completed *model.QueueTask
		fromState model.TaskStatus
	)

	err := q.tx.WithTx(ctx, func(sp store.Provider) error {
		task, err := sp.Tasks().GetByID(ctx, taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("load task: %w", err)
		}
		if task.Status == model.TaskStatusCompleted && task.ResultID != nil {
			canonical = *task.ResultID
			return nil
		}
		guard := model.TaskUpdate{From: leasedStatuses, WorkerID: workerID, Now: now}
		if !guard.Matches(task) {
			return classifyTask(task, workerID, now, leasedStatuses)
		}

		rec, err := sp.Idempotency().Get(ctx, task.TaskType, task.IdempotencyKey)
		switch {
		case err == nil:
			canonical = rec.ResultID
		case errors.Is(err, store.ErrNotFound):
			canonical, err = write(ctx, sp)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("load idempotency record: %w", err)
		}

		updated, applied, err := sp.Tasks().Update(ctx, taskID, model.TaskUpdate{
			From:       leasedStatuses,
			To:         model.TaskStatusCompleted,
			WorkerID:   workerID,
			Now:        now,
			ClearLease: true,
			ResultID:   &canonical,
			ReasonCode: model.TaskReasonCompleted,
		})
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if !applied {
			return classifyTask(task, workerID, now, leasedStatuses)
		}

		pinned, err := sp.Idempotency().PutIfAbsent(ctx, model.IdempotencyRecord{
			TaskType:       task.TaskType,
			IdempotencyKey: task.IdempotencyKey,
			ResultID:       canonical,
			CreatedAt:      now,
		})
		if err != nil {
			return fmt.Errorf("pin idempotency record: %w", err)
		}
		if pinned.ResultID != canonical {
			return fmt.Errorf("idempotency record for %s changed concurrently", task.IdempotencyKey)
		}

		completed = updated
		fromState = task.Status
		return nil
	})
	if err != nil {
		return 0, err
	}

	if completed != nil {
		q.emit(ctx, completed, fromState, model.TaskReasonCompleted, workerID)
	}
	return canonical, nil
}

// PinnedResult returns the result already recorded for the task's idempotency key.
func (q *Queue) PinnedResult(ctx context.Context, task *model.QueueTask) (int64, bool, error) {
	rec, err := q.stores.Idempotency().Get(ctx, task.TaskType, task.IdempotencyKey)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load idempotency record: %w", err)
	}
	return rec.ResultID, true, nil
}

// Fail releases the lease. Retryable failures go back to PENDING while retries
// remain; everything else ends in FAILED_FINAL.
func (q *Queue) Fail(ctx context.Context, taskID int64, workerID string, retryable bool, errMsg string) (*model.QueueTask, error) {
	now := q.now()
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	upd := model.TaskUpdate{
		From:       leasedStatuses,
		WorkerID:   workerID,
		Now:        now,
		ClearLease: true,
		LastError:  &errMsg,
	}
	switch {
	case retryable && task.RetryCount < task.MaxRetries:
		upd.To = model.TaskStatusPending
		upd.IncrementRetry = true
		upd.ReasonCode = model.TaskReasonFailedRetry
	case retryable:
		upd.To = model.TaskStatusFailedFinal
		upd.ReasonCode = model.TaskReasonRetriesExhausted
	default:
		upd.To = model.TaskStatusFailedFinal
		upd.ReasonCode = model.TaskReasonFailedFinal
	}

	updated, applied, err := q.stores.Tasks().Update(ctx, taskID, upd)
	if err != nil {
		return nil, fmt.Errorf("fail task: %w", err)
	}
	if !applied {
		return nil, classifyTask(task, workerID, now, leasedStatuses)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{TaskID: &taskID, WorkerID: &workerID})
	slog.InfoContext(ctx, "task failed",
		"to_status", updated.Status,
		"reason_code", upd.ReasonCode,
		"retry_count", updated.RetryCount,
		"error", logger.Truncate(errMsg, 500))

	q.emit(ctx, updated, task.Status, upd.ReasonCode, workerID)
	return updated, nil
}

// ReapExpired returns every task whose lease ran out to PENDING. It reports how many moved.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	now := q.now()
	expired, err := q.stores.Tasks().ListExpiredLeases(ctx, now, q.cfg.ReapBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}

	reaped := 0
	for i := range expired {
		task := expired[i]
		updated, applied, err := q.stores.Tasks().Update(ctx, task.ID, model.TaskUpdate{
			From:                leasedStatuses,
			To:                  model.TaskStatusPending,
			Now:                 now,
			RequireExpiredLease: true,
			ClearLease:          true,
			ReasonCode:          model.TaskReasonLeaseTimeout,
		})
		if err != nil {
			return reaped, fmt.Errorf("reap task %d: %w", task.ID, err)
		}
		if !applied {
			// Heartbeat or completion won the race.
			continue
		}
		worker := ""
		if task.WorkerID != nil {
			worker = *task.WorkerID
		}
		q.emit(ctx, updated, task.Status, model.TaskReasonLeaseTimeout, worker)
		reaped++
	}
	return reaped, nil
}

func (q *Queue) Counts(ctx context.Context) (model.TaskCounts, error) {
	counts, err := q.stores.Tasks().CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	for _, s := range []model.TaskStatus{
		model.TaskStatusPending, model.TaskStatusClaimed, model.TaskStatusInProgress,
		model.TaskStatusCompleted, model.TaskStatusFailedFinal,
	} {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}

func (q *Queue) classify(ctx context.Context, taskID int64, workerID string, now time.Time, from []model.TaskStatus) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	return classifyTask(task, workerID, now, from)
}

// classifyTask explains why a guarded update did not apply.
func classifyTask(task *model.QueueTask, workerID string, now time.Time, from []model.TaskStatus) error {
	if task.Status.Terminal() {
		return fmt.Errorf("%w: task %d is %s", ErrInvalidTransition, task.ID, task.Status)
	}
	if !task.HoldsLease(workerID, now) {
		return ErrNotLeaseHolder
	}
	for _, s := range from {
		if task.Status == s {
			// Guard matches on re-read; the row changed between the attempts.
			return fmt.Errorf("%w: task %d changed concurrently", ErrNotLeaseHolder, task.ID)
		}
	}
	return fmt.Errorf("%w: task %d is %s", ErrInvalidTransition, task.ID, task.Status)
}

func (q *Queue) emit(ctx context.Context, t *model.QueueTask, from model.TaskStatus, reason, workerID string) {
	_ = q.sink.Record(ctx, events.TaskTransitionEvent{
		TaskID:     t.ID,
		PersonaID:  t.PersonaID,
		TaskType:   t.TaskType,
		FromStatus: from,
		ToStatus:   t.Status,
		ReasonCode: reason,
		RetryCount: t.RetryCount,
		WorkerID:   workerID,
		At:         q.now(),
	})
}
