package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevenhsu/llmbook-sub003/common/id"
	"github.com/nevenhsu/llmbook-sub003/common/logger"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/persona"
	"github.com/nevenhsu/llmbook-sub003/internal/policy"
	"github.com/nevenhsu/llmbook-sub003/internal/prompt"
	"github.com/nevenhsu/llmbook-sub003/internal/provider"
	"github.com/nevenhsu/llmbook-sub003/internal/queue"
	"github.com/nevenhsu/llmbook-sub003/internal/review"
	"github.com/nevenhsu/llmbook-sub003/internal/safety"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
)

type Outcome string

const (
	OutcomePublished    Outcome = "published"
	OutcomeHeld         Outcome = "held"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeRetry        Outcome = "retry"
	OutcomeFailed       Outcome = "failed"
	OutcomeLeaseLost    Outcome = "lease_lost"
)

// Reason codes for agent outcomes that do not come from the safety gate.
const (
	ReasonInvalidPayload   = "TASK_PAYLOAD_INVALID"
	ReasonPersonaMissing   = "PERSONA_NOT_FOUND"
	ReasonContextError     = "PERSONA_CONTEXT_ERROR"
	ReasonProviderError    = "PROVIDER_ERROR"
	ReasonMalformedVote    = "VOTE_OUTPUT_MALFORMED"
	ReasonReviewRequired   = "REVIEW_REQUIRED_FOR_POST"
	ReasonRecentReadFailed = "RECENT_REPLIES_UNAVAILABLE"
	ReasonCommitFailed     = "COMMIT_FAILED"
	ReasonPanic            = "AGENT_PANIC"
)

// Result summarizes one executed task.
type Result struct {
	TaskID     int64
	Outcome    Outcome
	ResultID   int64
	ReasonCode string
	Err        error
}

// Execute runs a task this worker has claimed through to completion, failure
// or lease loss. Errors are reported in Result; the task is never left leased
// by a failure this worker observed.
func (a *Agent) Execute(ctx context.Context, task *model.QueueTask) Result {
	span := logger.StartSpan(ctx, "agent.execute_task", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("task.id", task.ID),
		attribute.String("task.type", string(task.TaskType)),
		attribute.Int64("persona.id", task.PersonaID),
	)

	res := a.execute(span.Context(), task)
	span.SetAttributes(attribute.String("task.outcome", string(res.Outcome)))
	if res.ReasonCode != "" {
		span.SetAttributes(attribute.String("task.reason_code", res.ReasonCode))
	}
	span.Fail(res.Err)
	return res
}

func (a *Agent) execute(ctx context.Context, task *model.QueueTask) Result {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		TaskID:    &task.ID,
		PersonaID: &task.PersonaID,
		WorkerID:  &a.cfg.WorkerID,
		TaskType:  logger.Ptr(string(task.TaskType)),
	})

	if _, err := a.queue.Start(ctx, task.ID, a.cfg.WorkerID); err != nil {
		return a.leaseError(ctx, task, err)
	}

	execCtx, stopHeartbeat := a.startHeartbeat(ctx, task.ID)
	defer stopHeartbeat()

	if rid, pinned, err := a.queue.PinnedResult(ctx, task); err != nil {
		return a.fail(ctx, task, true, ReasonCommitFailed, err.Error())
	} else if pinned {
		canonical, err := a.queue.CompleteWith(ctx, task.ID, a.cfg.WorkerID, func(context.Context, store.Provider) (int64, error) {
			return rid, nil
		})
		if err != nil {
			return a.commitError(ctx, task, err)
		}
		slog.InfoContext(ctx, "task already has a result, completed without side effects", "result_id", rid)
		return Result{TaskID: task.ID, Outcome: OutcomeDeduplicated, ResultID: canonical}
	}

	payload, err := task.DecodePayload()
	if err != nil {
		return a.fail(ctx, task, false, ReasonInvalidPayload, err.Error())
	}
	if err := validatePayload(task, payload); err != nil {
		return a.fail(ctx, task, false, ReasonInvalidPayload, err.Error())
	}

	spec, err := specFor(task.TaskType, payload)
	if err != nil {
		return a.fail(ctx, task, false, ReasonInvalidPayload, err.Error())
	}

	resolved := a.policies.Get(execCtx, policy.PersonaScope(task.PersonaID))

	pc, err := a.contexts.Load(execCtx, task.PersonaID, deref(payload.ThreadID))
	if err != nil {
		if errors.Is(err, persona.ErrPersonaNotFound) {
			return a.fail(ctx, task, false, ReasonPersonaMissing, err.Error())
		}
		return a.fail(ctx, task, true, ReasonContextError, err.Error())
	}

	assembled := prompt.Assemble(buildBlocks(pc, spec, payload), a.cfg.PromptBudget)
	prompt.RecordTrims(ctx, a.sink, assembled, &task.ID)

	inv := a.invoker.Invoke(execCtx, provider.InvokeRequest{
		TaskType:     task.TaskType,
		SystemPrompt: assembled.System,
		Prompt:       assembled.User,
		SchemaName:   spec.schemaName,
		Schema:       spec.schema,
	})
	if inv.Failed() {
		return a.fail(ctx, task, true, ReasonProviderError, inv.Error)
	}

	action := &model.PersonaAction{
		TaskID:         task.ID,
		PersonaID:      task.PersonaID,
		TaskType:       task.TaskType,
		IdempotencyKey: task.IdempotencyKey,
		PostID:         task.PostID,
		ProviderID:     inv.ProviderID,
		ModelID:        inv.ModelID,
	}

	riskReason := ""
	if task.TaskType == model.TaskTypeVote {
		vote, err := parseVote(inv.Text)
		if err != nil {
			return a.fail(ctx, task, true, ReasonMalformedVote, err.Error())
		}
		action.Vote = vote
	} else {
		recent, err := a.stores.Actions().RecentTexts(execCtx, task.PersonaID, recentTypes(task.TaskType), a.cfg.RecentReplyLimit)
		if err != nil {
			return a.fail(ctx, task, true, ReasonRecentReadFailed, err.Error())
		}
		gate := safety.NewGate(safety.ConfigFromPolicy(resolved.Safety()))
		verdict := gate.Check(inv.Text, safety.Context{RecentReplies: recent})
		switch verdict.ReasonCode {
		case "":
			if task.TaskType == model.TaskTypePost && resolved.Review().RequireReviewForPosts {
				riskReason = ReasonReviewRequired
			}
		case safety.ReasonSpamPattern, safety.ReasonSimilarToReply:
			riskReason = verdict.ReasonCode
		default:
			return a.fail(ctx, task, true, verdict.ReasonCode, "safety gate: "+verdict.ReasonCode)
		}
		action.Text = inv.Text
	}

	action.Status = model.ActionStatusPublished
	if riskReason != "" {
		action.Status = model.ActionStatusHeld
	}
	return a.commit(ctx, task, action, riskReason)
}

// commit writes the action, and its review item when held, in the same
// transaction that completes the task.
func (a *Agent) commit(ctx context.Context, task *model.QueueTask, action *model.PersonaAction, riskReason string) Result {
	rid, err := a.queue.CompleteWith(ctx, task.ID, a.cfg.WorkerID, func(ctx context.Context, sp store.Provider) (int64, error) {
		action.ID = id.New()
		action.CreatedAt = time.Now().UTC()
		stored, created, err := sp.Actions().CreateOrGet(ctx, action)
		if err != nil {
			return 0, fmt.Errorf("write action: %w", err)
		}
		if created && stored.Status == model.ActionStatusHeld {
			if _, err := a.reviews.Enqueue(ctx, sp, review.Request{
				TaskID:     task.ID,
				PersonaID:  task.PersonaID,
				ActionID:   &stored.ID,
				TaskType:   task.TaskType,
				Text:       stored.Text,
				RiskReason: riskReason,
			}); err != nil {
				return 0, err
			}
		}
		return stored.ID, nil
	})
	if err != nil {
		return a.commitError(ctx, task, err)
	}

	if riskReason != "" {
		slog.InfoContext(ctx, "action held for review", "action_id", rid, "risk_reason", riskReason)
		return Result{TaskID: task.ID, Outcome: OutcomeHeld, ResultID: rid, ReasonCode: riskReason}
	}
	return Result{TaskID: task.ID, Outcome: OutcomePublished, ResultID: rid}
}

func (a *Agent) commitError(ctx context.Context, task *model.QueueTask, err error) Result {
	if errors.Is(err, queue.ErrNotLeaseHolder) || errors.Is(err, queue.ErrInvalidTransition) {
		return a.leaseError(ctx, task, err)
	}
	return a.fail(ctx, task, true, ReasonCommitFailed, err.Error())
}

func (a *Agent) fail(ctx context.Context, task *model.QueueTask, retryable bool, reason, msg string) Result {
	updated, err := a.queue.Fail(ctx, task.ID, a.cfg.WorkerID, retryable, reason+": "+msg)
	if err != nil {
		if errors.Is(err, queue.ErrNotLeaseHolder) || errors.Is(err, queue.ErrInvalidTransition) {
			return a.leaseError(ctx, task, err)
		}
		slog.ErrorContext(ctx, "failed to record task failure", "error", err, "reason_code", reason)
		return Result{TaskID: task.ID, Outcome: OutcomeRetry, ReasonCode: reason, Err: err}
	}
	outcome := OutcomeFailed
	if updated.Status == model.TaskStatusPending {
		outcome = OutcomeRetry
	}
	return Result{TaskID: task.ID, Outcome: outcome, ReasonCode: reason, Err: errors.New(msg)}
}

func (a *Agent) leaseError(ctx context.Context, task *model.QueueTask, err error) Result {
	slog.WarnContext(ctx, "lease lost, abandoning task", "error", err)
	return Result{TaskID: task.ID, Outcome: OutcomeLeaseLost, Err: err}
}

// startHeartbeat extends the lease until the returned stop is called. The
// returned context is cancelled once the lease is lost.
func (a *Agent) startHeartbeat(ctx context.Context, taskID int64) (context.Context, func()) {
	hbCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(a.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if _, err := a.queue.Heartbeat(ctx, taskID, a.cfg.WorkerID); err != nil {
					if errors.Is(err, queue.ErrNotLeaseHolder) || errors.Is(err, queue.ErrTaskNotFound) {
						cancel(err)
						return
					}
					slog.WarnContext(ctx, "heartbeat failed", "error", err)
				}
			}
		}
	}()

	return hbCtx, func() {
		close(done)
		<-stopped
		cancel(nil)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
