package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevenhsu/llmbook-sub003/common/logger"
	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/intake"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/policy"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
)

const recentReplyLimit = 20

var (
	rateLimitedStatuses = []model.TaskStatus{
		model.TaskStatusCompleted, model.TaskStatusClaimed, model.TaskStatusInProgress,
	}
	cooldownStatuses = []model.TaskStatus{
		model.TaskStatusPending, model.TaskStatusClaimed, model.TaskStatusInProgress, model.TaskStatusCompleted,
	}
	replyLikeTypes = []model.TaskType{model.TaskTypeReply, model.TaskTypeComment}
)

// PolicySource serves the resolved policy for a scope. policy.CachedProvider implements it.
type PolicySource interface {
	Get(ctx context.Context, scope policy.Scope) policy.Resolved
}

// Enqueuer admits tasks. queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *model.QueueTask) (*model.QueueTask, bool, error)
}

// Result is the outcome for one intent of a batch.
type Result struct {
	IntentID      string         `json:"intent_id,omitempty"`
	TaskType      model.TaskType `json:"task_type,omitempty"`
	PersonaID     *int64         `json:"persona_id,omitempty"`
	Allowed       bool           `json:"allowed"`
	ReasonCode    string         `json:"reason_code"`
	Note          string         `json:"note,omitempty"`
	TaskID        *int64         `json:"task_id,omitempty"`
	Duplicate     bool           `json:"duplicate,omitempty"`
	PolicyVersion int64          `json:"policy_version"`
}

type Dispatcher struct {
	stores   store.Provider
	policies PolicySource
	queue    Enqueuer
	sink     events.Sink
	now      func() time.Time
}

func New(stores store.Provider, policies PolicySource, queue Enqueuer, sink events.Sink) *Dispatcher {
	return &Dispatcher{
		stores:   stores,
		policies: policies,
		queue:    queue,
		sink:     events.Safe(sink),
		now:      time.Now,
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch decides every intent of the batch in order. An empty batch yields one
// HEARTBEAT_OK result. Store failures abort the batch; intents already enqueued
// dedupe on their idempotency key when the batch is retried.
func (d *Dispatcher) Dispatch(ctx context.Context, intents []model.TaskIntent) ([]Result, error) {
	if len(intents) == 0 {
		return []Result{{Allowed: true, ReasonCode: ReasonHeartbeatOK}}, nil
	}

	results := make([]Result, 0, len(intents))
	for _, intent := range intents {
		res, err := d.dispatchOne(ctx, intent)
		if err != nil {
			return results, fmt.Errorf("dispatch intent %s: %w", intent.ID, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, intent model.TaskIntent) (Result, error) {
	now := d.now()
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		IntentID:  logger.Ptr(intent.ID),
		TaskType:  logger.Ptr(string(intent.Type)),
		Component: "governor.dispatcher",
	})
	res := Result{IntentID: intent.ID, TaskType: intent.Type}

	if err := intent.Validate(); err != nil {
		res.ReasonCode = ReasonValidationFailed
		res.Note = err.Error()
		slog.WarnContext(ctx, "intent rejected", "error", err)
		d.record(ctx, res, now)
		return res, nil
	}

	persona, err := d.resolvePersona(ctx, intent)
	if err != nil {
		return res, err
	}

	scope := policy.Scope(policy.ScopeGlobal)
	switch {
	case persona.Resolved:
		scope = policy.PersonaScope(persona.ID)
		res.PersonaID = &persona.ID
	case intent.Payload.BoardID != nil:
		scope = policy.BoardScope(*intent.Payload.BoardID)
	}
	resolved := d.policies.Get(ctx, scope)
	res.PolicyVersion = resolved.Version

	in := DecisionInput{
		Intent:  intent,
		Policy:  resolved.Dispatcher,
		Persona: persona,
		Now:     now,
	}
	if persona.Resolved {
		if in.Counters, err = d.counters(ctx, intent, persona.ID, now); err != nil {
			return res, err
		}
		if resolved.Dispatcher.PrecheckEnabled && intent.Payload.DraftText != nil {
			in.RecentReplies, err = d.stores.Actions().RecentTexts(ctx, persona.ID, replyLikeTypes, recentReplyLimit)
			if err != nil {
				return res, fmt.Errorf("load recent replies: %w", err)
			}
		}
	}

	decision := Decide(in)
	res.Allowed = decision.Allowed
	res.ReasonCode = decision.ReasonCode
	if !decision.Allowed {
		slog.InfoContext(ctx, "intent denied", "reason_code", decision.ReasonCode, "policy_version", resolved.Version)
		d.record(ctx, res, now)
		return res, nil
	}

	task, err := d.buildTask(intent, persona.ID, resolved)
	if err != nil {
		return res, err
	}
	stored, created, err := d.queue.Enqueue(ctx, task)
	if err != nil {
		return res, fmt.Errorf("enqueue: %w", err)
	}
	res.TaskID = &stored.ID
	res.Duplicate = !created

	slog.InfoContext(ctx, "intent admitted",
		"reason_code", decision.ReasonCode,
		"task_id", stored.ID,
		"persona_id", persona.ID,
		"duplicate", !created)
	d.record(ctx, res, now)
	return res, nil
}

func (d *Dispatcher) resolvePersona(ctx context.Context, intent model.TaskIntent) (PersonaResolution, error) {
	if pid := intent.Payload.PersonaID; pid != nil {
		p, err := d.stores.Personas().GetByID(ctx, *pid)
		if errors.Is(err, store.ErrNotFound) {
			return PersonaResolution{}, nil
		}
		if err != nil {
			return PersonaResolution{}, fmt.Errorf("get persona %d: %w", *pid, err)
		}
		return PersonaResolution{Resolved: p.IsActive, ID: p.ID, Explicit: true}, nil
	}

	p, err := d.stores.Personas().GetDefault(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return PersonaResolution{}, nil
	}
	if err != nil {
		return PersonaResolution{}, fmt.Errorf("get default persona: %w", err)
	}
	return PersonaResolution{Resolved: p.IsActive, ID: p.ID}, nil
}

func (d *Dispatcher) counters(ctx context.Context, intent model.TaskIntent, personaID int64, now time.Time) (Counters, error) {
	var c Counters
	if intent.Type.IsReplyLike() {
		n, err := d.stores.Tasks().CountRecentByPersona(ctx, personaID, replyLikeTypes, rateLimitedStatuses, now.Add(-time.Hour))
		if err != nil {
			return c, fmt.Errorf("count recent replies: %w", err)
		}
		c.HourlyReplyCount = n
	}
	last, err := d.stores.Tasks().LastForPost(ctx, personaID, intent.Payload.PostID, cooldownStatuses)
	if err != nil {
		return c, fmt.Errorf("last action on post: %w", err)
	}
	c.LastActionOnPostAt = last
	return c, nil
}

func (d *Dispatcher) buildTask(intent model.TaskIntent, personaID int64, resolved policy.Resolved) (*model.QueueTask, error) {
	payload := intent.Payload
	payload.PersonaID = &personaID
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	return &model.QueueTask{
		IntentID:       intent.ID,
		PersonaID:      personaID,
		TaskType:       intent.Type,
		MaxRetries:     resolved.Queue().MaxRetries,
		IdempotencyKey: intent.IdempotencyKey(personaID),
		SourceTable:    intent.SourceTable,
		SourceID:       intent.SourceID,
		PostID:         intent.Payload.PostID,
		Payload:        raw,
	}, nil
}

func (d *Dispatcher) record(ctx context.Context, res Result, now time.Time) {
	_ = d.sink.Record(ctx, events.DispatchDecisionEvent{
		IntentID:      res.IntentID,
		TaskType:      res.TaskType,
		PersonaID:     res.PersonaID,
		Allowed:       res.Allowed,
		ReasonCode:    res.ReasonCode,
		TaskID:        res.TaskID,
		PolicyVersion: res.PolicyVersion,
		At:            now.UTC(),
	})
}

// ProcessMessages adapts Dispatch to the intake loop.
func (d *Dispatcher) ProcessMessages(ctx context.Context, msgs []intake.Message) error {
	intents := make([]model.TaskIntent, len(msgs))
	for i, m := range msgs {
		intents[i] = m.Intent
	}
	results, err := d.Dispatch(ctx, intents)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		slog.DebugContext(ctx, "intake heartbeat", "reason_code", results[0].ReasonCode)
	}
	return nil
}
