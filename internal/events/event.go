// Package events carries governance observability events (task transitions, provider
// attempts, policy changes, review decisions) to pluggable sinks.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

type Kind string

const (
	KindTaskTransition   Kind = "task_transition"
	KindProviderRuntime  Kind = "provider_runtime"
	KindPolicy           Kind = "policy"
	KindReview           Kind = "review"
	KindDispatchDecision Kind = "dispatch_decision"
	KindPromptTrim       Kind = "prompt_trim"
	KindContextFallback  Kind = "context_fallback"
)

// Event is implemented by every variant below.
type Event interface {
	Kind() Kind
	// Subject identifies the entity the event is about (task id, provider id, ...).
	Subject() string
	Reason() string
}

type TaskTransitionEvent struct {
	TaskID     int64            `json:"task_id,string"`
	PersonaID  int64            `json:"persona_id,string"`
	TaskType   model.TaskType   `json:"task_type"`
	FromStatus model.TaskStatus `json:"from_status,omitempty"`
	ToStatus   model.TaskStatus `json:"to_status"`
	ReasonCode string           `json:"reason_code"`
	RetryCount int              `json:"retry_count"`
	WorkerID   string           `json:"worker_id,omitempty"`
	At         time.Time        `json:"at"`
}

func (TaskTransitionEvent) Kind() Kind        { return KindTaskTransition }
func (e TaskTransitionEvent) Subject() string { return strconv.FormatInt(e.TaskID, 10) }
func (e TaskTransitionEvent) Reason() string  { return e.ReasonCode }

type ProviderOutcome string

const (
	OutcomeSuccess ProviderOutcome = "success"
	OutcomeTimeout ProviderOutcome = "timeout"
	OutcomeError   ProviderOutcome = "error"
	OutcomeEmpty   ProviderOutcome = "empty"
)

type ProviderRuntimeEvent struct {
	ProviderID string          `json:"provider_id"`
	ModelID    string          `json:"model_id"`
	TaskType   model.TaskType  `json:"task_type,omitempty"`
	Attempt    int             `json:"attempt"`
	Fallback   bool            `json:"fallback"`
	LatencyMs  int64           `json:"latency_ms"`
	Outcome    ProviderOutcome `json:"outcome"`
	Error      string          `json:"error,omitempty"`
	At         time.Time       `json:"at"`
}

func (ProviderRuntimeEvent) Kind() Kind        { return KindProviderRuntime }
func (e ProviderRuntimeEvent) Subject() string { return e.ProviderID + "/" + e.ModelID }
func (e ProviderRuntimeEvent) Reason() string  { return string(e.Outcome) }

type PolicyAction string

const (
	PolicyDraftCreated PolicyAction = "DRAFT_CREATED"
	PolicyPromoted     PolicyAction = "PROMOTED"
	PolicyRolledBack   PolicyAction = "ROLLED_BACK"
	PolicyFallback     PolicyAction = "FALLBACK"
)

type PolicyEvent struct {
	Action        PolicyAction `json:"action"`
	Version       int64        `json:"version"`
	SourceVersion *int64       `json:"source_version,omitempty"`
	ActorID       string       `json:"actor_id,omitempty"`
	ReasonCode    string       `json:"reason_code,omitempty"`
	Error         string       `json:"error,omitempty"`
	At            time.Time    `json:"at"`
}

func (PolicyEvent) Kind() Kind        { return KindPolicy }
func (e PolicyEvent) Subject() string { return strconv.FormatInt(e.Version, 10) }
func (e PolicyEvent) Reason() string {
	if e.ReasonCode != "" {
		return e.ReasonCode
	}
	return string(e.Action)
}

type ReviewEvent struct {
	ReviewItemID int64              `json:"review_item_id,string"`
	TaskID       int64              `json:"task_id,string"`
	FromStatus   model.ReviewStatus `json:"from_status,omitempty"`
	ToStatus     model.ReviewStatus `json:"to_status"`
	ReviewerID   string             `json:"reviewer_id,omitempty"`
	ReasonCode   string             `json:"reason_code,omitempty"`
	At           time.Time          `json:"at"`
}

func (ReviewEvent) Kind() Kind        { return KindReview }
func (e ReviewEvent) Subject() string { return strconv.FormatInt(e.ReviewItemID, 10) }
func (e ReviewEvent) Reason() string {
	if e.ReasonCode != "" {
		return e.ReasonCode
	}
	return string(e.ToStatus)
}

type DispatchDecisionEvent struct {
	IntentID      string         `json:"intent_id"`
	TaskType      model.TaskType `json:"task_type"`
	PersonaID     *int64         `json:"persona_id,omitempty"`
	Allowed       bool           `json:"allowed"`
	ReasonCode    string         `json:"reason_code"`
	TaskID        *int64         `json:"task_id,omitempty"`
	PolicyVersion int64          `json:"policy_version"`
	At            time.Time      `json:"at"`
}

func (DispatchDecisionEvent) Kind() Kind        { return KindDispatchDecision }
func (e DispatchDecisionEvent) Subject() string { return e.IntentID }
func (e DispatchDecisionEvent) Reason() string  { return e.ReasonCode }

type PromptTrimEvent struct {
	Block        string    `json:"block"`
	RemovedChars int       `json:"removed_chars"`
	Budget       int       `json:"budget"`
	TaskID       *int64    `json:"task_id,omitempty"`
	At           time.Time `json:"at"`
}

func (PromptTrimEvent) Kind() Kind        { return KindPromptTrim }
func (e PromptTrimEvent) Subject() string { return e.Block }
func (e PromptTrimEvent) Reason() string  { return "PROMPT_TRIMMED" }

type ContextFallbackEvent struct {
	PersonaID int64     `json:"persona_id,string"`
	Layer     string    `json:"layer"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

func (ContextFallbackEvent) Kind() Kind        { return KindContextFallback }
func (e ContextFallbackEvent) Subject() string { return e.Layer }
func (e ContextFallbackEvent) Reason() string  { return "CONTEXT_FALLBACK_EMPTY" }

// Envelope is the serialized form written to Redis and the event log table.
type Envelope struct {
	ID      int64           `json:"id,string"`
	Kind    Kind            `json:"kind"`
	Subject string          `json:"subject"`
	Reason  string          `json:"reason"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// NewEnvelope marshals e. id is supplied by the caller so sinks share one id per event.
func NewEnvelope(id int64, e Event, at time.Time) (Envelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s event: %w", e.Kind(), err)
	}
	return Envelope{
		ID:      id,
		Kind:    e.Kind(),
		Subject: e.Subject(),
		Reason:  e.Reason(),
		Payload: payload,
		At:      at,
	}, nil
}
