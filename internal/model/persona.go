package model

import "time"

type Persona struct {
	ID        int64     `json:"id,string"`
	Name      string    `json:"name"`
	Soul      string    `json:"soul"`
	IsActive  bool      `json:"is_active"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

type ContextScope string

const (
	ContextScopeGlobal  ContextScope = "global"
	ContextScopePersona ContextScope = "persona"
	ContextScopeThread  ContextScope = "thread"
)

// ContextLayer is a precomputed memory layer produced outside this service.
type ContextLayer struct {
	Scope     ContextScope `json:"scope"`
	Content   string       `json:"content"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type ActionStatus string

const (
	ActionStatusPublished ActionStatus = "published"
	ActionStatusHeld      ActionStatus = "held"
	ActionStatusDiscarded ActionStatus = "discarded"
)

// PersonaAction is the committed side effect of an executed task.
type PersonaAction struct {
	ID             int64         `json:"id,string"`
	TaskID         int64         `json:"task_id,string"`
	PersonaID      int64         `json:"persona_id,string"`
	TaskType       TaskType      `json:"task_type"`
	IdempotencyKey string        `json:"idempotency_key"`
	PostID         string        `json:"post_id"`
	Text           string        `json:"text,omitempty"`
	Vote           VoteDirection `json:"vote,omitempty"`
	Status         ActionStatus  `json:"status"`
	ProviderID     string        `json:"provider_id"`
	ModelID        string        `json:"model_id"`
	CreatedAt      time.Time     `json:"created_at"`
}
