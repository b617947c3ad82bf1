package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	TaskType   string
	TaskStatus string
)

const (
	TaskTypeReply   TaskType = "reply"
	TaskTypeVote    TaskType = "vote"
	TaskTypePost    TaskType = "post"
	TaskTypeComment TaskType = "comment"
)

// TaskTypes lists every task type the pipeline knows how to execute.
var TaskTypes = []TaskType{TaskTypeReply, TaskTypeVote, TaskTypePost, TaskTypeComment}

func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeReply, TaskTypeVote, TaskTypePost, TaskTypeComment:
		return true
	}
	return false
}

// IsReplyLike reports whether the task writes a response inside an existing thread.
// Reply-like tasks share the hourly reply budget.
func (t TaskType) IsReplyLike() bool {
	return t == TaskTypeReply || t == TaskTypeComment
}

const (
	TaskStatusPending     TaskStatus = "PENDING"
	TaskStatusClaimed     TaskStatus = "CLAIMED"
	TaskStatusInProgress  TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted   TaskStatus = "COMPLETED"
	TaskStatusFailedRetry TaskStatus = "FAILED_RETRY"
	TaskStatusFailedFinal TaskStatus = "FAILED_FINAL"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailedFinal
}

// Leased reports whether a task in this status must carry a lease.
func (s TaskStatus) Leased() bool {
	return s == TaskStatusClaimed || s == TaskStatusInProgress
}

// Transition reason codes carried on task transition events.
const (
	TaskReasonEnqueued         = "ENQUEUED"
	TaskReasonClaimed          = "CLAIMED"
	TaskReasonStarted          = "STARTED"
	TaskReasonCompleted        = "COMPLETED"
	TaskReasonFailedRetry      = "FAILED_RETRY"
	TaskReasonFailedFinal      = "FAILED_FINAL"
	TaskReasonRetriesExhausted = "RETRIES_EXHAUSTED"
	TaskReasonLeaseTimeout     = "LEASE_TIMEOUT"
)

type QueueTask struct {
	ID             int64           `json:"id,string"`
	IntentID       string          `json:"intent_id"`
	PersonaID      int64           `json:"persona_id,string"`
	TaskType       TaskType        `json:"task_type"`
	Status         TaskStatus      `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	WorkerID       *string         `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	SourceTable    string          `json:"source_table"`
	SourceID       string          `json:"source_id"`
	PostID         string          `json:"post_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ResultID       *int64          `json:"result_id,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	ReasonCode     *string         `json:"reason_code,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// HoldsLease reports whether workerID holds a lease on the task that is still valid at now.
func (t *QueueTask) HoldsLease(workerID string, now time.Time) bool {
	if !t.Status.Leased() || t.WorkerID == nil || *t.WorkerID != workerID {
		return false
	}
	return t.LeaseExpiresAt != nil && now.Before(*t.LeaseExpiresAt)
}

// DecodePayload unmarshals the task payload captured from the originating intent.
func (t *QueueTask) DecodePayload() (IntentPayload, error) {
	var p IntentPayload
	if len(t.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return p, fmt.Errorf("decode task payload: %w", err)
	}
	return p, nil
}

// TaskUpdate is a guarded mutation applied by the task store as a single
// compare-and-set. The update only lands if the current status is one of From
// and, when WorkerID is set, that worker still holds an unexpired lease at Now.
// RequireExpiredLease instead matches only leases that ran out at or before Now.
// An empty To keeps the current status.
type TaskUpdate struct {
	From                []TaskStatus
	To                  TaskStatus
	WorkerID            string
	Now                 time.Time
	RequireExpiredLease bool

	// Applied on success.
	LeaseExpiresAt *time.Time
	ClearLease     bool
	IncrementRetry bool
	ResultID       *int64
	LastError      *string
	ReasonCode     string
}

// Matches reports whether the guard of u holds for t.
func (u TaskUpdate) Matches(t *QueueTask) bool {
	statusOK := false
	for _, s := range u.From {
		if t.Status == s {
			statusOK = true
			break
		}
	}
	if !statusOK {
		return false
	}
	if u.WorkerID != "" && !t.HoldsLease(u.WorkerID, u.Now) {
		return false
	}
	if u.RequireExpiredLease && (t.LeaseExpiresAt == nil || t.LeaseExpiresAt.After(u.Now)) {
		return false
	}
	return true
}

// Apply mutates t according to u. Callers check Matches first.
func (u TaskUpdate) Apply(t *QueueTask) {
	if u.To != "" {
		t.Status = u.To
	}
	t.UpdatedAt = u.Now
	if u.ClearLease {
		t.WorkerID = nil
		t.LeaseExpiresAt = nil
	} else if u.LeaseExpiresAt != nil {
		exp := *u.LeaseExpiresAt
		t.LeaseExpiresAt = &exp
	}
	if u.IncrementRetry {
		t.RetryCount++
	}
	if u.ResultID != nil {
		rid := *u.ResultID
		t.ResultID = &rid
	}
	if u.LastError != nil {
		msg := *u.LastError
		t.LastError = &msg
	}
	if u.ReasonCode != "" {
		code := u.ReasonCode
		t.ReasonCode = &code
	}
}

// TaskCounts maps statuses to the number of tasks currently in them.
type TaskCounts map[TaskStatus]int

// IdempotencyRecord pins the first successful result for (task type, key).
type IdempotencyRecord struct {
	TaskType       TaskType  `json:"task_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	ResultID       int64     `json:"result_id,string"`
	CreatedAt      time.Time `json:"created_at"`
}
