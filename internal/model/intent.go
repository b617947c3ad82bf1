package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskIntent is a proposed unit of persona work derived from an observed forum
// signal. It is consumed once by the dispatcher and either dropped or turned
// into a QueueTask.
type TaskIntent struct {
	ID          string        `json:"id"`
	Type        TaskType      `json:"type"`
	SourceTable string        `json:"source_table"`
	SourceID    string        `json:"source_id"`
	CreatedAt   time.Time     `json:"created_at"`
	Payload     IntentPayload `json:"payload"`
}

type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
	VoteSkip VoteDirection = "skip"
)

// IntentPayload carries the forum context an intent was derived from.
type IntentPayload struct {
	PersonaID  *int64  `json:"persona_id,omitempty"`
	PostID     string  `json:"post_id"`
	ThreadID   *string `json:"thread_id,omitempty"`
	BoardID    *string `json:"board_id,omitempty"`
	Title      *string `json:"title,omitempty"`
	Body       *string `json:"body,omitempty"`
	ParentText *string `json:"parent_text,omitempty"`
	DraftText  *string `json:"draft_text,omitempty"`
}

var ErrInvalidIntent = errors.New("invalid task intent")

// Validate rejects malformed intents before any state is touched.
func (i TaskIntent) Validate() error {
	var problems []string
	if strings.TrimSpace(i.ID) == "" {
		problems = append(problems, "id is required")
	}
	if !i.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown type %q", i.Type))
	}
	if strings.TrimSpace(i.SourceTable) == "" {
		problems = append(problems, "source_table is required")
	}
	if strings.TrimSpace(i.SourceID) == "" {
		problems = append(problems, "source_id is required")
	}
	if strings.TrimSpace(i.Payload.PostID) == "" {
		problems = append(problems, "payload.post_id is required")
	}
	if i.Type == TaskTypeReply || i.Type == TaskTypeComment {
		if i.Payload.Body == nil && i.Payload.ParentText == nil {
			problems = append(problems, "reply intents need body or parent_text")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidIntent, strings.Join(problems, "; "))
	}
	return nil
}

// IdempotencyKey identifies the side effect an admitted intent may produce.
func (i TaskIntent) IdempotencyKey(personaID int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", i.Type, i.SourceTable, i.SourceID, personaID)
}
