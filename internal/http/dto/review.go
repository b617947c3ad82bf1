package dto

import (
	"time"

	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

type ReviewItemResponse struct {
	ID         int64      `json:"id,string"`
	TaskID     int64      `json:"task_id,string"`
	PersonaID  int64      `json:"persona_id,string"`
	ActionID   *string    `json:"action_id,omitempty"`
	TaskType   string     `json:"task_type"`
	Text       string     `json:"text"`
	RiskReason string     `json:"risk_reason"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	ReviewerID *string    `json:"reviewer_id,omitempty"`
	ReasonCode *string    `json:"reason_code,omitempty"`
	Note       *string    `json:"note,omitempty"`
}

func ToReviewItemResponse(item *model.ReviewQueueItem, expiryWindow time.Duration) ReviewItemResponse {
	resp := ReviewItemResponse{
		ID:         item.ID,
		TaskID:     item.TaskID,
		PersonaID:  item.PersonaID,
		TaskType:   string(item.TaskType),
		Text:       item.Text,
		RiskReason: item.RiskReason,
		Status:     string(item.Status),
		CreatedAt:  item.CreatedAt,
		ExpiresAt:  item.CreatedAt.Add(expiryWindow),
		ClaimedAt:  item.ClaimedAt,
		DecidedAt:  item.DecidedAt,
		ReviewerID: item.ReviewerID,
		ReasonCode: item.ReasonCode,
		Note:       item.Note,
	}
	if item.ActionID != nil {
		s := formatID(*item.ActionID)
		resp.ActionID = &s
	}
	return resp
}

type ListReviewItemsResponse struct {
	Items []ReviewItemResponse `json:"items"`
}

type DecideReviewRequest struct {
	Note string `json:"note" binding:"max=2000"`
}

type RejectReviewRequest struct {
	ReasonCode string `json:"reason_code" binding:"max=64"`
	Note       string `json:"note" binding:"max=2000"`
}

type ExpireReviewResponse struct {
	Expired int `json:"expired"`
}
