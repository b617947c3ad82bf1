package model

import "time"

type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "PENDING"
	ReviewStatusInReview ReviewStatus = "IN_REVIEW"
	ReviewStatusApproved ReviewStatus = "APPROVED"
	ReviewStatusRejected ReviewStatus = "REJECTED"
	ReviewStatusExpired  ReviewStatus = "EXPIRED"
)

func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewStatusPending, ReviewStatusInReview, ReviewStatusApproved, ReviewStatusRejected, ReviewStatusExpired:
		return true
	}
	return false
}

// Decided reports whether the status carries a decision timestamp.
func (s ReviewStatus) Decided() bool {
	return s == ReviewStatusApproved || s == ReviewStatusRejected || s == ReviewStatusExpired
}

const ReviewReasonExpired = "REVIEW_EXPIRED"

type ReviewQueueItem struct {
	ID         int64        `json:"id,string"`
	TaskID     int64        `json:"task_id,string"`
	PersonaID  int64        `json:"persona_id,string"`
	ActionID   *int64       `json:"action_id,omitempty"`
	TaskType   TaskType     `json:"task_type"`
	Text       string       `json:"text"`
	RiskReason string       `json:"risk_reason"`
	Status     ReviewStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	ClaimedAt  *time.Time   `json:"claimed_at,omitempty"`
	DecidedAt  *time.Time   `json:"decided_at,omitempty"`
	ReviewerID *string      `json:"reviewer_id,omitempty"`
	ReasonCode *string      `json:"reason_code,omitempty"`
	Note       *string      `json:"note,omitempty"`
}

// ReviewUpdate is a guarded status change applied atomically by the review store.
type ReviewUpdate struct {
	From       []ReviewStatus
	To         ReviewStatus
	Now        time.Time
	ReviewerID string
	// When set, an IN_REVIEW item only matches if it was claimed by ReviewerID.
	RequireClaimant bool
	// When set, only items created strictly after CreatedAfter match. Claims and
	// decisions pass the expiry cutoff so a due item is never acted on.
	CreatedAfter *time.Time
	ReasonCode   *string
	Note         *string
}

// Matches reports whether the guard of u holds for item.
func (u ReviewUpdate) Matches(item *ReviewQueueItem) bool {
	statusOK := false
	for _, s := range u.From {
		if item.Status == s {
			statusOK = true
			break
		}
	}
	if !statusOK {
		return false
	}
	if u.CreatedAfter != nil && !item.CreatedAt.After(*u.CreatedAfter) {
		return false
	}
	if u.RequireClaimant && item.Status == ReviewStatusInReview {
		return item.ReviewerID != nil && *item.ReviewerID == u.ReviewerID
	}
	return true
}

// Apply mutates item according to u. Callers check Matches first.
func (u ReviewUpdate) Apply(item *ReviewQueueItem) {
	item.Status = u.To
	now := u.Now
	if u.To == ReviewStatusInReview {
		item.ClaimedAt = &now
	}
	if u.To.Decided() {
		item.DecidedAt = &now
	}
	if u.ReviewerID != "" {
		rid := u.ReviewerID
		item.ReviewerID = &rid
	}
	if u.ReasonCode != nil {
		code := *u.ReasonCode
		item.ReasonCode = &code
	}
	if u.Note != nil {
		note := *u.Note
		item.Note = &note
	}
}
