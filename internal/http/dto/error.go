package dto

// Reason codes returned by the operator API.
const (
	ErrActorRequired      = "ACTOR_REQUIRED"
	ErrInvalidRequest     = "INVALID_REQUEST"
	ErrInternal           = "INTERNAL_ERROR"
	ErrReviewNotFound     = "REVIEW_ITEM_NOT_FOUND"
	ErrReviewConflict     = "REVIEW_TRANSITION_REJECTED"
	ErrPolicyNotFound     = "POLICY_RELEASE_NOT_FOUND"
	ErrPolicyInvalid      = "POLICY_INVALID"
	ErrPolicyMalformed    = "POLICY_MALFORMED"
	ErrTaskNotFound       = "TASK_NOT_FOUND"
	ErrStreamUnavailable  = "EVENT_STREAM_UNAVAILABLE"
	ErrStreamNotSupported = "STREAMING_NOT_SUPPORTED"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Note  string `json:"note,omitempty"`
	// Issues lists validation problems for POLICY_INVALID.
	Issues []string `json:"issues,omitempty"`
}
