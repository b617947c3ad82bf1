package dto

import (
	"encoding/json"
	"time"

	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

// CreatePolicyReleaseRequest carries the document verbatim so it can be decoded strictly.
type CreatePolicyReleaseRequest struct {
	Policy json.RawMessage `json:"policy" binding:"required"`
	Note   string          `json:"note" binding:"max=2000"`
}

type PolicyTransitionRequest struct {
	Note string `json:"note" binding:"max=2000"`
}

type PolicyReleaseResponse struct {
	Version       int64                 `json:"version"`
	IsActive      bool                  `json:"is_active"`
	CreatedAt     time.Time             `json:"created_at"`
	CreatedBy     string                `json:"created_by"`
	Note          *string               `json:"note,omitempty"`
	SourceVersion *int64                `json:"source_version,omitempty"`
	Policy        *model.PolicyDocument `json:"policy,omitempty"`
}

// ToPolicyReleaseResponse omits the document unless withDocument is set; release lists stay small.
func ToPolicyReleaseResponse(r *model.PolicyRelease, withDocument bool) PolicyReleaseResponse {
	resp := PolicyReleaseResponse{
		Version:       r.Version,
		IsActive:      r.IsActive,
		CreatedAt:     r.CreatedAt,
		CreatedBy:     r.CreatedBy,
		Note:          r.Note,
		SourceVersion: r.SourceVersion,
	}
	if withDocument {
		doc := r.Policy
		resp.Policy = &doc
	}
	return resp
}

type ListPolicyReleasesResponse struct {
	Releases []PolicyReleaseResponse `json:"releases"`
}
