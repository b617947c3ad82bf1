package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nevenhsu/llmbook-sub003/internal/http/dto"
	"github.com/nevenhsu/llmbook-sub003/internal/http/middleware"
	"github.com/nevenhsu/llmbook-sub003/internal/policy"
	"github.com/nevenhsu/llmbook-sub003/internal/service"
)

const (
	defaultReleaseListLimit = 20
	maxReleaseListLimit     = 200
)

type PolicyHandler struct {
	policies service.PolicyService
}

func NewPolicyHandler(policies service.PolicyService) *PolicyHandler {
	return &PolicyHandler{policies: policies}
}

func (h *PolicyHandler) ListReleases(c *gin.Context) {
	limit, ok := limitQuery(c, defaultReleaseListLimit, maxReleaseListLimit)
	if !ok {
		return
	}
	releases, err := h.policies.List(c.Request.Context(), limit)
	if err != nil {
		internalError(c, "failed to list policy releases", err)
		return
	}
	resp := dto.ListPolicyReleasesResponse{Releases: make([]dto.PolicyReleaseResponse, 0, len(releases))}
	for i := range releases {
		resp.Releases = append(resp.Releases, dto.ToPolicyReleaseResponse(&releases[i], false))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PolicyHandler) GetRelease(c *gin.Context) {
	version, ok := int64Param(c, "version")
	if !ok {
		return
	}
	release, err := h.policies.Get(c.Request.Context(), version)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ToPolicyReleaseResponse(release, true))
}

func (h *PolicyHandler) Active(c *gin.Context) {
	release, err := h.policies.Active(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ToPolicyReleaseResponse(release, true))
}

func (h *PolicyHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.policies.Status())
}

func (h *PolicyHandler) CreateRelease(c *gin.Context) {
	var req dto.CreatePolicyReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, dto.ErrInvalidRequest, err.Error())
		return
	}
	doc, err := policy.ParseDocument(req.Policy)
	if err != nil {
		writeError(c, http.StatusBadRequest, dto.ErrPolicyMalformed, err.Error())
		return
	}

	release, err := h.policies.CreateDraft(c.Request.Context(), doc, middleware.Actor(c), req.Note)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.ToPolicyReleaseResponse(release, true))
}

func (h *PolicyHandler) Promote(c *gin.Context) {
	version, ok := int64Param(c, "version")
	if !ok {
		return
	}
	var req dto.PolicyTransitionRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	release, err := h.policies.Promote(c.Request.Context(), version, middleware.Actor(c), req.Note)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ToPolicyReleaseResponse(release, false))
}

// Rollback re-activates the document of an earlier release as a new release.
func (h *PolicyHandler) Rollback(c *gin.Context) {
	version, ok := int64Param(c, "version")
	if !ok {
		return
	}
	var req dto.PolicyTransitionRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	release, err := h.policies.Rollback(c.Request.Context(), version, middleware.Actor(c), req.Note)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.ToPolicyReleaseResponse(release, false))
}

func (h *PolicyHandler) fail(c *gin.Context, err error) {
	var verr *policy.ValidationError
	switch {
	case errors.As(err, &verr):
		issues := make([]string, 0, len(verr.Issues))
		for _, i := range verr.Issues {
			issues = append(issues, i.String())
		}
		c.JSON(http.StatusUnprocessableEntity, dto.ErrorResponse{Error: dto.ErrPolicyInvalid, Issues: issues})
	case errors.Is(err, policy.ErrReleaseNotFound):
		writeError(c, http.StatusNotFound, dto.ErrPolicyNotFound, "")
	case errors.Is(err, policy.ErrActorRequired):
		writeError(c, http.StatusBadRequest, dto.ErrActorRequired, "")
	default:
		internalError(c, "policy operation failed", err)
	}
}
