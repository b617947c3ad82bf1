package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nevenhsu/llmbook-sub003/internal/http/dto"
	"github.com/nevenhsu/llmbook-sub003/internal/http/middleware"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/review"
	"github.com/nevenhsu/llmbook-sub003/internal/service"
)

const (
	defaultReviewListLimit = 50
	maxReviewListLimit     = 500
)

type ReviewHandler struct {
	reviews      service.ReviewService
	expiryWindow time.Duration
}

func NewReviewHandler(reviews service.ReviewService, expiryWindow time.Duration) *ReviewHandler {
	if expiryWindow <= 0 {
		expiryWindow = review.DefaultExpiryWindow
	}
	return &ReviewHandler{reviews: reviews, expiryWindow: expiryWindow}
}

func (h *ReviewHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	var status *model.ReviewStatus
	if raw := c.Query("status"); raw != "" {
		s := model.ReviewStatus(strings.ToUpper(raw))
		if !s.Valid() {
			writeError(c, http.StatusBadRequest, dto.ErrInvalidRequest, "unknown status "+raw)
			return
		}
		status = &s
	}
	limit, ok := limitQuery(c, defaultReviewListLimit, maxReviewListLimit)
	if !ok {
		return
	}

	items, err := h.reviews.List(ctx, status, limit)
	if err != nil {
		internalError(c, "failed to list review items", err)
		return
	}

	resp := dto.ListReviewItemsResponse{Items: make([]dto.ReviewItemResponse, 0, len(items))}
	for i := range items {
		resp.Items = append(resp.Items, dto.ToReviewItemResponse(&items[i], h.expiryWindow))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ReviewHandler) Get(c *gin.Context) {
	itemID, ok := int64Param(c, "id")
	if !ok {
		return
	}
	item, err := h.reviews.Get(c.Request.Context(), itemID)
	if errors.Is(err, review.ErrItemNotFound) {
		writeError(c, http.StatusNotFound, dto.ErrReviewNotFound, "")
		return
	}
	if err != nil {
		internalError(c, "failed to get review item", err)
		return
	}
	c.JSON(http.StatusOK, dto.ToReviewItemResponse(item, h.expiryWindow))
}

func (h *ReviewHandler) Claim(c *gin.Context) {
	h.transition(c, func(ctx context.Context, itemID int64, actor string) (*model.ReviewQueueItem, bool, error) {
		return h.reviews.Claim(ctx, itemID, actor)
	})
}

func (h *ReviewHandler) Approve(c *gin.Context) {
	var req dto.DecideReviewRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	h.transition(c, func(ctx context.Context, itemID int64, actor string) (*model.ReviewQueueItem, bool, error) {
		return h.reviews.Approve(ctx, itemID, actor, req.Note)
	})
}

func (h *ReviewHandler) Reject(c *gin.Context) {
	var req dto.RejectReviewRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	h.transition(c, func(ctx context.Context, itemID int64, actor string) (*model.ReviewQueueItem, bool, error) {
		return h.reviews.Reject(ctx, itemID, actor, req.ReasonCode, req.Note)
	})
}

// Expire runs the expiry sweep on demand.
func (h *ReviewHandler) Expire(c *gin.Context) {
	n, err := h.reviews.ExpireDue(c.Request.Context())
	if err != nil {
		internalError(c, "failed to expire review items", err)
		return
	}
	c.JSON(http.StatusOK, dto.ExpireReviewResponse{Expired: n})
}

type reviewTransition func(ctx context.Context, itemID int64, actor string) (*model.ReviewQueueItem, bool, error)

// transition answers 409 with the item's current state when the guarded update did not apply.
func (h *ReviewHandler) transition(c *gin.Context, apply reviewTransition) {
	ctx := c.Request.Context()
	itemID, ok := int64Param(c, "id")
	if !ok {
		return
	}

	item, applied, err := apply(ctx, itemID, middleware.Actor(c))
	if errors.Is(err, review.ErrReviewerRequired) {
		writeError(c, http.StatusBadRequest, dto.ErrActorRequired, "")
		return
	}
	if err != nil {
		internalError(c, "failed to update review item", err)
		return
	}
	if applied {
		c.JSON(http.StatusOK, dto.ToReviewItemResponse(item, h.expiryWindow))
		return
	}

	current, err := h.reviews.Get(ctx, itemID)
	if errors.Is(err, review.ErrItemNotFound) {
		writeError(c, http.StatusNotFound, dto.ErrReviewNotFound, "")
		return
	}
	if err != nil {
		internalError(c, "failed to get review item", err)
		return
	}
	c.JSON(http.StatusConflict, gin.H{
		"error": dto.ErrReviewConflict,
		"note":  "item is " + string(current.Status),
		"item":  dto.ToReviewItemResponse(current, h.expiryWindow),
	})
}
