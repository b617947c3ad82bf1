package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nevenhsu/llmbook-sub003/internal/http/dto"
	"github.com/nevenhsu/llmbook-sub003/internal/queue"
	"github.com/nevenhsu/llmbook-sub003/internal/service"
)

// OpsHandler serves the read-only runtime views: queue, workers and provider probes.
type OpsHandler struct {
	tasks     service.QueueService
	workers   service.WorkerService
	providers service.ProviderService
}

func NewOpsHandler(tasks service.QueueService, workers service.WorkerService, providers service.ProviderService) *OpsHandler {
	return &OpsHandler{tasks: tasks, workers: workers, providers: providers}
}

func (h *OpsHandler) QueueCounts(c *gin.Context) {
	counts, err := h.tasks.Counts(c.Request.Context())
	if err != nil {
		internalError(c, "failed to count tasks", err)
		return
	}
	c.JSON(http.StatusOK, dto.ToQueueCountsResponse(counts))
}

func (h *OpsHandler) GetTask(c *gin.Context) {
	taskID, ok := int64Param(c, "id")
	if !ok {
		return
	}
	task, err := h.tasks.Get(c.Request.Context(), taskID)
	if errors.Is(err, queue.ErrTaskNotFound) {
		writeError(c, http.StatusNotFound, dto.ErrTaskNotFound, "")
		return
	}
	if err != nil {
		internalError(c, "failed to get task", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *OpsHandler) Workers(c *gin.Context) {
	workers, err := h.workers.List(c.Request.Context())
	if err != nil {
		internalError(c, "failed to list workers", err)
		return
	}
	c.JSON(http.StatusOK, dto.WorkersResponse{Workers: workers})
}

// TestProvider sends one probe prompt. A failed probe is still a 200; the result carries the error.
func (h *OpsHandler) TestProvider(c *gin.Context) {
	providerID := strings.TrimSpace(c.Param("provider_id"))
	if providerID == "" {
		writeError(c, http.StatusBadRequest, dto.ErrInvalidRequest, "provider_id is required")
		return
	}
	c.JSON(http.StatusOK, h.providers.TestConnectivity(c.Request.Context(), providerID))
}
