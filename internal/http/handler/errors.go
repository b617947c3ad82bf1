package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nevenhsu/llmbook-sub003/internal/http/dto"
)

func writeError(c *gin.Context, status int, code, note string) {
	c.JSON(status, dto.ErrorResponse{Error: code, Note: note})
}

// internalError logs err and answers with a bare INTERNAL_ERROR.
func internalError(c *gin.Context, msg string, err error) {
	slog.ErrorContext(c.Request.Context(), msg, "error", err)
	writeError(c, http.StatusInternalServerError, dto.ErrInternal, msg)
}

func int64Param(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		writeError(c, http.StatusBadRequest, dto.ErrInvalidRequest, name+" must be a positive integer")
		return 0, false
	}
	return v, true
}

func limitQuery(c *gin.Context, def, max int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		writeError(c, http.StatusBadRequest, dto.ErrInvalidRequest, "limit must be between 1 and "+strconv.Itoa(max))
		return 0, false
	}
	return n, true
}

// bindOptionalJSON accepts an empty body as the zero request.
func bindOptionalJSON(c *gin.Context, req any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		slog.WarnContext(c.Request.Context(), "invalid request body", "error", err)
		writeError(c, http.StatusBadRequest, dto.ErrInvalidRequest, err.Error())
		return false
	}
	return true
}
