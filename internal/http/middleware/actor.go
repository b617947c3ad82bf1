package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nevenhsu/llmbook-sub003/internal/http/dto"
)

const (
	ActorHeader = "X-Actor-Id"
	actorKey    = "actor_id"
)

// RequireActor rejects requests without an X-Actor-Id header.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(ActorHeader))
		if actor == "" {
			slog.WarnContext(c.Request.Context(), "mutation without actor", "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusBadRequest, dto.ErrorResponse{
				Error: dto.ErrActorRequired,
				Note:  "set the " + ActorHeader + " header",
			})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// Actor returns the id stored by RequireActor.
func Actor(c *gin.Context) string {
	return c.GetString(actorKey)
}
