package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nevenhsu/llmbook-sub003/internal/http/handler"
	"github.com/nevenhsu/llmbook-sub003/internal/http/middleware"
)

// Handlers wires every handler the operator API serves. Events may be nil when no
// Redis event stream is configured.
type Handlers struct {
	Reviews  *handler.ReviewHandler
	Policies *handler.PolicyHandler
	Ops      *handler.OpsHandler
	Events   *handler.EventsHandler
}

type RouterConfig struct {
	NodeID    string
	StartedAt time.Time
}

func SetupRoutes(router *gin.Engine, h Handlers, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": cfg.NodeID, "started_at": cfg.StartedAt})
	})

	v1 := router.Group("/api/v1")
	{
		ReviewRouter(v1.Group("/review-items"), h.Reviews)
		PolicyRouter(v1.Group("/policy"), h.Policies)
		OpsRouter(v1, h.Ops)
		if h.Events != nil {
			v1.GET("/events/stream", h.Events.Stream)
		}
	}
}

func ReviewRouter(rg *gin.RouterGroup, h *handler.ReviewHandler) {
	rg.GET("", h.List)
	rg.GET("/:id", h.Get)

	mutations := rg.Group("", middleware.RequireActor())
	{
		mutations.POST("/expire", h.Expire)
		mutations.POST("/:id/claim", h.Claim)
		mutations.POST("/:id/approve", h.Approve)
		mutations.POST("/:id/reject", h.Reject)
	}
}

func PolicyRouter(rg *gin.RouterGroup, h *handler.PolicyHandler) {
	rg.GET("/releases", h.ListReleases)
	rg.GET("/releases/:version", h.GetRelease)
	rg.GET("/active", h.Active)
	rg.GET("/status", h.Status)

	mutations := rg.Group("/releases", middleware.RequireActor())
	{
		mutations.POST("", h.CreateRelease)
		mutations.POST("/:version/promote", h.Promote)
		mutations.POST("/:version/rollback", h.Rollback)
	}
}

func OpsRouter(rg *gin.RouterGroup, h *handler.OpsHandler) {
	rg.GET("/queue/counts", h.QueueCounts)
	rg.GET("/queue/tasks/:id", h.GetTask)
	rg.GET("/workers", h.Workers)
	rg.POST("/providers/:provider_id/test", middleware.RequireActor(), h.TestProvider)
}
