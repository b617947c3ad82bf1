package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nevenhsu/llmbook-sub003/core/config"
	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/http/dto"
	"github.com/nevenhsu/llmbook-sub003/internal/http/handler"
	"github.com/nevenhsu/llmbook-sub003/internal/http/middleware"
	"github.com/nevenhsu/llmbook-sub003/internal/http/router"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/policy"
	"github.com/nevenhsu/llmbook-sub003/internal/review"
	"github.com/nevenhsu/llmbook-sub003/internal/service"
	"github.com/nevenhsu/llmbook-sub003/internal/store/memstore"
)

var _ = Describe("SetupRoutes", func() {
	var (
		ctx    context.Context
		mem    *memstore.Store
		engine *gin.Engine
		svcs   *service.Services
	)

	call := func(method, path, actor string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		if actor != "" {
			req.Header.Set(middleware.ActorHeader, actor)
		}
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		ctx = context.Background()
		mem = memstore.New()
		cfg := config.Config{Review: config.ReviewConfig{ExpiryWindow: 72 * time.Hour}, Policy: config.PolicyConfig{CacheTTL: time.Hour}}
		svcs = service.NewServices(cfg, service.Deps{Stores: mem, Tx: mem, Sink: &events.Recorder{}})

		engine = gin.New()
		router.SetupRoutes(engine, router.Handlers{
			Reviews:  handler.NewReviewHandler(svcs.Reviews(), cfg.Review.ExpiryWindow),
			Policies: handler.NewPolicyHandler(svcs.Policies()),
			Ops:      handler.NewOpsHandler(svcs.Tasks(), svcs.Workers(), svcs.Providers()),
		}, router.RouterConfig{NodeID: "node-1"})
	})

	It("serves health", func() {
		w := call(http.MethodGet, "/health", "", nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"node_id":"node-1"`))
	})

	It("requires an actor on every mutation", func() {
		for _, path := range []string{
			"/api/v1/review-items/1/claim",
			"/api/v1/review-items/1/approve",
			"/api/v1/review-items/1/reject",
			"/api/v1/review-items/expire",
			"/api/v1/policy/releases",
			"/api/v1/policy/releases/1/promote",
			"/api/v1/policy/releases/1/rollback",
			"/api/v1/providers/mock/test",
		} {
			w := call(http.MethodPost, path, "", nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest), path)
			Expect(w.Body.String()).To(ContainSubstring(dto.ErrActorRequired), path)
		}
	})

	It("drafts, promotes and reports a policy release end to end", func() {
		w := call(http.MethodPost, "/api/v1/policy/releases", "op-1", map[string]any{"policy": policy.DefaultDocument()})
		Expect(w.Code).To(Equal(http.StatusCreated))

		w = call(http.MethodPost, "/api/v1/policy/releases/1/promote", "op-1", nil)
		Expect(w.Code).To(Equal(http.StatusOK))

		w = call(http.MethodGet, "/api/v1/policy/active", "", nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"version":1`))

		Expect(svcs.PolicyCache().Get(ctx, policy.ScopeGlobal).Version).To(Equal(int64(1)))
		w = call(http.MethodGet, "/api/v1/policy/status", "", nil)
		Expect(w.Body.String()).To(ContainSubstring(`"source":"store"`))
	})

	It("moves a review item through claim and approve", func() {
		item, err := svcs.ReviewQueue().Enqueue(ctx, nil, review.Request{
			TaskID: 5, PersonaID: 7, TaskType: model.TaskTypeReply, Text: "held", RiskReason: "SIMILAR_TO_RECENT_REPLY",
		})
		Expect(err).NotTo(HaveOccurred())
		base := "/api/v1/review-items/" + itoa(item.ID)

		Expect(call(http.MethodPost, base+"/claim", "rev-1", nil).Code).To(Equal(http.StatusOK))
		Expect(call(http.MethodPost, base+"/claim", "rev-2", nil).Code).To(Equal(http.StatusConflict))
		Expect(call(http.MethodPost, base+"/approve", "rev-2", nil).Code).To(Equal(http.StatusConflict))

		w := call(http.MethodPost, base+"/approve", "rev-1", map[string]string{"note": "ok"})
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"status":"APPROVED"`))

		w = call(http.MethodGet, "/api/v1/review-items?status=APPROVED", "", nil)
		Expect(w.Body.String()).To(ContainSubstring(`"reviewer_id":"rev-1"`))
	})

	It("probes the default provider", func() {
		w := call(http.MethodPost, "/api/v1/providers/mock/test", "op-1", nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"ok":true`))
	})

	It("leaves the event stream unrouted without redis", func() {
		Expect(call(http.MethodGet, "/api/v1/events/stream", "", nil).Code).To(Equal(http.StatusNotFound))
	})
})
