package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nevenhsu/llmbook-sub003/internal/http/dto"
	"github.com/nevenhsu/llmbook-sub003/internal/http/handler"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/provider"
	"github.com/nevenhsu/llmbook-sub003/internal/queue"
	"github.com/nevenhsu/llmbook-sub003/internal/workerstatus"
)

var _ = Describe("OpsHandler", func() {
	var (
		router    *gin.Engine
		tasks     *mockQueueService
		workers   *mockWorkerService
		providers *mockProviderService
	)

	serve := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w
	}

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		tasks = &mockQueueService{}
		workers = &mockWorkerService{}
		providers = &mockProviderService{}
		h := handler.NewOpsHandler(tasks, workers, providers)
		router = gin.New()
		router.GET("/queue/counts", h.QueueCounts)
		router.GET("/queue/tasks/:id", h.GetTask)
		router.GET("/workers", h.Workers)
		router.POST("/providers/:provider_id/test", h.TestProvider)
	})

	It("reports counts per status with a total", func() {
		tasks.countsFn = func(context.Context) (model.TaskCounts, error) {
			return model.TaskCounts{model.TaskStatusPending: 4, model.TaskStatusCompleted: 6}, nil
		}
		w := serve(http.MethodGet, "/queue/counts")
		Expect(w.Code).To(Equal(http.StatusOK))

		var resp dto.QueueCountsResponse
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Counts).To(HaveKeyWithValue("PENDING", 4))
		Expect(resp.Total).To(Equal(10))
	})

	It("maps a missing task to 404", func() {
		tasks.getFn = func(context.Context, int64) (*model.QueueTask, error) { return nil, queue.ErrTaskNotFound }
		w := serve(http.MethodGet, "/queue/tasks/12")
		Expect(w.Code).To(Equal(http.StatusNotFound))
		Expect(w.Body.String()).To(ContainSubstring(dto.ErrTaskNotFound))
	})

	It("lists live workers", func() {
		taskID := int64(88)
		workers.listFn = func(context.Context) ([]workerstatus.Status, error) {
			return []workerstatus.Status{{WorkerID: "w-1", State: workerstatus.StateBusy, CurrentTaskID: &taskID}}, nil
		}
		w := serve(http.MethodGet, "/workers")
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"worker_id":"w-1"`))
		Expect(w.Body.String()).To(ContainSubstring(`"current_task_id":88`))
	})

	It("surfaces registry failures as 500", func() {
		workers.listFn = func(context.Context) ([]workerstatus.Status, error) { return nil, errors.New("redis down") }
		Expect(serve(http.MethodGet, "/workers").Code).To(Equal(http.StatusInternalServerError))
	})

	It("returns the probe result even when the provider fails", func() {
		providers.testFn = func(_ context.Context, id string) provider.ConnectivityResult {
			return provider.ConnectivityResult{ProviderID: id, OK: false, Error: "401 unauthorized"}
		}
		w := serve(http.MethodPost, "/providers/openai/test")
		Expect(w.Code).To(Equal(http.StatusOK))

		var res provider.ConnectivityResult
		Expect(json.Unmarshal(w.Body.Bytes(), &res)).To(Succeed())
		Expect(res.ProviderID).To(Equal("openai"))
		Expect(res.OK).To(BeFalse())
		Expect(res.Error).To(ContainSubstring("401"))
	})
})
