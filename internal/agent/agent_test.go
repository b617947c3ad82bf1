package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nevenhsu/llmbook-sub003/internal/agent"
	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/persona"
	"github.com/nevenhsu/llmbook-sub003/internal/policy"
	"github.com/nevenhsu/llmbook-sub003/internal/provider"
	"github.com/nevenhsu/llmbook-sub003/internal/queue"
	"github.com/nevenhsu/llmbook-sub003/internal/review"
	"github.com/nevenhsu/llmbook-sub003/internal/safety"
	"github.com/nevenhsu/llmbook-sub003/internal/store/memstore"
	"github.com/nevenhsu/llmbook-sub003/internal/workerstatus"
)

var _ = Describe("Agent", func() {
	const lease = time.Minute

	var (
		ctx      context.Context
		clock    *fakeClock
		mem      *memstore.Store
		rec      *events.Recorder
		q        *queue.Queue
		reviews  *review.Queue
		invoker  *mockInvoker
		policies *mockPolicySource
		cfg      agent.Config
		a        *agent.Agent
	)

	build := func() {
		a = agent.New(q, mem, policies, invoker, persona.NewContextLoader(mem, rec), reviews, rec, cfg)
	}

	enqueue := func(taskType model.TaskType, key string, payload model.IntentPayload) *model.QueueTask {
		raw, err := json.Marshal(payload)
		Expect(err).NotTo(HaveOccurred())
		t, created, err := q.Enqueue(ctx, &model.QueueTask{
			IntentID:       "intent-" + key,
			PersonaID:      7,
			TaskType:       taskType,
			IdempotencyKey: string(taskType) + ":comments:" + key + ":7",
			SourceTable:    "comments",
			SourceID:       key,
			PostID:         payload.PostID,
			Payload:        raw,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(BeTrue())
		return t
	}

	replyPayload := func() model.IntentPayload {
		return model.IntentPayload{
			PostID:     "post-1",
			ThreadID:   strPtr("thread-1"),
			Title:      strPtr("Tabs or spaces"),
			ParentText: strPtr("Tabs are objectively better."),
		}
	}

	runOne := func() agent.Result {
		res, claimed, err := a.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).To(BeTrue())
		return res
	}

	stored := func(id int64) *model.QueueTask {
		t, err := q.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return t
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
		mem = memstore.New()
		rec = events.NewRecorder()
		q = queue.New(mem, mem, rec, queue.Config{LeaseDuration: lease, MaxRetries: 2}).WithClock(clock.Now)
		reviews = review.New(mem, mem, rec, review.Config{}).WithClock(clock.Now)
		invoker = &mockInvoker{}
		policies = &mockPolicySource{}
		cfg = agent.Config{WorkerID: "agent-1"}

		Expect(mem.Personas().Upsert(ctx, &model.Persona{ID: 7, Name: "ada", Soul: "Dry wit, short sentences.", IsActive: true})).To(Succeed())
		Expect(mem.Contexts().PutLayer(ctx, 7, "thread-1", model.ContextLayer{
			Scope: model.ContextScopeThread, Content: "Earlier you argued for spaces.", UpdatedAt: clock.Now(),
		})).To(Succeed())
		build()
	})

	It("reports an idle queue", func() {
		_, claimed, err := a.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).To(BeFalse())
	})

	It("publishes an allowed reply and completes the task with the action id", func() {
		invoker.invokeFn = replyWith("Spaces. Every editor agrees on what a space is.")
		task := enqueue(model.TaskTypeReply, "c1", replyPayload())

		res := runOne()
		Expect(res.Outcome).To(Equal(agent.OutcomePublished))

		action, err := mem.Actions().GetByID(ctx, res.ResultID)
		Expect(err).NotTo(HaveOccurred())
		Expect(action.Status).To(Equal(model.ActionStatusPublished))
		Expect(action.Text).To(Equal("Spaces. Every editor agrees on what a space is."))
		Expect(action.ProviderID).To(Equal("mock"))

		t := stored(task.ID)
		Expect(t.Status).To(Equal(model.TaskStatusCompleted))
		Expect(*t.ResultID).To(Equal(res.ResultID))

		req := invoker.calls()[0]
		Expect(req.TaskType).To(Equal(model.TaskTypeReply))
		Expect(req.SystemPrompt).NotTo(BeEmpty())
		Expect(req.Prompt).To(ContainSubstring("Dry wit, short sentences."))
		Expect(req.Prompt).To(ContainSubstring("Earlier you argued for spaces."))
		Expect(req.Prompt).To(ContainSubstring("Tabs are objectively better."))
		Expect(req.Schema).To(BeNil())

		snap := a.Snapshot()
		Expect(snap.WorkerID).To(Equal("agent-1"))
		Expect(snap.State).To(Equal(workerstatus.StateIdle))
		Expect(snap.Processed).To(Equal(int64(1)))
		Expect(snap.CurrentTaskID).To(BeNil())
	})

	It("holds a reply similar to a recent one and opens a review item", func() {
		text := "Spaces win because every editor renders them the same way."
		_, _, err := mem.Actions().CreateOrGet(ctx, &model.PersonaAction{
			ID: 1, PersonaID: 7, TaskType: model.TaskTypeReply, IdempotencyKey: "earlier",
			Text: text, Status: model.ActionStatusPublished, CreatedAt: clock.Now(),
		})
		Expect(err).NotTo(HaveOccurred())
		invoker.invokeFn = replyWith(text)
		task := enqueue(model.TaskTypeReply, "c1", replyPayload())

		res := runOne()
		Expect(res.Outcome).To(Equal(agent.OutcomeHeld))
		Expect(res.ReasonCode).To(Equal(safety.ReasonSimilarToReply))

		action, err := mem.Actions().GetByID(ctx, res.ResultID)
		Expect(err).NotTo(HaveOccurred())
		Expect(action.Status).To(Equal(model.ActionStatusHeld))

		items, err := reviews.List(ctx, nil, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(HaveLen(1))
		Expect(items[0].TaskID).To(Equal(task.ID))
		Expect(*items[0].ActionID).To(Equal(action.ID))
		Expect(items[0].RiskReason).To(Equal(safety.ReasonSimilarToReply))
		Expect(stored(task.ID).Status).To(Equal(model.TaskStatusCompleted))
	})

	It("holds posts for review when the policy requires it", func() {
		policies.getFn = func(_ context.Context, scope policy.Scope) policy.Resolved {
			doc := policy.DefaultDocument()
			doc.GlobalPolicyDraft.Review.RequireReviewForPosts = true
			return policy.Resolved{Scope: scope, Version: 2, Document: doc, Dispatcher: doc.GlobalPolicyDraft.Dispatcher}
		}
		invoker.invokeFn = replyWith("A short history of the indentation wars.")
		enqueue(model.TaskTypePost, "p1", model.IntentPayload{PostID: "board-general", Title: strPtr("Indentation")})

		res := runOne()
		Expect(res.Outcome).To(Equal(agent.OutcomeHeld))
		Expect(res.ReasonCode).To(Equal(agent.ReasonReviewRequired))
	})

	It("retries output the safety gate rejects outright", func() {
		invoker.invokeFn = replyWith(strings.Repeat("long text ", 300))
		task := enqueue(model.TaskTypeReply, "c1", replyPayload())

		res := runOne()
		Expect(res.Outcome).To(Equal(agent.OutcomeRetry))
		Expect(res.ReasonCode).To(Equal(safety.ReasonTooLong))

		t := stored(task.ID)
		Expect(t.Status).To(Equal(model.TaskStatusPending))
		Expect(t.RetryCount).To(Equal(1))
	})

	It("retries provider failures", func() {
		invoker.invokeFn = func(context.Context, provider.InvokeRequest) provider.InvocationResult {
			return provider.InvocationResult{Path: []string{"primary", "secondary"}, Error: "both providers timed out"}
		}
		task := enqueue(model.TaskTypeReply, "c1", replyPayload())

		res := runOne()
		Expect(res.Outcome).To(Equal(agent.OutcomeRetry))
		Expect(*stored(task.ID).LastError).To(ContainSubstring(agent.ReasonProviderError))
	})

	It("traces each execution with its outcome", func() {
		spans := tracetest.NewSpanRecorder()
		prev := otel.GetTracerProvider()
		otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
		DeferCleanup(func() { otel.SetTracerProvider(prev) })
		invoker.invokeFn = func(context.Context, provider.InvokeRequest) provider.InvocationResult {
			return provider.InvocationResult{Path: []string{"primary"}, Error: "primary timed out"}
		}
		task := enqueue(model.TaskTypeReply, "c1", replyPayload())

		runOne()
		ended := spans.Ended()
		Expect(ended).To(HaveLen(1))
		Expect(ended[0].Name()).To(Equal("agent.execute_task"))
		Expect(ended[0].Attributes()).To(ContainElements(
			attribute.Int64("task.id", task.ID),
			attribute.String("task.outcome", string(agent.OutcomeRetry)),
			attribute.String("task.reason_code", agent.ReasonProviderError),
		))
		Expect(ended[0].Status().Code).To(Equal(codes.Error))
	})

	It("fails a task for good once retries are exhausted", func() {
		invoker.invokeFn = func(context.Context, provider.InvokeRequest) provider.InvocationResult {
			return provider.InvocationResult{Error: "down"}
		}
		task := enqueue(model.TaskTypeReply, "c1", replyPayload())
		for i := 0; i < 2; i++ {
			Expect(runOne().Outcome).To(Equal(agent.OutcomeRetry))
		}
		Expect(runOne().Outcome).To(Equal(agent.OutcomeFailed))
		Expect(stored(task.ID).Status).To(Equal(model.TaskStatusFailedFinal))
	})

	It("records a structured vote", func() {
		invoker.invokeFn = replyWith("```json\n{\"vote\": \"down\", \"reason\": \"off topic\"}\n```")
		enqueue(model.TaskTypeVote, "v1", model.IntentPayload{PostID: "post-1", Body: strPtr("Buy cheap watches")})

		res := runOne()
		Expect(res.Outcome).To(Equal(agent.OutcomePublished))
		action, err := mem.Actions().GetByID(ctx, res.ResultID)
		Expect(err).NotTo(HaveOccurred())
		Expect(action.Vote).To(Equal(model.VoteDown))
		Expect(action.Text).To(BeEmpty())

		req := invoker.calls()[0]
		Expect(req.SchemaName).To(Equal("vote"))
		Expect(req.Schema).NotTo(BeNil())
	})

	It("retries a malformed vote", func() {
		invoker.invokeFn = replyWith("I would rather not say.")
		enqueue(model.TaskTypeVote, "v1", model.IntentPayload{PostID: "post-1"})

		res := runOne()
		Expect(res.Outcome).To(Equal(agent.OutcomeRetry))
		Expect(res.ReasonCode).To(Equal(agent.ReasonMalformedVote))
	})

	It("fails invalid payloads without calling the provider", func() {
		task := enqueue(model.TaskTypeReply, "c1", model.IntentPayload{PostID: "post-1"})

		res := runOne()
		Expect(res.Outcome).To(Equal(agent.OutcomeFailed))
		Expect(res.ReasonCode).To(Equal(agent.ReasonInvalidPayload))
		Expect(stored(task.ID).Status).To(Equal(model.TaskStatusFailedFinal))
		Expect(invoker.calls()).To(BeEmpty())
	})

	It("fails tasks for unknown personas without retrying", func() {
		raw, _ := json.Marshal(replyPayload())
		task, _, err := q.Enqueue(ctx, &model.QueueTask{
			PersonaID: 404, TaskType: model.TaskTypeReply, IdempotencyKey: "reply:x:404",
			PostID: "post-1", Payload: raw,
		})
		Expect(err).NotTo(HaveOccurred())

		res := runOne()
		Expect(res.Outcome).To(Equal(agent.OutcomeFailed))
		Expect(res.ReasonCode).To(Equal(agent.ReasonPersonaMissing))
		Expect(stored(task.ID).Status).To(Equal(model.TaskStatusFailedFinal))
	})

	It("completes with the pinned result without side effects", func() {
		task := enqueue(model.TaskTypeReply, "c1", replyPayload())
		_, err := mem.Idempotency().PutIfAbsent(ctx, model.IdempotencyRecord{
			TaskType: task.TaskType, IdempotencyKey: task.IdempotencyKey, ResultID: 4242, CreatedAt: clock.Now(),
		})
		Expect(err).NotTo(HaveOccurred())

		res := runOne()
		Expect(res.Outcome).To(Equal(agent.OutcomeDeduplicated))
		Expect(res.ResultID).To(Equal(int64(4242)))
		Expect(invoker.calls()).To(BeEmpty())
		Expect(*stored(task.ID).ResultID).To(Equal(int64(4242)))
	})

	It("writes nothing when the lease expires before commit", func() {
		invoker.invokeFn = func(context.Context, provider.InvokeRequest) provider.InvocationResult {
			clock.Advance(lease + time.Second)
			return provider.InvocationResult{ProviderID: "mock", ModelID: "mock-echo", Text: "Too late to matter."}
		}
		task := enqueue(model.TaskTypeReply, "c1", replyPayload())

		res := runOne()
		Expect(res.Outcome).To(Equal(agent.OutcomeLeaseLost))
		Expect(errors.Is(res.Err, queue.ErrNotLeaseHolder)).To(BeTrue())

		texts, err := mem.Actions().RecentTexts(ctx, 7, model.TaskTypes, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(texts).To(BeEmpty())

		reaped, err := q.ReapExpired(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(reaped).To(Equal(1))
		Expect(stored(task.ID).Status).To(Equal(model.TaskStatusPending))
	})

	It("cancels generation once a heartbeat finds the lease gone", func() {
		cfg.HeartbeatInterval = 10 * time.Millisecond
		build()
		invoker.invokeFn = func(ctx context.Context, _ provider.InvokeRequest) provider.InvocationResult {
			clock.Advance(lease + time.Second)
			select {
			case <-ctx.Done():
				return provider.InvocationResult{Error: ctx.Err().Error()}
			case <-time.After(5 * time.Second):
				return provider.InvocationResult{Text: "never"}
			}
		}
		enqueue(model.TaskTypeReply, "c1", replyPayload())

		res := runOne()
		Expect(res.Outcome).To(Equal(agent.OutcomeLeaseLost))
	})

	It("turns a panic into a retryable failure", func() {
		invoker.invokeFn = func(context.Context, provider.InvokeRequest) provider.InvocationResult {
			panic("boom")
		}
		task := enqueue(model.TaskTypeReply, "c1", replyPayload())

		res := runOne()
		Expect(res.Outcome).To(Equal(agent.OutcomeRetry))
		Expect(res.ReasonCode).To(Equal(agent.ReasonPanic))
		Expect(stored(task.ID).Status).To(Equal(model.TaskStatusPending))
	})

	It("records prompt trims against the task", func() {
		cfg.PromptBudget = 200
		build()
		Expect(mem.Contexts().PutLayer(ctx, 7, "", model.ContextLayer{
			Scope: model.ContextScopeGlobal, Content: strings.Repeat("community lore ", 40), UpdatedAt: clock.Now(),
		})).To(Succeed())
		task := enqueue(model.TaskTypeReply, "c1", replyPayload())

		runOne()
		trims := rec.OfKind(events.KindPromptTrim)
		Expect(trims).NotTo(BeEmpty())
		Expect(*trims[0].(events.PromptTrimEvent).TaskID).To(Equal(task.ID))
	})

	It("drains the queue in Run until stopped", func() {
		cfg.PollInterval = 5 * time.Millisecond
		build()
		first := enqueue(model.TaskTypeReply, "c1", replyPayload())
		second := enqueue(model.TaskTypeComment, "c2", model.IntentPayload{PostID: "post-2", Body: strPtr("Release notes for 2.0")})

		done := make(chan error, 1)
		go func() { done <- a.Run(ctx) }()

		Eventually(func() model.TaskStatus { return stored(first.ID).Status }).Should(Equal(model.TaskStatusCompleted))
		Eventually(func() model.TaskStatus { return stored(second.ID).Status }).Should(Equal(model.TaskStatusCompleted))

		a.Stop()
		Eventually(done).Should(Receive(BeNil()))
		Expect(a.Snapshot().State).To(Equal(workerstatus.StateStopped))
	})
})
