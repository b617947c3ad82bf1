package review_test

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/review"
	"github.com/nevenhsu/llmbook-sub003/internal/store/memstore"
)

var _ = Describe("Queue", func() {
	var (
		ctx   context.Context
		mu    sync.Mutex
		now   time.Time
		mem   *memstore.Store
		rec   *events.Recorder
		queue *review.Queue
	)

	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	heldItem := func(actionID int64) *model.ReviewQueueItem {
		_, _, err := mem.Actions().CreateOrGet(ctx, &model.PersonaAction{
			ID: actionID, PersonaID: 7, TaskType: model.TaskTypePost, IdempotencyKey: "k-" + strconv.FormatInt(actionID, 10),
			Text: "a post", Status: model.ActionStatusHeld,
		})
		Expect(err).NotTo(HaveOccurred())
		item, err := queue.Enqueue(ctx, nil, review.Request{
			TaskID: 100 + actionID, PersonaID: 7, ActionID: &actionID,
			TaskType: model.TaskTypePost, Text: "a post", RiskReason: "POST_REQUIRES_REVIEW",
		})
		Expect(err).NotTo(HaveOccurred())
		return item
	}

	actionStatus := func(actionID int64) model.ActionStatus {
		a, err := mem.Actions().GetByID(ctx, actionID)
		Expect(err).NotTo(HaveOccurred())
		return a.Status
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		mem = memstore.New()
		rec = events.NewRecorder()
		queue = review.New(mem, mem, rec, review.Config{}).WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		})
	})

	It("creates pending items", func() {
		item := heldItem(1)
		Expect(item.Status).To(Equal(model.ReviewStatusPending))
		Expect(item.DecidedAt).To(BeNil())

		got, err := queue.Get(ctx, item.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.RiskReason).To(Equal("POST_REQUIRES_REVIEW"))

		_, err = queue.Get(ctx, 42)
		Expect(err).To(MatchError(review.ErrItemNotFound))
	})

	Describe("expiry", func() {
		It("expires exactly at three days", func() {
			item := heldItem(1)

			advance(72*time.Hour - time.Nanosecond)
			n, err := queue.ExpireDue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())

			advance(time.Nanosecond)
			n, err = queue.ExpireDue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			got, err := queue.Get(ctx, item.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(model.ReviewStatusExpired))
			Expect(*got.ReasonCode).To(Equal(model.ReviewReasonExpired))
			Expect(got.DecidedAt).NotTo(BeNil())
			Expect(actionStatus(1)).To(Equal(model.ActionStatusDiscarded))

			n, err = queue.ExpireDue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})

		It("expires claimed items too", func() {
			item := heldItem(1)
			_, ok, err := queue.Claim(ctx, item.ID, "rev-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			advance(73 * time.Hour)
			items, err := queue.List(ctx, nil, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(items[0].Status).To(Equal(model.ReviewStatusExpired))
		})

		It("never expires decided items", func() {
			item := heldItem(1)
			advance(71 * time.Hour)
			_, ok, err := queue.Approve(ctx, item.ID, "rev-1", "fine")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			advance(10 * 24 * time.Hour)
			n, err := queue.ExpireDue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
			got, err := queue.Get(ctx, item.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(model.ReviewStatusApproved))
		})

		It("refuses to decide an overdue item", func() {
			item := heldItem(1)
			advance(72 * time.Hour)
			got, ok, err := queue.Approve(ctx, item.ID, "rev-1", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(got).To(BeNil())
		})

		It("works through a backlog larger than one batch", func() {
			small := review.New(mem, mem, rec, review.Config{ExpireBatch: 1}).WithClock(func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				return now
			})
			a, b, c := heldItem(1), heldItem(2), heldItem(3)
			advance(4 * 24 * time.Hour)

			got, ok, err := small.Claim(ctx, c.ID, "rev-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(got).To(BeNil())

			for _, item := range []*model.ReviewQueueItem{a, b, c} {
				stored, err := small.Get(ctx, item.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(stored.Status).To(Equal(model.ReviewStatusExpired))
			}
			Expect(actionStatus(3)).To(Equal(model.ActionStatusDiscarded))
		})

		It("guards transitions on the expiry cutoff even before a sweep", func() {
			item := heldItem(1)
			advance(72 * time.Hour)
			cutoff := now.Add(-review.DefaultExpiryWindow)

			got, ok, err := mem.Reviews().Update(ctx, item.ID, model.ReviewUpdate{
				From:         []model.ReviewStatus{model.ReviewStatusPending},
				To:           model.ReviewStatusInReview,
				Now:          now,
				ReviewerID:   "rev-1",
				CreatedAfter: &cutoff,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(got).To(BeNil())
		})
	})

	Describe("claiming", func() {
		It("gives the item to exactly one reviewer", func() {
			item := heldItem(1)

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					_, ok, err := queue.Claim(ctx, item.ID, "rev-"+string(rune('a'+i)))
					Expect(err).NotTo(HaveOccurred())
					if ok {
						wins.Add(1)
					}
				}(i)
			}
			wg.Wait()
			Expect(wins.Load()).To(BeEquivalentTo(1))
		})

		It("requires a reviewer", func() {
			item := heldItem(1)
			_, _, err := queue.Claim(ctx, item.ID, "")
			Expect(err).To(MatchError(review.ErrReviewerRequired))
		})

		It("reports unknown items as a conflict", func() {
			got, ok, err := queue.Claim(ctx, 999, "rev-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(got).To(BeNil())
		})
	})

	Describe("decisions", func() {
		It("approves from pending and publishes the action", func() {
			item := heldItem(1)
			got, ok, err := queue.Approve(ctx, item.ID, "rev-1", "looks good")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(got.Status).To(Equal(model.ReviewStatusApproved))
			Expect(*got.ReviewerID).To(Equal("rev-1"))
			Expect(*got.Note).To(Equal("looks good"))
			Expect(got.DecidedAt).NotTo(BeNil())
			Expect(actionStatus(1)).To(Equal(model.ActionStatusPublished))
		})

		It("lets only the claimant decide an item in review", func() {
			item := heldItem(1)
			_, _, err := queue.Claim(ctx, item.ID, "rev-1")
			Expect(err).NotTo(HaveOccurred())

			_, ok, err := queue.Reject(ctx, item.ID, "rev-2", "", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			got, ok, err := queue.Reject(ctx, item.ID, "rev-1", "OFF_TOPIC", "not for this board")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(got.Status).To(Equal(model.ReviewStatusRejected))
			Expect(*got.ReasonCode).To(Equal("OFF_TOPIC"))
			Expect(actionStatus(1)).To(Equal(model.ActionStatusDiscarded))
		})

		It("treats a second decision as a conflict", func() {
			item := heldItem(1)
			_, ok, err := queue.Reject(ctx, item.ID, "rev-1", "", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			_, ok, err = queue.Approve(ctx, item.ID, "rev-1", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(actionStatus(1)).To(Equal(model.ActionStatusDiscarded))
		})

		It("defaults the rejection reason", func() {
			item := heldItem(1)
			got, _, err := queue.Reject(ctx, item.ID, "rev-1", "", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(*got.ReasonCode).To(Equal(review.ReasonRejected))
		})

		It("emits one event per transition", func() {
			item := heldItem(1)
			_, _, err := queue.Claim(ctx, item.ID, "rev-1")
			Expect(err).NotTo(HaveOccurred())
			_, _, err = queue.Approve(ctx, item.ID, "rev-1", "")
			Expect(err).NotTo(HaveOccurred())

			evs := rec.OfKind(events.KindReview)
			Expect(evs).To(HaveLen(3))
			last := evs[2].(events.ReviewEvent)
			Expect(last.FromStatus).To(Equal(model.ReviewStatusInReview))
			Expect(last.ToStatus).To(Equal(model.ReviewStatusApproved))
			Expect(last.ReviewerID).To(Equal("rev-1"))
		})
	})

	It("lists by status", func() {
		a := heldItem(1)
		heldItem(2)
		_, _, err := queue.Approve(ctx, a.ID, "rev-1", "")
		Expect(err).NotTo(HaveOccurred())

		pending := model.ReviewStatusPending
		items, err := queue.List(ctx, &pending, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(HaveLen(1))
		Expect(*items[0].ActionID).To(BeEquivalentTo(2))
	})
})

var _ = Describe("Sweeper", func() {
	It("expires items on its interval", func() {
		mem := memstore.New()
		start := time.Now()
		q := review.New(mem, mem, nil, review.Config{ExpiryWindow: time.Millisecond})
		item, err := q.Enqueue(context.Background(), nil, review.Request{TaskID: 1, PersonaID: 1, TaskType: model.TaskTypePost, Text: "x"})
		Expect(err).NotTo(HaveOccurred())
		Expect(item.CreatedAt).To(BeTemporally(">=", start.Add(-time.Second)))

		s := review.NewSweeper(q, 5*time.Millisecond)
		go s.Run(context.Background())
		defer s.Stop()

		Eventually(func() model.ReviewStatus {
			got, err := q.Get(context.Background(), item.ID)
			Expect(err).NotTo(HaveOccurred())
			return got.Status
		}).Should(Equal(model.ReviewStatusExpired))
	})
})
