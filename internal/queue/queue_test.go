package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/queue"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
	"github.com/nevenhsu/llmbook-sub003/internal/store/memstore"
)

var _ = Describe("Queue", func() {
	var (
		ctx   context.Context
		mem   *memstore.Store
		rec   *events.Recorder
		clock *fakeClock
		q     *queue.Queue
		lease = time.Minute
	)

	newTask := func(key string) *model.QueueTask {
		return &model.QueueTask{
			IntentID:       "intent-" + key,
			PersonaID:      7,
			TaskType:       model.TaskTypeReply,
			IdempotencyKey: "reply:comments:" + key + ":7",
			SourceTable:    "comments",
			SourceID:       key,
			PostID:         "post-1",
		}
	}

	enqueue := func(key string) *model.QueueTask {
		t, created, err := q.Enqueue(ctx, newTask(key))
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(BeTrue())
		clock.Advance(time.Millisecond)
		return t
	}

	transitions := func() []events.TaskTransitionEvent {
		var out []events.TaskTransitionEvent
		for _, e := range rec.OfKind(events.KindTaskTransition) {
			out = append(out, e.(events.TaskTransitionEvent))
		}
		return out
	}

	BeforeEach(func() {
		ctx = context.Background()
		mem = memstore.New()
		rec = events.NewRecorder()
		clock = newFakeClock()
		q = queue.New(mem, mem, rec, queue.Config{LeaseDuration: lease, MaxRetries: 2}).WithClock(clock.Now)
	})

	Describe("Enqueue", func() {
		It("stores a PENDING task and emits ENQUEUED", func() {
			t := enqueue("c1")
			Expect(t.ID).NotTo(BeZero())
			Expect(t.Status).To(Equal(model.TaskStatusPending))
			Expect(t.MaxRetries).To(Equal(2))

			evs := transitions()
			Expect(evs).To(HaveLen(1))
			Expect(evs[0].ToStatus).To(Equal(model.TaskStatusPending))
			Expect(evs[0].ReasonCode).To(Equal(model.TaskReasonEnqueued))
		})

		It("deduplicates on the idempotency key", func() {
			first := enqueue("c1")
			again, created, err := q.Enqueue(ctx, newTask("c1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeFalse())
			Expect(again.ID).To(Equal(first.ID))
			Expect(transitions()).To(HaveLen(1))
		})
	})

	Describe("Claim", func() {
		It("returns nothing when the queue is empty", func() {
			t, claimed, err := q.Claim(ctx, "w1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeFalse())
			Expect(t).To(BeNil())
		})

		It("claims the oldest pending task with a lease", func() {
			first := enqueue("c1")
			enqueue("c2")

			t, claimed, err := q.Claim(ctx, "w1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeTrue())
			Expect(t.ID).To(Equal(first.ID))
			Expect(t.Status).To(Equal(model.TaskStatusClaimed))
			Expect(*t.WorkerID).To(Equal("w1"))
			Expect(*t.LeaseExpiresAt).To(Equal(clock.Now().Add(lease)))
		})

		It("grants at most one lease per task under concurrent claimers", func() {
			const tasks = 25
			for i := 0; i < tasks; i++ {
				enqueue(fmt.Sprintf("c%d", i))
			}

			var (
				mu     sync.Mutex
				owners = map[int64][]string{}
				wg     sync.WaitGroup
			)
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func(worker string) {
					defer GinkgoRecover()
					defer wg.Done()
					for {
						t, claimed, err := q.Claim(ctx, worker)
						Expect(err).NotTo(HaveOccurred())
						if !claimed {
							return
						}
						mu.Lock()
						owners[t.ID] = append(owners[t.ID], worker)
						mu.Unlock()
					}
				}(fmt.Sprintf("w%d", w))
			}
			wg.Wait()

			Expect(owners).To(HaveLen(tasks))
			for _, ws := range owners {
				Expect(ws).To(HaveLen(1))
			}
		})
	})

	Describe("Start and Heartbeat", func() {
		var task *model.QueueTask

		BeforeEach(func() {
			enqueue("c1")
			var err error
			task, _, err = q.Claim(ctx, "w1")
			Expect(err).NotTo(HaveOccurred())
		})

		It("starts for the lease holder", func() {
			clock.Advance(10 * time.Second)
			t, err := q.Start(ctx, task.ID, "w1")
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Status).To(Equal(model.TaskStatusInProgress))
			Expect(*t.LeaseExpiresAt).To(Equal(clock.Now().Add(lease)))
		})

		It("rejects a foreign worker", func() {
			_, err := q.Start(ctx, task.ID, "w2")
			Expect(err).To(MatchError(queue.ErrNotLeaseHolder))
			_, err = q.Heartbeat(ctx, task.ID, "w2")
			Expect(err).To(MatchError(queue.ErrNotLeaseHolder))
		})

		It("extends the lease on heartbeat without changing status", func() {
			clock.Advance(30 * time.Second)
			t, err := q.Heartbeat(ctx, task.ID, "w1")
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Status).To(Equal(model.TaskStatusClaimed))
			Expect(*t.LeaseExpiresAt).To(Equal(clock.Now().Add(lease)))
		})

		It("rejects a heartbeat after the lease expired", func() {
			clock.Advance(lease)
			_, err := q.Heartbeat(ctx, task.ID, "w1")
			Expect(err).To(MatchError(queue.ErrNotLeaseHolder))
		})

		It("reports unknown tasks", func() {
			_, err := q.Heartbeat(ctx, 999, "w1")
			Expect(err).To(MatchError(queue.ErrTaskNotFound))
		})

		It("rejects starting twice", func() {
			_, err := q.Start(ctx, task.ID, "w1")
			Expect(err).NotTo(HaveOccurred())
			_, err = q.Start(ctx, task.ID, "w1")
			Expect(err).To(MatchError(queue.ErrInvalidTransition))
		})
	})

	Describe("Complete", func() {
		var task *model.QueueTask

		BeforeEach(func() {
			enqueue("c1")
			task, _, _ = q.Claim(ctx, "w1")
			_, err := q.Start(ctx, task.ID, "w1")
			Expect(err).NotTo(HaveOccurred())
		})

		It("completes and pins the result", func() {
			rid, err := q.Complete(ctx, task.ID, "w1", 555)
			Expect(err).NotTo(HaveOccurred())
			Expect(rid).To(Equal(int64(555)))

			stored, err := q.Get(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(model.TaskStatusCompleted))
			Expect(*stored.ResultID).To(Equal(int64(555)))
			Expect(stored.LeaseExpiresAt).To(BeNil())

			rec, err := mem.Idempotency().Get(ctx, task.TaskType, task.IdempotencyKey)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.ResultID).To(Equal(int64(555)))
		})

		It("is idempotent: a second completion returns the first result without a new event", func() {
			_, err := q.Complete(ctx, task.ID, "w1", 555)
			Expect(err).NotTo(HaveOccurred())
			before := len(transitions())

			rid, err := q.Complete(ctx, task.ID, "w1", 777)
			Expect(err).NotTo(HaveOccurred())
			Expect(rid).To(Equal(int64(555)))
			Expect(transitions()).To(HaveLen(before))
		})

		It("prefers a result already recorded for the idempotency key", func() {
			_, err := mem.Idempotency().PutIfAbsent(ctx, model.IdempotencyRecord{
				TaskType:       task.TaskType,
				IdempotencyKey: task.IdempotencyKey,
				ResultID:       111,
				CreatedAt:      clock.Now(),
			})
			Expect(err).NotTo(HaveOccurred())

			rid, err := q.Complete(ctx, task.ID, "w1", 222)
			Expect(err).NotTo(HaveOccurred())
			Expect(rid).To(Equal(int64(111)))
		})

		It("rejects a late completion after the lease expired", func() {
			clock.Advance(lease + time.Second)
			_, err := q.Complete(ctx, task.ID, "w1", 555)
			Expect(err).To(MatchError(queue.ErrNotLeaseHolder))

			_, err = mem.Idempotency().Get(ctx, task.TaskType, task.IdempotencyKey)
			Expect(err).To(HaveOccurred())
		})

		It("rejects a foreign worker", func() {
			_, err := q.Complete(ctx, task.ID, "w2", 555)
			Expect(err).To(MatchError(queue.ErrNotLeaseHolder))
		})

		It("runs the result writer inside the completion", func() {
			calls := 0
			rid, err := q.CompleteWith(ctx, task.ID, "w1", func(context.Context, store.Provider) (int64, error) {
				calls++
				return 901, nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(rid).To(Equal(int64(901)))
			Expect(calls).To(Equal(1))

			pinned, ok, err := q.PinnedResult(ctx, task)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(pinned).To(Equal(int64(901)))
		})

		It("never runs the result writer without a valid lease", func() {
			clock.Advance(lease + time.Second)
			calls := 0
			_, err := q.CompleteWith(ctx, task.ID, "w1", func(context.Context, store.Provider) (int64, error) {
				calls++
				return 901, nil
			})
			Expect(err).To(MatchError(queue.ErrNotLeaseHolder))
			Expect(calls).To(BeZero())
		})

		It("skips the result writer when a result is already pinned", func() {
			_, err := mem.Idempotency().PutIfAbsent(ctx, model.IdempotencyRecord{
				TaskType:       task.TaskType,
				IdempotencyKey: task.IdempotencyKey,
				ResultID:       111,
				CreatedAt:      clock.Now(),
			})
			Expect(err).NotTo(HaveOccurred())

			rid, err := q.CompleteWith(ctx, task.ID, "w1", func(context.Context, store.Provider) (int64, error) {
				Fail("writer must not run")
				return 0, nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(rid).To(Equal(int64(111)))
		})

		It("leaves the task leased when the writer fails", func() {
			_, err := q.CompleteWith(ctx, task.ID, "w1", func(context.Context, store.Provider) (int64, error) {
				return 0, errors.New("insert action: boom")
			})
			Expect(err).To(MatchError(ContainSubstring("boom")))

			stored, err := q.Get(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(model.TaskStatusInProgress))
		})

		It("discards the written action when completing the task fails", func() {
			mem.Fail = func(op string) error {
				if op == "tasks.update" {
					return errors.New("connection reset")
				}
				return nil
			}
			_, err := q.CompleteWith(ctx, task.ID, "w1", func(ctx context.Context, sp store.Provider) (int64, error) {
				a, _, err := sp.Actions().CreateOrGet(ctx, &model.PersonaAction{
					ID:             901,
					TaskID:         task.ID,
					PersonaID:      task.PersonaID,
					TaskType:       task.TaskType,
					IdempotencyKey: task.IdempotencyKey,
					Status:         model.ActionStatusPublished,
				})
				if err != nil {
					return 0, err
				}
				return a.ID, nil
			})
			Expect(err).To(MatchError(ContainSubstring("connection reset")))
			mem.Fail = nil

			_, err = mem.Actions().GetByID(ctx, 901)
			Expect(err).To(MatchError(store.ErrNotFound))
			stored, err := q.Get(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(model.TaskStatusInProgress))
			_, ok, err := q.PinnedResult(ctx, stored)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Fail", func() {
		claimAndFail := func(retryable bool) *model.QueueTask {
			t, claimed, err := q.Claim(ctx, "w1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeTrue())
			failed, err := q.Fail(ctx, t.ID, "w1", retryable, "provider timeout")
			Expect(err).NotTo(HaveOccurred())
			return failed
		}

		It("retries up to MaxRetries and then fails for good", func() {
			enqueue("c1")

			first := claimAndFail(true)
			Expect(first.Status).To(Equal(model.TaskStatusPending))
			Expect(first.RetryCount).To(Equal(1))
			Expect(first.WorkerID).To(BeNil())

			second := claimAndFail(true)
			Expect(second.Status).To(Equal(model.TaskStatusPending))
			Expect(second.RetryCount).To(Equal(2))

			last := claimAndFail(true)
			Expect(last.Status).To(Equal(model.TaskStatusFailedFinal))
			Expect(last.RetryCount).To(Equal(2))
			Expect(*last.ReasonCode).To(Equal(model.TaskReasonRetriesExhausted))

			reasons := []string{}
			for _, e := range transitions() {
				reasons = append(reasons, e.ReasonCode)
			}
			Expect(reasons).To(ContainElement(model.TaskReasonFailedRetry))
			Expect(reasons[len(reasons)-1]).To(Equal(model.TaskReasonRetriesExhausted))
		})

		It("fails non-retryable errors immediately", func() {
			enqueue("c1")
			failed := claimAndFail(false)
			Expect(failed.Status).To(Equal(model.TaskStatusFailedFinal))
			Expect(*failed.ReasonCode).To(Equal(model.TaskReasonFailedFinal))
			Expect(*failed.LastError).To(Equal("provider timeout"))
		})

		It("refuses to fail a terminal task", func() {
			enqueue("c1")
			failed := claimAndFail(false)
			_, err := q.Fail(ctx, failed.ID, "w1", true, "again")
			Expect(errors.Is(err, queue.ErrInvalidTransition)).To(BeTrue())
		})
	})

	Describe("ReapExpired", func() {
		It("returns expired leases to PENDING with LEASE_TIMEOUT", func() {
			enqueue("c1")
			enqueue("c2")
			t1, _, _ := q.Claim(ctx, "w1")
			clock.Advance(30 * time.Second)
			t2, _, _ := q.Claim(ctx, "w2")

			clock.Advance(lease - 30*time.Second)
			n, err := q.ReapExpired(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			reaped, _ := q.Get(ctx, t1.ID)
			Expect(reaped.Status).To(Equal(model.TaskStatusPending))
			Expect(reaped.WorkerID).To(BeNil())
			Expect(*reaped.ReasonCode).To(Equal(model.TaskReasonLeaseTimeout))

			live, _ := q.Get(ctx, t2.ID)
			Expect(live.Status).To(Equal(model.TaskStatusClaimed))
		})

		It("lets another worker claim a reaped task", func() {
			enqueue("c1")
			t, _, _ := q.Claim(ctx, "w1")
			clock.Advance(2 * lease)
			_, err := q.ReapExpired(ctx)
			Expect(err).NotTo(HaveOccurred())

			again, claimed, err := q.Claim(ctx, "w2")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeTrue())
			Expect(again.ID).To(Equal(t.ID))

			_, err = q.Complete(ctx, t.ID, "w1", 1)
			Expect(err).To(MatchError(queue.ErrNotLeaseHolder))
		})
	})

	Describe("Counts", func() {
		It("reports every status", func() {
			enqueue("c1")
			enqueue("c2")
			_, _, _ = q.Claim(ctx, "w1")
			counts, err := q.Counts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(counts[model.TaskStatusPending]).To(Equal(1))
			Expect(counts[model.TaskStatusClaimed]).To(Equal(1))
			Expect(counts).To(HaveKeyWithValue(model.TaskStatusCompleted, 0))
		})
	})
})
