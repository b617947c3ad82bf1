package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

type envelopeWriterFunc func(ctx context.Context, env events.Envelope) error

func (f envelopeWriterFunc) Append(ctx context.Context, env events.Envelope) error { return f(ctx, env) }

var _ = Describe("Sinks", func() {
	ctx := context.Background()
	transition := events.TaskTransitionEvent{
		TaskID:     42,
		PersonaID:  7,
		TaskType:   model.TaskTypeReply,
		FromStatus: model.TaskStatusClaimed,
		ToStatus:   model.TaskStatusPending,
		ReasonCode: model.TaskReasonLeaseTimeout,
		At:         time.Unix(1700000000, 0).UTC(),
	}

	Describe("Safe", func() {
		It("swallows errors", func() {
			failing := events.SinkFunc(func(context.Context, events.Event) error {
				return errors.New("redis down")
			})
			Expect(events.Safe(failing).Record(ctx, transition)).To(Succeed())
		})

		It("recovers panics", func() {
			panicking := events.SinkFunc(func(context.Context, events.Event) error {
				panic("boom")
			})
			Expect(func() {
				_ = events.Safe(panicking).Record(ctx, transition)
			}).NotTo(Panic())
		})

		It("treats a nil sink as a no-op", func() {
			Expect(events.Safe(nil).Record(ctx, transition)).To(Succeed())
		})
	})

	Describe("Multi", func() {
		It("delivers to every sink even when one fails", func() {
			rec := events.NewRecorder()
			failing := events.SinkFunc(func(context.Context, events.Event) error {
				return errors.New("nope")
			})
			err := events.Multi(failing, rec, nil).Record(ctx, transition)
			Expect(err).To(MatchError(ContainSubstring("nope")))
			Expect(rec.Events()).To(HaveLen(1))
		})
	})

	Describe("Recorder", func() {
		It("filters by kind", func() {
			rec := events.NewRecorder()
			_ = rec.Record(ctx, transition)
			_ = rec.Record(ctx, events.ProviderRuntimeEvent{ProviderID: "openai", ModelID: "gpt", Outcome: events.OutcomeTimeout})
			Expect(rec.OfKind(events.KindProviderRuntime)).To(HaveLen(1))
			rec.Reset()
			Expect(rec.Events()).To(BeEmpty())
		})
	})

	Describe("StoreSink", func() {
		It("writes an envelope carrying the subject and reason", func() {
			var got events.Envelope
			sink := events.NewStoreSink(envelopeWriterFunc(func(_ context.Context, env events.Envelope) error {
				got = env
				return nil
			}))
			Expect(sink.Record(ctx, transition)).To(Succeed())
			Expect(got.ID).NotTo(BeZero())
			Expect(got.Kind).To(Equal(events.KindTaskTransition))
			Expect(got.Subject).To(Equal("42"))
			Expect(got.Reason).To(Equal(model.TaskReasonLeaseTimeout))

			var payload events.TaskTransitionEvent
			Expect(json.Unmarshal(got.Payload, &payload)).To(Succeed())
			Expect(payload).To(Equal(transition))
		})
	})

	Describe("ParseStreamEnvelope", func() {
		It("decodes what the stream sink writes", func() {
			env, err := events.NewEnvelope(9, transition, transition.At)
			Expect(err).NotTo(HaveOccurred())
			data, _ := json.Marshal(env)

			parsed, err := events.ParseStreamEnvelope(redis.XMessage{
				ID:     "1-0",
				Values: map[string]any{"kind": "task_transition", "event": string(data)},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(parsed.ID).To(Equal(int64(9)))
			Expect(parsed.Kind).To(Equal(events.KindTaskTransition))
		})

		It("rejects entries without an event field", func() {
			_, err := events.ParseStreamEnvelope(redis.XMessage{ID: "1-0", Values: map[string]any{}})
			Expect(err).To(HaveOccurred())
		})
	})
})
