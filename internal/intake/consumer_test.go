package intake_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nevenhsu/llmbook-sub003/common/logger"
	"github.com/nevenhsu/llmbook-sub003/internal/intake"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

var _ = Describe("ParseMessage", func() {
	It("decodes the intent, attempt and trace id", func() {
		msg, err := intake.ParseMessage(redis.XMessage{
			ID: "1700000000000-0",
			Values: map[string]any{
				"intent":   `{"id":"i-1","type":"reply","source_table":"comments","source_id":"c-9","payload":{"post_id":"p-1","body":"hi"}}`,
				"attempt":  "2",
				"trace_id": "abc",
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.ID).To(Equal("1700000000000-0"))
		Expect(msg.Intent.ID).To(Equal("i-1"))
		Expect(msg.Intent.Type).To(Equal(model.TaskTypeReply))
		Expect(msg.Intent.Payload.PostID).To(Equal("p-1"))
		Expect(msg.Attempt).To(Equal(2))
		Expect(msg.TraceID).To(Equal("abc"))
	})

	It("defaults the attempt to 1", func() {
		msg, err := intake.ParseMessage(redis.XMessage{
			ID:     "1-0",
			Values: map[string]any{"intent": `{"id":"i-2","type":"vote"}`},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Attempt).To(Equal(1))
	})

	It("leaves validation to the dispatcher", func() {
		msg, err := intake.ParseMessage(redis.XMessage{
			ID:     "1-0",
			Values: map[string]any{"intent": `{"id":"","type":"dance"}`},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Intent.Validate()).To(MatchError(model.ErrInvalidIntent))
	})

	It("rejects entries without an intent", func() {
		_, err := intake.ParseMessage(redis.XMessage{ID: "1-0", Values: map[string]any{}})
		Expect(err).To(MatchError(ContainSubstring("missing intent")))
	})

	It("rejects undecodable intents", func() {
		_, err := intake.ParseMessage(redis.XMessage{ID: "1-0", Values: map[string]any{"intent": "{"}})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Loop", func() {
	var (
		ctx    context.Context
		source *mockSource
		batch  []intake.Message
	)

	BeforeEach(func() {
		ctx = context.Background()
		batch = []intake.Message{
			{ID: "1-0", Attempt: 1},
			{ID: "2-0", Attempt: 3},
		}
		source = &mockSource{
			readFn: func(context.Context) ([]intake.Message, error) { return batch, nil },
		}
	})

	It("acks every message after a successful dispatch", func() {
		loop := intake.NewLoop(source, func(context.Context, []intake.Message) error { return nil }, intake.LoopConfig{MaxAttempts: 3})
		Expect(loop.ProcessOnce(ctx)).To(Succeed())
		Expect(source.acked).To(ConsistOf("1-0", "2-0"))
	})

	It("requeues or dead-letters by attempt when dispatch fails", func() {
		loop := intake.NewLoop(source, func(context.Context, []intake.Message) error {
			return errors.New("db unavailable")
		}, intake.LoopConfig{MaxAttempts: 3})
		Expect(loop.ProcessOnce(ctx)).To(Succeed())
		Expect(source.acked).To(BeEmpty())
		Expect(source.requeued).To(ConsistOf("1-0"))
		Expect(source.deadLettered).To(ConsistOf("2-0"))
	})

	It("treats a panicking processor as a failure", func() {
		loop := intake.NewLoop(source, func(context.Context, []intake.Message) error {
			panic("boom")
		}, intake.LoopConfig{MaxAttempts: 3})
		Expect(loop.ProcessOnce(ctx)).To(Succeed())
		Expect(source.requeued).To(ConsistOf("1-0"))
	})

	It("hands empty batches to the processor", func() {
		batch = nil
		calls := 0
		loop := intake.NewLoop(source, func(_ context.Context, msgs []intake.Message) error {
			calls++
			Expect(msgs).To(BeEmpty())
			return nil
		}, intake.LoopConfig{})
		Expect(loop.ProcessOnce(ctx)).To(Succeed())
		Expect(calls).To(Equal(1))
	})

	It("returns read errors", func() {
		source.readFn = func(context.Context) ([]intake.Message, error) { return nil, errors.New("redis down") }
		loop := intake.NewLoop(source, func(context.Context, []intake.Message) error { return nil }, intake.LoopConfig{})
		Expect(loop.ProcessOnce(ctx)).To(MatchError(ContainSubstring("redis down")))
	})

	Describe("tracing", func() {
		const traceHex = "4bf92f3577b34da6a3ce929d0e0e4736"
		var spans *tracetest.SpanRecorder

		BeforeEach(func() {
			spans = tracetest.NewSpanRecorder()
			prev := otel.GetTracerProvider()
			otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
			DeferCleanup(func() { otel.SetTracerProvider(prev) })
			batch[1].TraceID = traceHex
		})

		It("dispatches under the producer's trace", func() {
			var seen string
			loop := intake.NewLoop(source, func(ctx context.Context, _ []intake.Message) error {
				seen = logger.TraceIDFromContext(ctx)
				return nil
			}, intake.LoopConfig{})
			Expect(loop.ProcessOnce(ctx)).To(Succeed())

			Expect(seen).To(Equal(traceHex))
			ended := spans.Ended()
			Expect(ended).To(HaveLen(1))
			Expect(ended[0].Name()).To(Equal("intake.dispatch_batch"))
			Expect(ended[0].SpanContext().TraceID().String()).To(Equal(traceHex))
		})

		It("marks the batch span as failed when dispatch fails", func() {
			loop := intake.NewLoop(source, func(context.Context, []intake.Message) error {
				return errors.New("db unavailable")
			}, intake.LoopConfig{})
			Expect(loop.ProcessOnce(ctx)).To(Succeed())

			ended := spans.Ended()
			Expect(ended).To(HaveLen(1))
			Expect(ended[0].Status().Code).To(Equal(codes.Error))
			Expect(ended[0].Status().Description).To(Equal("db unavailable"))
		})
	})
})
