package intake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevenhsu/llmbook-sub003/common/logger"
)

// Source is the part of RedisConsumer the loop needs.
type Source interface {
	Read(ctx context.Context) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
	Requeue(ctx context.Context, msg Message, errMsg string) error
	SendDLQ(ctx context.Context, msg Message, errMsg string) error
}

type LoopConfig struct {
	MaxAttempts int
	// ErrorBackoff is the pause after a failed read.
	ErrorBackoff time.Duration
}

// Loop reads intent batches and hands them to the processor (the dispatcher).
// A failed batch is requeued message by message, or dead-lettered after MaxAttempts.
type Loop struct {
	source    Source
	processor MessageProcessor
	cfg       LoopConfig

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewLoop(source Source, processor MessageProcessor, cfg LoopConfig) *Loop {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Loop{
		source:    source,
		processor: processor,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (l *Loop) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "governor.intake.loop",
	})
	defer close(l.stoppedCh)

	slog.InfoContext(ctx, "intake loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			slog.InfoContext(ctx, "intake loop stopping")
			return nil
		default:
			if err := l.ProcessOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "intake batch error", "error", err)
				select {
				case <-time.After(l.cfg.ErrorBackoff):
				case <-ctx.Done():
				case <-l.stopCh:
				}
			}
		}
	}
}

func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.stoppedCh
}

// ProcessOnce reads one batch and dispatches it. An empty batch is still handed to the
// processor so the dispatcher can report its heartbeat.
func (l *Loop) ProcessOnce(ctx context.Context) error {
	msgs, err := l.source.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading intents: %w", err)
	}

	span := logger.StartSpanFromTraceID(ctx, batchTraceID(msgs), "intake.dispatch_batch",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.Int("intake.batch_size", len(msgs)))
	ctx = span.Context()

	if procErr := l.processSafe(ctx, msgs); procErr != nil {
		span.Fail(procErr)
		slog.ErrorContext(ctx, "dispatch failed for batch", "error", procErr, "count", len(msgs))
		for _, msg := range msgs {
			l.handleFailed(ctx, msg, procErr)
		}
		return nil
	}

	for _, msg := range msgs {
		if err := l.source.Ack(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "ack intent failed", "error", err, "message_id", msg.ID)
		}
	}
	return nil
}

// batchTraceID continues the trace of the first message that carries one.
func batchTraceID(msgs []Message) string {
	for _, m := range msgs {
		if m.TraceID != "" {
			return m.TraceID
		}
	}
	return ""
}

func (l *Loop) processSafe(ctx context.Context, msgs []Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in intent dispatch", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.processor(ctx, msgs)
}

func (l *Loop) handleFailed(ctx context.Context, msg Message, procErr error) {
	if msg.Attempt >= l.cfg.MaxAttempts {
		if err := l.source.SendDLQ(ctx, msg, procErr.Error()); err != nil {
			slog.ErrorContext(ctx, "failed to send intent to DLQ", "error", err, "message_id", msg.ID)
		}
		return
	}
	if err := l.source.Requeue(ctx, msg, procErr.Error()); err != nil {
		slog.ErrorContext(ctx, "failed to requeue intent", "error", err, "message_id", msg.ID)
	}
}
