package intake

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nevenhsu/llmbook-sub003/common/logger"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

// Producer publishes intents onto the intake stream.
type Producer interface {
	Enqueue(ctx context.Context, intent model.TaskIntent, traceID string) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// Enqueue publishes intent. A blank traceID falls back to the trace in ctx.
func (p *redisProducer) Enqueue(ctx context.Context, intent model.TaskIntent, traceID string) error {
	if traceID == "" {
		traceID = logger.TraceIDFromContext(ctx)
	}
	values, err := messageValues(intent, 1, traceID)
	if err != nil {
		return err
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue intent: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued task intent", "intent_id", intent.ID, "type", intent.Type)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
