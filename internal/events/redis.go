package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nevenhsu/llmbook-sub003/common/id"
)

// RedisStreamSink appends event envelopes to a capped Redis stream.
// The operator API tails the same stream for its SSE feed.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
	now    func() time.Time
}

func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{
		client: client,
		stream: stream,
		maxLen: maxLen,
		now:    time.Now,
	}
}

func (s *RedisStreamSink) Record(ctx context.Context, e Event) error {
	env, err := NewEnvelope(id.New(), e, s.now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"kind":  string(env.Kind),
			"event": string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd event (stream=%s): %w", s.stream, err)
	}
	return nil
}

// ParseStreamEnvelope decodes an entry written by RedisStreamSink.
func ParseStreamEnvelope(msg redis.XMessage) (Envelope, error) {
	raw, ok := msg.Values["event"]
	if !ok {
		return Envelope{}, fmt.Errorf("missing event field in %s", msg.ID)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(fmt.Sprint(raw)), &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope %s: %w", msg.ID, err)
	}
	return env, nil
}
