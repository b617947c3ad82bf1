package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/http/dto"
)

const (
	streamBlock = 25 * time.Second
	streamBatch = 100
)

// StreamReader is the slice of the Redis client the event stream needs.
type StreamReader interface {
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
}

type EventsHandler struct {
	redis  StreamReader
	stream string
	block  time.Duration
}

func NewEventsHandler(reader StreamReader, stream string) *EventsHandler {
	return &EventsHandler{redis: reader, stream: stream, block: streamBlock}
}

// WithBlock overrides how long one XREAD waits before a keepalive ping.
func (h *EventsHandler) WithBlock(d time.Duration) *EventsHandler {
	h.block = d
	return h
}

type streamEvent struct {
	StreamID string `json:"stream_id"`
	events.Envelope
}

// Stream tails the governance event stream as server-sent events. Each SSE event
// is named after the envelope kind; ?kinds=a,b narrows the feed and ?last_id resumes it.
func (h *EventsHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	if h.redis == nil || h.stream == "" {
		writeError(c, http.StatusServiceUnavailable, dto.ErrStreamUnavailable, "redis event stream not configured")
		return
	}

	kinds := parseKinds(c.Query("kinds"))
	lastID := c.Query("last_id")
	if lastID == "" {
		lastID = "$"
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, http.StatusInternalServerError, dto.ErrStreamNotSupported, "")
		return
	}
	setSSEHeaders(c.Writer)

	sseWrite(c.Writer, "ping", "ready")
	flusher.Flush()

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := h.redis.XRead(ctx, &redis.XReadArgs{
			Streams: []string{h.stream, lastID},
			Block:   h.block,
			Count:   streamBatch,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				sseWrite(c.Writer, "ping", time.Now().UTC().Format(time.RFC3339Nano))
				flusher.Flush()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, "event stream read failed", "stream", h.stream, "error", err)
			sseWrite(c.Writer, "error", dto.ErrorResponse{Error: dto.ErrStreamUnavailable, Note: err.Error()})
			flusher.Flush()
			// avoid a hot loop while redis is down
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, streamRes := range res {
			for _, msg := range streamRes.Messages {
				lastID = msg.ID
				env, err := events.ParseStreamEnvelope(msg)
				if err != nil {
					slog.WarnContext(ctx, "skipping undecodable stream entry", "stream_id", msg.ID, "error", err)
					continue
				}
				if len(kinds) > 0 && !kinds[env.Kind] {
					continue
				}
				sseWrite(c.Writer, string(env.Kind), streamEvent{StreamID: msg.ID, Envelope: env})
			}
		}
		flusher.Flush()
	}
}

func parseKinds(raw string) map[events.Kind]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[events.Kind]bool)
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out[events.Kind(k)] = true
		}
	}
	return out
}

func setSSEHeaders(w http.ResponseWriter) {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
}

func sseWrite(w http.ResponseWriter, event string, data any) {
	payload := marshalPayload(data)
	if event != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", event)
	}
	for _, line := range strings.Split(payload, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
}

func marshalPayload(data any) string {
	switch payload := data.(type) {
	case string:
		return payload
	case []byte:
		return string(payload)
	default:
		bytes, err := json.Marshal(payload)
		if err != nil {
			return fmt.Sprintf("%v", data)
		}
		return string(bytes)
	}
}
