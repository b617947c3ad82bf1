package events

import (
	"context"
	"time"

	"github.com/nevenhsu/llmbook-sub003/common/id"
)

// EnvelopeWriter persists envelopes, typically the Postgres event log.
type EnvelopeWriter interface {
	Append(ctx context.Context, env Envelope) error
}

// StoreSink writes events to a durable event log.
type StoreSink struct {
	writer EnvelopeWriter
	now    func() time.Time
}

func NewStoreSink(w EnvelopeWriter) *StoreSink {
	return &StoreSink{writer: w, now: time.Now}
}

func (s *StoreSink) Record(ctx context.Context, e Event) error {
	env, err := NewEnvelope(id.New(), e, s.now())
	if err != nil {
		return err
	}
	return s.writer.Append(ctx, env)
}
