package intake_test

import (
	"context"

	"github.com/nevenhsu/llmbook-sub003/internal/intake"
)

type mockSource struct {
	readFn       func(ctx context.Context) ([]intake.Message, error)
	acked        []string
	requeued     []string
	deadLettered []string
}

func (m *mockSource) Read(ctx context.Context) ([]intake.Message, error) {
	if m.readFn != nil {
		return m.readFn(ctx)
	}
	return nil, nil
}

func (m *mockSource) Ack(_ context.Context, msg intake.Message) error {
	m.acked = append(m.acked, msg.ID)
	return nil
}

func (m *mockSource) Requeue(_ context.Context, msg intake.Message, _ string) error {
	m.requeued = append(m.requeued, msg.ID)
	return nil
}

func (m *mockSource) SendDLQ(_ context.Context, msg intake.Message, _ string) error {
	m.deadLettered = append(m.deadLettered, msg.ID)
	return nil
}
