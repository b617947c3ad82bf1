package store

import (
	"context"
	"fmt"

	"github.com/nevenhsu/llmbook-sub003/core/db"
	"github.com/nevenhsu/llmbook-sub003/internal/events"
)

type eventLogStore struct {
	conn db.DBTX
}

func newEventLogStore(conn db.DBTX) EventLogStore {
	return &eventLogStore{conn: conn}
}

func (s *eventLogStore) Append(ctx context.Context, env events.Envelope) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO governance_events (id, kind, subject_id, reason_code, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		env.ID, string(env.Kind), env.Subject, env.Reason, []byte(env.Payload), env.At)
	if err != nil {
		return fmt.Errorf("append governance event: %w", err)
	}
	return nil
}

func (s *eventLogStore) ListRecent(ctx context.Context, kinds []events.Kind, limit int) ([]events.Envelope, error) {
	kindStrs := make([]string, len(kinds))
	for i, k := range kinds {
		kindStrs[i] = string(k)
	}
	rows, err := s.conn.Query(ctx, `
		SELECT id, kind, subject_id, reason_code, payload, created_at FROM governance_events
		WHERE cardinality($1::text[]) = 0 OR kind = ANY($1::text[])
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, kindStrs, limit)
	if err != nil {
		return nil, fmt.Errorf("list governance events: %w", err)
	}
	defer rows.Close()

	var out []events.Envelope
	for rows.Next() {
		var (
			env     events.Envelope
			kind    string
			payload []byte
		)
		if err := rows.Scan(&env.ID, &kind, &env.Subject, &env.Reason, &payload, &env.At); err != nil {
			return nil, err
		}
		env.Kind = events.Kind(kind)
		env.Payload = payload
		out = append(out, env)
	}
	return out, rows.Err()
}
