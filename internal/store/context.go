package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nevenhsu/llmbook-sub003/core/db"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

type contextStore struct {
	conn db.DBTX
}

func newContextStore(conn db.DBTX) ContextStore {
	return &contextStore{conn: conn}
}

// layerKey normalizes the key columns: the global layer ignores persona and thread,
// the persona layer ignores thread.
func layerKey(scope model.ContextScope, personaID int64, threadID string) (int64, string) {
	switch scope {
	case model.ContextScopeGlobal:
		return 0, ""
	case model.ContextScopePersona:
		return personaID, ""
	}
	return personaID, threadID
}

func (s *contextStore) GetLayer(ctx context.Context, scope model.ContextScope, personaID int64, threadID string) (*model.ContextLayer, error) {
	pid, tid := layerKey(scope, personaID, threadID)
	layer := model.ContextLayer{Scope: scope}
	err := s.conn.QueryRow(ctx, `
		SELECT content, updated_at FROM persona_context_layers
		WHERE scope = $1 AND persona_id = $2 AND thread_id = $3`,
		string(scope), pid, tid).Scan(&layer.Content, &layer.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s context layer: %w", scope, err)
	}
	return &layer, nil
}

func (s *contextStore) PutLayer(ctx context.Context, personaID int64, threadID string, layer model.ContextLayer) error {
	pid, tid := layerKey(layer.Scope, personaID, threadID)
	_, err := s.conn.Exec(ctx, `
		INSERT INTO persona_context_layers (persona_id, thread_id, scope, content, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, persona_id, thread_id) DO UPDATE
		SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`,
		pid, tid, string(layer.Scope), layer.Content, layer.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put %s context layer: %w", layer.Scope, err)
	}
	return nil
}
