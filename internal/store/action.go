package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nevenhsu/llmbook-sub003/core/db"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

const actionColumns = `id, task_id, persona_id, task_type, idempotency_key, post_id, text, vote,
	status, provider_id, model_id, created_at`

type actionStore struct {
	conn db.DBTX
}

func newActionStore(conn db.DBTX) ActionStore {
	return &actionStore{conn: conn}
}

func scanAction(row pgx.Row) (*model.PersonaAction, error) {
	var (
		a        model.PersonaAction
		taskType string
		vote     *string
		status   string
	)
	if err := row.Scan(&a.ID, &a.TaskID, &a.PersonaID, &taskType, &a.IdempotencyKey, &a.PostID, &a.Text, &vote,
		&status, &a.ProviderID, &a.ModelID, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.TaskType = model.TaskType(taskType)
	a.Status = model.ActionStatus(status)
	if vote != nil {
		a.Vote = model.VoteDirection(*vote)
	}
	return &a, nil
}

func (s *actionStore) CreateOrGet(ctx context.Context, action *model.PersonaAction) (*model.PersonaAction, bool, error) {
	var vote *string
	if action.Vote != "" {
		v := string(action.Vote)
		vote = &v
	}
	created, err := scanAction(s.conn.QueryRow(ctx, `
		INSERT INTO persona_actions (id, task_id, persona_id, task_type, idempotency_key, post_id, text, vote,
			status, provider_id, model_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+actionColumns,
		action.ID, action.TaskID, action.PersonaID, string(action.TaskType), action.IdempotencyKey, action.PostID,
		action.Text, vote, string(action.Status), action.ProviderID, action.ModelID, action.CreatedAt))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert persona action: %w", err)
	}
	existing, err := scanAction(s.conn.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM persona_actions WHERE idempotency_key = $1`, action.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("load existing persona action: %w", err)
	}
	return existing, false, nil
}

func (s *actionStore) GetByID(ctx context.Context, id int64) (*model.PersonaAction, error) {
	a, err := scanAction(s.conn.QueryRow(ctx, `SELECT `+actionColumns+` FROM persona_actions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *actionStore) SetStatus(ctx context.Context, id int64, from []model.ActionStatus, to model.ActionStatus) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}
	tag, err := s.conn.Exec(ctx, `
		UPDATE persona_actions SET status = $2
		WHERE id = $1 AND status = ANY($3::text[])`,
		id, string(to), fromStrs)
	if err != nil {
		return false, fmt.Errorf("set persona action status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *actionStore) RecentTexts(ctx context.Context, personaID int64, types []model.TaskType, limit int) ([]string, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT text FROM persona_actions
		WHERE persona_id = $1 AND task_type = ANY($2::text[]) AND status <> $3 AND text <> ''
		ORDER BY created_at DESC
		LIMIT $4`,
		personaID, typeStrings(types), string(model.ActionStatusDiscarded), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent persona texts: %w", err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		texts = append(texts, t)
	}
	return texts, rows.Err()
}
