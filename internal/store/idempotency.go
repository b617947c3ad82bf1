package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nevenhsu/llmbook-sub003/core/db"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

type idempotencyStore struct {
	conn db.DBTX
}

func newIdempotencyStore(conn db.DBTX) IdempotencyStore {
	return &idempotencyStore{conn: conn}
}

func (s *idempotencyStore) Get(ctx context.Context, taskType model.TaskType, key string) (*model.IdempotencyRecord, error) {
	rec := model.IdempotencyRecord{TaskType: taskType, IdempotencyKey: key}
	err := s.conn.QueryRow(ctx, `
		SELECT result_id, created_at FROM task_idempotency
		WHERE task_type = $1 AND idempotency_key = $2`,
		string(taskType), key).Scan(&rec.ResultID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *idempotencyStore) PutIfAbsent(ctx context.Context, rec model.IdempotencyRecord) (*model.IdempotencyRecord, error) {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO task_idempotency (task_type, idempotency_key, result_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_type, idempotency_key) DO NOTHING`,
		string(rec.TaskType), rec.IdempotencyKey, rec.ResultID, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("put idempotency record: %w", err)
	}
	return s.Get(ctx, rec.TaskType, rec.IdempotencyKey)
}
