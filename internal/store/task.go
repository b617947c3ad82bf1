package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nevenhsu/llmbook-sub003/core/db"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

const taskColumns = `id, intent_id, persona_id, task_type, status, retry_count, max_retries,
	worker_id, lease_expires_at, idempotency_key, source_table, source_id, post_id,
	payload, result_id, last_error, reason_code, created_at, updated_at`

type taskStore struct {
	conn db.DBTX
}

func newTaskStore(conn db.DBTX) TaskStore {
	return &taskStore{conn: conn}
}

func scanTask(row pgx.Row) (*model.QueueTask, error) {
	var (
		t          model.QueueTask
		taskType   string
		status     string
		payload    []byte
		reasonCode *string
	)
	err := row.Scan(&t.ID, &t.IntentID, &t.PersonaID, &taskType, &status, &t.RetryCount, &t.MaxRetries,
		&t.WorkerID, &t.LeaseExpiresAt, &t.IdempotencyKey, &t.SourceTable, &t.SourceID, &t.PostID,
		&payload, &t.ResultID, &t.LastError, &reasonCode, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.TaskType = model.TaskType(taskType)
	t.Status = model.TaskStatus(status)
	t.Payload = payload
	t.ReasonCode = reasonCode
	return &t, nil
}

func (s *taskStore) CreateOrGet(ctx context.Context, task *model.QueueTask) (*model.QueueTask, bool, error) {
	payload := []byte(task.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	row := s.conn.QueryRow(ctx, `
		INSERT INTO queue_tasks (id, intent_id, persona_id, task_type, status, retry_count, max_retries,
			idempotency_key, source_table, source_id, post_id, payload, reason_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (task_type, idempotency_key) DO NOTHING
		RETURNING `+taskColumns,
		task.ID, task.IntentID, task.PersonaID, string(task.TaskType), string(task.Status), task.MaxRetries,
		task.IdempotencyKey, task.SourceTable, task.SourceID, task.PostID, payload, task.ReasonCode, task.CreatedAt)
	created, err := scanTask(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert queue task: %w", err)
	}

	existing, err := scanTask(s.conn.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM queue_tasks WHERE task_type = $1 AND idempotency_key = $2`,
		string(task.TaskType), task.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("load existing queue task: %w", err)
	}
	return existing, false, nil
}

func (s *taskStore) GetByID(ctx context.Context, id int64) (*model.QueueTask, error) {
	t, err := scanTask(s.conn.QueryRow(ctx, `SELECT `+taskColumns+` FROM queue_tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *taskStore) ClaimNext(ctx context.Context, workerID string, now, leaseExpiresAt time.Time) (*model.QueueTask, bool, error) {
	// SKIP LOCKED lets concurrent claimers pass over a row another claimer is taking.
	t, err := scanTask(s.conn.QueryRow(ctx, `
		UPDATE queue_tasks
		SET status = $1, worker_id = $2, lease_expires_at = $3, reason_code = $4, updated_at = $5
		WHERE id = (
			SELECT id FROM queue_tasks
			WHERE status = $6
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		string(model.TaskStatusClaimed), workerID, leaseExpiresAt, model.TaskReasonClaimed, now,
		string(model.TaskStatusPending)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claim queue task: %w", err)
	}
	return t, true, nil
}

func (s *taskStore) Update(ctx context.Context, id int64, upd model.TaskUpdate) (*model.QueueTask, bool, error) {
	var reasonCode *string
	if upd.ReasonCode != "" {
		reasonCode = &upd.ReasonCode
	}
	t, err := scanTask(s.conn.QueryRow(ctx, `
		UPDATE queue_tasks
		SET status = COALESCE(NULLIF($2, ''), status),
			updated_at = $3,
			worker_id = CASE WHEN $4::boolean THEN NULL ELSE worker_id END,
			lease_expires_at = CASE WHEN $4::boolean THEN NULL ELSE COALESCE($5, lease_expires_at) END,
			retry_count = retry_count + CASE WHEN $6::boolean THEN 1 ELSE 0 END,
			result_id = COALESCE($7, result_id),
			last_error = COALESCE($8, last_error),
			reason_code = COALESCE($9, reason_code)
		WHERE id = $1
			AND status = ANY($10::text[])
			AND ($11 = '' OR (worker_id = $11 AND lease_expires_at > $3))
			AND (NOT $12::boolean OR lease_expires_at <= $3)
		RETURNING `+taskColumns,
		id, string(upd.To), upd.Now, upd.ClearLease, upd.LeaseExpiresAt, upd.IncrementRetry,
		upd.ResultID, upd.LastError, reasonCode, statusStrings(upd.From), upd.WorkerID, upd.RequireExpiredLease))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("update queue task %d: %w", id, err)
	}
	return t, true, nil
}

func (s *taskStore) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]model.QueueTask, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+taskColumns+` FROM queue_tasks
		WHERE status = ANY($1::text[]) AND lease_expires_at <= $2
		ORDER BY lease_expires_at
		LIMIT $3`,
		statusStrings([]model.TaskStatus{model.TaskStatusClaimed, model.TaskStatusInProgress}), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *taskStore) CountByStatus(ctx context.Context) (model.TaskCounts, error) {
	rows, err := s.conn.Query(ctx, `SELECT status, count(*) FROM queue_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count queue tasks: %w", err)
	}
	defer rows.Close()

	counts := model.TaskCounts{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *taskStore) CountRecentByPersona(ctx context.Context, personaID int64, types []model.TaskType, statuses []model.TaskStatus, since time.Time) (int, error) {
	var n int
	err := s.conn.QueryRow(ctx, `
		SELECT count(*) FROM queue_tasks
		WHERE persona_id = $1 AND task_type = ANY($2::text[]) AND status = ANY($3::text[]) AND created_at >= $4`,
		personaID, typeStrings(types), statusStrings(statuses), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent tasks: %w", err)
	}
	return n, nil
}

func (s *taskStore) LastForPost(ctx context.Context, personaID int64, postID string, statuses []model.TaskStatus) (*time.Time, error) {
	var last *time.Time
	err := s.conn.QueryRow(ctx, `
		SELECT max(created_at) FROM queue_tasks
		WHERE persona_id = $1 AND post_id = $2 AND status = ANY($3::text[])`,
		personaID, postID, statusStrings(statuses)).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("last task for post: %w", err)
	}
	return last, nil
}

func collectTasks(rows pgx.Rows) ([]model.QueueTask, error) {
	var out []model.QueueTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func statusStrings(statuses []model.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func typeStrings(types []model.TaskType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
