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

const reviewColumns = `id, task_id, persona_id, action_id, task_type, text, risk_reason, status,
	created_at, claimed_at, decided_at, reviewer_id, reason_code, note`

type reviewStore struct {
	conn db.DBTX
}

func newReviewStore(conn db.DBTX) ReviewStore {
	return &reviewStore{conn: conn}
}

func scanReview(row pgx.Row) (*model.ReviewQueueItem, error) {
	var (
		item     model.ReviewQueueItem
		taskType string
		status   string
	)
	if err := row.Scan(&item.ID, &item.TaskID, &item.PersonaID, &item.ActionID, &taskType, &item.Text,
		&item.RiskReason, &status, &item.CreatedAt, &item.ClaimedAt, &item.DecidedAt, &item.ReviewerID,
		&item.ReasonCode, &item.Note); err != nil {
		return nil, err
	}
	item.TaskType = model.TaskType(taskType)
	item.Status = model.ReviewStatus(status)
	return &item, nil
}

func (s *reviewStore) Create(ctx context.Context, item *model.ReviewQueueItem) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO review_queue_items (id, task_id, persona_id, action_id, task_type, text, risk_reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.ID, item.TaskID, item.PersonaID, item.ActionID, string(item.TaskType), item.Text, item.RiskReason,
		string(item.Status), item.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert review item: %w", err)
	}
	return nil
}

func (s *reviewStore) GetByID(ctx context.Context, id int64) (*model.ReviewQueueItem, error) {
	item, err := scanReview(s.conn.QueryRow(ctx, `SELECT `+reviewColumns+` FROM review_queue_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

func (s *reviewStore) Update(ctx context.Context, id int64, upd model.ReviewUpdate) (*model.ReviewQueueItem, bool, error) {
	from := make([]string, len(upd.From))
	for i, f := range upd.From {
		from[i] = string(f)
	}
	item, err := scanReview(s.conn.QueryRow(ctx, `
		UPDATE review_queue_items
		SET status = $2,
			claimed_at = CASE WHEN $2 = 'IN_REVIEW' THEN $3 ELSE claimed_at END,
			decided_at = CASE WHEN $2 IN ('APPROVED', 'REJECTED', 'EXPIRED') THEN $3 ELSE decided_at END,
			reviewer_id = CASE WHEN $4 <> '' THEN $4 ELSE reviewer_id END,
			reason_code = COALESCE($5, reason_code),
			note = COALESCE($6, note)
		WHERE id = $1
			AND status = ANY($7::text[])
			AND (NOT $8::boolean OR status <> 'IN_REVIEW' OR reviewer_id = $4)
			AND ($9::timestamptz IS NULL OR created_at > $9)
		RETURNING `+reviewColumns,
		id, string(upd.To), upd.Now, upd.ReviewerID, upd.ReasonCode, upd.Note, from, upd.RequireClaimant, upd.CreatedAfter))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("update review item %d: %w", id, err)
	}
	return item, true, nil
}

func (s *reviewStore) List(ctx context.Context, status *model.ReviewStatus, limit int) ([]model.ReviewQueueItem, error) {
	var filter *string
	if status != nil {
		f := string(*status)
		filter = &f
	}
	rows, err := s.conn.Query(ctx, `
		SELECT `+reviewColumns+` FROM review_queue_items
		WHERE $1::text IS NULL OR status = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("list review items: %w", err)
	}
	defer rows.Close()
	return collectReviews(rows)
}

func (s *reviewStore) ListOpenCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.ReviewQueueItem, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+reviewColumns+` FROM review_queue_items
		WHERE status IN ('PENDING', 'IN_REVIEW') AND created_at <= $1
		ORDER BY created_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list due review items: %w", err)
	}
	defer rows.Close()
	return collectReviews(rows)
}

func collectReviews(rows pgx.Rows) ([]model.ReviewQueueItem, error) {
	var out []model.ReviewQueueItem
	for rows.Next() {
		item, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}
