// Package review owns the human review queue for held persona actions.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nevenhsu/llmbook-sub003/common/id"
	"github.com/nevenhsu/llmbook-sub003/common/logger"
	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
)

var (
	ErrItemNotFound     = errors.New("review item not found")
	ErrReviewerRequired = errors.New("reviewer id is required")
)

const (
	DefaultExpiryWindow = 72 * time.Hour
	defaultExpireBatch  = 200
	defaultListLimit    = 50
	// ReasonRejected is recorded when a reviewer rejects without a reason code.
	ReasonRejected = "REVIEW_REJECTED"
)

var openStatuses = []model.ReviewStatus{model.ReviewStatusPending, model.ReviewStatusInReview}

type Config struct {
	ExpiryWindow time.Duration
	ExpireBatch  int
}

// Request describes a held action entering review.
type Request struct {
	TaskID     int64
	PersonaID  int64
	ActionID   *int64
	TaskType   model.TaskType
	Text       string
	RiskReason string
}

// Queue moves review items through PENDING, IN_REVIEW and a final decision.
// Every transition is one guarded store update; a lost race is reported as
// applied=false, never as an error.
type Queue struct {
	stores store.Provider
	tx     store.TxRunner
	sink   events.Sink
	cfg    Config
	now    func() time.Time
}

func New(stores store.Provider, tx store.TxRunner, sink events.Sink, cfg Config) *Queue {
	if cfg.ExpiryWindow <= 0 {
		cfg.ExpiryWindow = DefaultExpiryWindow
	}
	if cfg.ExpireBatch <= 0 {
		cfg.ExpireBatch = defaultExpireBatch
	}
	return &Queue{
		stores: stores,
		tx:     tx,
		sink:   events.Safe(sink),
		cfg:    cfg,
		now:    time.Now,
	}
}

func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue stores a new PENDING item. Pass the transaction-bound stores when the
// item must commit together with its held action; nil uses the queue's own stores.
func (q *Queue) Enqueue(ctx context.Context, stores store.Provider, req Request) (*model.ReviewQueueItem, error) {
	if stores == nil {
		stores = q.stores
	}
	item := &model.ReviewQueueItem{
		ID:         id.New(),
		TaskID:     req.TaskID,
		PersonaID:  req.PersonaID,
		ActionID:   req.ActionID,
		TaskType:   req.TaskType,
		Text:       req.Text,
		RiskReason: req.RiskReason,
		Status:     model.ReviewStatusPending,
		CreatedAt:  q.now().UTC(),
	}
	if err := stores.Reviews().Create(ctx, item); err != nil {
		return nil, fmt.Errorf("create review item: %w", err)
	}

	ctx = withItem(ctx, item.ID)
	slog.InfoContext(ctx, "review item created", "task_id", item.TaskID, "risk_reason", item.RiskReason)
	q.emit(ctx, item, "", "")
	return item, nil
}

func (q *Queue) Get(ctx context.Context, itemID int64) (*model.ReviewQueueItem, error) {
	item, err := q.stores.Reviews().GetByID(ctx, itemID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get review item: %w", err)
	}
	return item, nil
}

// List expires due items first, then returns items newest first.
func (q *Queue) List(ctx context.Context, status *model.ReviewStatus, limit int) ([]model.ReviewQueueItem, error) {
	if _, err := q.ExpireDue(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	items, err := q.stores.Reviews().List(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list review items: %w", err)
	}
	return items, nil
}

// ExpireDue moves every open item with now >= createdAt + window to EXPIRED and
// discards its held action. It works through the backlog in batches until a
// short batch comes back. Safe to call repeatedly.
func (q *Queue) ExpireDue(ctx context.Context) (int, error) {
	now := q.now().UTC()
	cutoff := q.cutoff(now)
	reason := model.ReviewReasonExpired

	expired := 0
	for {
		due, err := q.stores.Reviews().ListOpenCreatedBefore(ctx, cutoff, q.cfg.ExpireBatch)
		if err != nil {
			return expired, fmt.Errorf("list due review items: %w", err)
		}

		landed := 0
		for _, item := range due {
			updated, applied, err := q.transition(ctx, item.ID, model.ReviewUpdate{
				From:       openStatuses,
				To:         model.ReviewStatusExpired,
				Now:        now,
				ReasonCode: &reason,
			}, model.ActionStatusDiscarded)
			if err != nil {
				return expired, err
			}
			if !applied {
				continue
			}
			landed++
			q.emit(withItem(ctx, item.ID), updated, item.Status, "")
		}
		expired += landed
		// a full batch where nothing landed means another sweeper owns these rows
		if len(due) < q.cfg.ExpireBatch || landed == 0 {
			break
		}
	}
	if expired > 0 {
		slog.InfoContext(ctx, "review items expired", "count", expired)
	}
	return expired, nil
}

// cutoff is the newest createdAt that is already due at now.
func (q *Queue) cutoff(now time.Time) time.Time {
	return now.Add(-q.cfg.ExpiryWindow)
}

// Claim moves a PENDING item to IN_REVIEW for reviewerID.
func (q *Queue) Claim(ctx context.Context, itemID int64, reviewerID string) (*model.ReviewQueueItem, bool, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return nil, false, ErrReviewerRequired
	}
	if _, err := q.ExpireDue(ctx); err != nil {
		return nil, false, err
	}

	now := q.now().UTC()
	live := q.cutoff(now)
	item, applied, err := q.transition(ctx, itemID, model.ReviewUpdate{
		From:         []model.ReviewStatus{model.ReviewStatusPending},
		To:           model.ReviewStatusInReview,
		Now:          now,
		ReviewerID:   reviewerID,
		CreatedAfter: &live,
	}, "")
	if err != nil || !applied {
		return nil, false, err
	}
	q.emit(withItem(ctx, itemID), item, model.ReviewStatusPending, reviewerID)
	return item, true, nil
}

// Approve publishes the held action. Accepted from PENDING, or from IN_REVIEW by the claimant.
func (q *Queue) Approve(ctx context.Context, itemID int64, reviewerID, note string) (*model.ReviewQueueItem, bool, error) {
	return q.decide(ctx, itemID, reviewerID, model.ReviewStatusApproved, "", note, model.ActionStatusPublished)
}

// Reject discards the held action. Accepted from PENDING, or from IN_REVIEW by the claimant.
func (q *Queue) Reject(ctx context.Context, itemID int64, reviewerID, reasonCode, note string) (*model.ReviewQueueItem, bool, error) {
	if reasonCode == "" {
		reasonCode = ReasonRejected
	}
	return q.decide(ctx, itemID, reviewerID, model.ReviewStatusRejected, reasonCode, note, model.ActionStatusDiscarded)
}

func (q *Queue) decide(ctx context.Context, itemID int64, reviewerID string, to model.ReviewStatus, reasonCode, note string, action model.ActionStatus) (*model.ReviewQueueItem, bool, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return nil, false, ErrReviewerRequired
	}
	if _, err := q.ExpireDue(ctx); err != nil {
		return nil, false, err
	}

	before, err := q.Get(ctx, itemID)
	if errors.Is(err, ErrItemNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	now := q.now().UTC()
	live := q.cutoff(now)
	upd := model.ReviewUpdate{
		From:            openStatuses,
		To:              to,
		Now:             now,
		ReviewerID:      reviewerID,
		RequireClaimant: true,
		CreatedAfter:    &live,
		Note:            optional(note),
		ReasonCode:      optional(reasonCode),
	}
	item, applied, err := q.transition(ctx, itemID, upd, action)
	if err != nil || !applied {
		return nil, false, err
	}

	ctx = withItem(ctx, itemID)
	slog.InfoContext(ctx, "review item decided", "status", to, "reviewer_id", reviewerID)
	q.emit(ctx, item, before.Status, reviewerID)
	return item, true, nil
}

// transition applies upd and, when it lands, moves the held action to action
// in the same transaction. An empty action leaves the action untouched.
func (q *Queue) transition(ctx context.Context, itemID int64, upd model.ReviewUpdate, action model.ActionStatus) (*model.ReviewQueueItem, bool, error) {
	var (
		item    *model.ReviewQueueItem
		applied bool
	)
	err := q.tx.WithTx(ctx, func(stores store.Provider) error {
		var err error
		item, applied, err = stores.Reviews().Update(ctx, itemID, upd)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("update review item %d: %w", itemID, err)
		}
		if !applied || action == "" || item.ActionID == nil {
			return nil
		}
		if _, err := stores.Actions().SetStatus(ctx, *item.ActionID, []model.ActionStatus{model.ActionStatusHeld}, action); err != nil {
			return fmt.Errorf("set action %d %s: %w", *item.ActionID, action, err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return item, applied, nil
}

func (q *Queue) emit(ctx context.Context, item *model.ReviewQueueItem, from model.ReviewStatus, reviewerID string) {
	e := events.ReviewEvent{
		ReviewItemID: item.ID,
		TaskID:       item.TaskID,
		FromStatus:   from,
		ToStatus:     item.Status,
		ReviewerID:   reviewerID,
		At:           q.now().UTC(),
	}
	if item.ReasonCode != nil {
		e.ReasonCode = *item.ReasonCode
	}
	_ = q.sink.Record(ctx, e)
}

func withItem(ctx context.Context, itemID int64) context.Context {
	return logger.WithLogFields(ctx, logger.LogFields{ReviewItemID: &itemID})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
