package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
)

type reviewStore struct{ s *Store }

func cloneReview(item *model.ReviewQueueItem) *model.ReviewQueueItem {
	c := *item
	if item.ActionID != nil {
		v := *item.ActionID
		c.ActionID = &v
	}
	if item.ClaimedAt != nil {
		v := *item.ClaimedAt
		c.ClaimedAt = &v
	}
	if item.DecidedAt != nil {
		v := *item.DecidedAt
		c.DecidedAt = &v
	}
	if item.ReviewerID != nil {
		v := *item.ReviewerID
		c.ReviewerID = &v
	}
	if item.ReasonCode != nil {
		v := *item.ReasonCode
		c.ReasonCode = &v
	}
	if item.Note != nil {
		v := *item.Note
		c.Note = &v
	}
	return &c
}

func (rs reviewStore) Create(_ context.Context, item *model.ReviewQueueItem) error {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("reviews.create"); err != nil {
		return err
	}
	if _, exists := s.reviews[item.ID]; exists {
		return store.ErrConflict
	}
	s.reviews[item.ID] = cloneReview(item)
	return nil
}

func (rs reviewStore) GetByID(_ context.Context, id int64) (*model.ReviewQueueItem, error) {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("reviews.get"); err != nil {
		return nil, err
	}
	item, ok := s.reviews[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneReview(item), nil
}

func (rs reviewStore) Update(_ context.Context, id int64, upd model.ReviewUpdate) (*model.ReviewQueueItem, bool, error) {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("reviews.update"); err != nil {
		return nil, false, err
	}
	item, ok := s.reviews[id]
	if !ok || !upd.Matches(item) {
		return nil, false, nil
	}
	upd.Apply(item)
	return cloneReview(item), true, nil
}

func (rs reviewStore) List(_ context.Context, status *model.ReviewStatus, limit int) ([]model.ReviewQueueItem, error) {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("reviews.list"); err != nil {
		return nil, err
	}
	var out []model.ReviewQueueItem
	for _, item := range s.reviews {
		if status == nil || item.Status == *status {
			out = append(out, *cloneReview(item))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (rs reviewStore) ListOpenCreatedBefore(_ context.Context, cutoff time.Time, limit int) ([]model.ReviewQueueItem, error) {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("reviews.list_due"); err != nil {
		return nil, err
	}
	var out []model.ReviewQueueItem
	for _, item := range s.reviews {
		open := item.Status == model.ReviewStatusPending || item.Status == model.ReviewStatusInReview
		if open && !item.CreatedAt.After(cutoff) {
			out = append(out, *cloneReview(item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
