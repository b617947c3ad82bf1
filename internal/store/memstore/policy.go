package memstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
)

type releaseStore struct{ s *Store }

// cloneRelease deep-copies through JSON so callers never share the stored document.
func cloneRelease(r *model.PolicyRelease) (*model.PolicyRelease, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("copy policy release: %w", err)
	}
	var c model.PolicyRelease
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("copy policy release: %w", err)
	}
	return &c, nil
}

func (rs releaseStore) Append(_ context.Context, release *model.PolicyRelease) (*model.PolicyRelease, error) {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("policy.append"); err != nil {
		return nil, err
	}
	stored, err := cloneRelease(release)
	if err != nil {
		return nil, err
	}
	stored.Version = int64(len(s.releases)) + 1
	stored.IsActive = false
	s.releases = append(s.releases, stored)
	return cloneRelease(stored)
}

func (rs releaseStore) Get(_ context.Context, version int64) (*model.PolicyRelease, error) {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("policy.get"); err != nil {
		return nil, err
	}
	if version < 1 || version > int64(len(s.releases)) {
		return nil, store.ErrNotFound
	}
	return cloneRelease(s.releases[version-1])
}

func (rs releaseStore) GetActive(_ context.Context) (*model.PolicyRelease, error) {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("policy.get_active"); err != nil {
		return nil, err
	}
	for _, r := range s.releases {
		if r.IsActive {
			return cloneRelease(r)
		}
	}
	return nil, store.ErrNotFound
}

func (rs releaseStore) List(_ context.Context, limit int) ([]model.PolicyRelease, error) {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("policy.list"); err != nil {
		return nil, err
	}
	var out []model.PolicyRelease
	for i := len(s.releases) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		c, err := cloneRelease(s.releases[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (rs releaseStore) Activate(_ context.Context, version int64) error {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("policy.activate"); err != nil {
		return err
	}
	if version < 1 || version > int64(len(s.releases)) {
		return store.ErrNotFound
	}
	for _, r := range s.releases {
		r.IsActive = r.Version == version
	}
	return nil
}
