// Package workerstatus tracks live execution workers for the operator API.
package workerstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type State string

const (
	StateIdle    State = "idle"
	StateBusy    State = "busy"
	StateStopped State = "stopped"
)

type Status struct {
	WorkerID      string    `json:"worker_id"`
	Hostname      string    `json:"hostname,omitempty"`
	State         State     `json:"state"`
	CurrentTaskID *int64    `json:"current_task_id,omitempty"`
	Processed     int64     `json:"processed"`
	Failed        int64     `json:"failed"`
	StartedAt     time.Time `json:"started_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// Registry stores the latest status per worker. Entries vanish when a worker
// stops reporting for longer than the registry TTL.
type Registry interface {
	Report(ctx context.Context, s Status) error
	List(ctx context.Context) ([]Status, error)
	Remove(ctx context.Context, workerID string) error
}

const DefaultTTL = 90 * time.Second

type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisRegistry(client *redis.Client, prefix string, ttl time.Duration) *RedisRegistry {
	if prefix == "" {
		prefix = "governor:workers:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) Report(ctx context.Context, s Status) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal worker status: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+s.WorkerID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("report worker %s: %w", s.WorkerID, err)
	}
	return nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]Status, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan workers: %w", err)
	}
	if len(keys) == 0 {
		return []Status{}, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load workers: %w", err)
	}
	out := make([]Status, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Expired between SCAN and MGET.
			continue
		}
		var s Status
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	sortStatuses(out)
	return out, nil
}

func (r *RedisRegistry) Remove(ctx context.Context, workerID string) error {
	if err := r.client.Del(ctx, r.prefix+workerID).Err(); err != nil {
		return fmt.Errorf("remove worker %s: %w", workerID, err)
	}
	return nil
}

// MemoryRegistry is the in-process registry used by the dev server and tests.
type MemoryRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	workers map[string]Status
}

func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryRegistry{ttl: ttl, now: time.Now, workers: make(map[string]Status)}
}

func (m *MemoryRegistry) WithClock(now func() time.Time) *MemoryRegistry {
	m.now = now
	return m
}

func (m *MemoryRegistry) Report(_ context.Context, s Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.LastSeenAt = m.now()
	m.workers[s.WorkerID] = s
	return nil
}

func (m *MemoryRegistry) List(context.Context) ([]Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.ttl)
	out := make([]Status, 0, len(m.workers))
	for id, s := range m.workers {
		if s.LastSeenAt.Before(cutoff) {
			delete(m.workers, id)
			continue
		}
		out = append(out, s)
	}
	sortStatuses(out)
	return out, nil
}

func (m *MemoryRegistry) Remove(_ context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, workerID)
	return nil
}

func sortStatuses(s []Status) {
	sort.Slice(s, func(i, j int) bool { return s[i].WorkerID < s[j].WorkerID })
}
