// Package memstore is an in-memory implementation of the store interfaces.
// The dev worker, the verify CLI and the state machine tests run against it.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
)

// Store holds every table behind one mutex; each method is one atomic step.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex

	tasks       map[int64]*model.QueueTask
	idempotency map[string]model.IdempotencyRecord
	actions     map[int64]*model.PersonaAction
	reviews     map[int64]*model.ReviewQueueItem
	releases    []*model.PolicyRelease
	personas    map[int64]*model.Persona
	layers      map[string]model.ContextLayer
	eventLog    []events.Envelope

	// Fail, when set, is consulted before every operation and its error returned.
	Fail func(op string) error
}

var _ store.Provider = (*Store)(nil)
var _ store.TxRunner = (*Store)(nil)

func New() *Store {
	return &Store{
		tasks:       make(map[int64]*model.QueueTask),
		idempotency: make(map[string]model.IdempotencyRecord),
		actions:     make(map[int64]*model.PersonaAction),
		reviews:     make(map[int64]*model.ReviewQueueItem),
		personas:    make(map[int64]*model.Persona),
		layers:      make(map[string]model.ContextLayer),
	}
}

func (s *Store) fail(op string) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail(op)
}

func (s *Store) Tasks() store.TaskStore                   { return taskStore{s} }
func (s *Store) Idempotency() store.IdempotencyStore      { return idempotencyStore{s} }
func (s *Store) Actions() store.ActionStore               { return actionStore{s} }
func (s *Store) Reviews() store.ReviewStore               { return reviewStore{s} }
func (s *Store) PolicyReleases() store.PolicyReleaseStore { return releaseStore{s} }
func (s *Store) Personas() store.PersonaStore             { return personaStore{s} }
func (s *Store) Contexts() store.ContextStore             { return contextStore{s} }
func (s *Store) EventLogs() store.EventLogStore           { return eventLogStore{s} }

// WithTx serializes transactional callers and restores every table when fn
// returns an error, so a failed transaction leaves no partial writes behind.
func (s *Store) WithTx(ctx context.Context, fn func(stores store.Provider) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type tables struct {
	tasks       map[int64]*model.QueueTask
	idempotency map[string]model.IdempotencyRecord
	actions     map[int64]*model.PersonaAction
	reviews     map[int64]*model.ReviewQueueItem
	releases    []*model.PolicyRelease
	personas    map[int64]*model.Persona
	layers      map[string]model.ContextLayer
	eventLog    []events.Envelope
}

// snapshot copies each stored row. Rows mutated in place (tasks, actions,
// reviews, release activation) are copied by value; the rest are replaced
// wholesale on write, so copying the map is enough.
func (s *Store) snapshot() tables {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := tables{
		tasks:       make(map[int64]*model.QueueTask, len(s.tasks)),
		idempotency: make(map[string]model.IdempotencyRecord, len(s.idempotency)),
		actions:     make(map[int64]*model.PersonaAction, len(s.actions)),
		reviews:     make(map[int64]*model.ReviewQueueItem, len(s.reviews)),
		releases:    make([]*model.PolicyRelease, 0, len(s.releases)),
		personas:    make(map[int64]*model.Persona, len(s.personas)),
		layers:      make(map[string]model.ContextLayer, len(s.layers)),
		eventLog:    append([]events.Envelope(nil), s.eventLog...),
	}
	for id, task := range s.tasks {
		t.tasks[id] = cloneTask(task)
	}
	for k, rec := range s.idempotency {
		t.idempotency[k] = rec
	}
	for id, a := range s.actions {
		c := *a
		t.actions[id] = &c
	}
	for id, item := range s.reviews {
		t.reviews[id] = cloneReview(item)
	}
	for _, r := range s.releases {
		c := *r
		t.releases = append(t.releases, &c)
	}
	for id, p := range s.personas {
		t.personas[id] = p
	}
	for k, l := range s.layers {
		t.layers[k] = l
	}
	return t
}

func (s *Store) restore(t tables) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = t.tasks
	s.idempotency = t.idempotency
	s.actions = t.actions
	s.reviews = t.reviews
	s.releases = t.releases
	s.personas = t.personas
	s.layers = t.layers
	s.eventLog = t.eventLog
}

// --- Tasks ------------------------------------------------------------------

type taskStore struct{ s *Store }

func cloneTask(t *model.QueueTask) *model.QueueTask {
	c := *t
	if t.WorkerID != nil {
		w := *t.WorkerID
		c.WorkerID = &w
	}
	if t.LeaseExpiresAt != nil {
		e := *t.LeaseExpiresAt
		c.LeaseExpiresAt = &e
	}
	if t.ResultID != nil {
		r := *t.ResultID
		c.ResultID = &r
	}
	if t.LastError != nil {
		m := *t.LastError
		c.LastError = &m
	}
	if t.ReasonCode != nil {
		r := *t.ReasonCode
		c.ReasonCode = &r
	}
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	return &c
}

func (ts taskStore) CreateOrGet(_ context.Context, task *model.QueueTask) (*model.QueueTask, bool, error) {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("tasks.create"); err != nil {
		return nil, false, err
	}
	for _, t := range s.tasks {
		if t.TaskType == task.TaskType && t.IdempotencyKey == task.IdempotencyKey {
			return cloneTask(t), false, nil
		}
	}
	stored := cloneTask(task)
	stored.UpdatedAt = stored.CreatedAt
	s.tasks[stored.ID] = stored
	return cloneTask(stored), true, nil
}

func (ts taskStore) GetByID(_ context.Context, id int64) (*model.QueueTask, error) {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("tasks.get"); err != nil {
		return nil, err
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTask(t), nil
}

func (ts taskStore) ClaimNext(_ context.Context, workerID string, now, leaseExpiresAt time.Time) (*model.QueueTask, bool, error) {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("tasks.claim"); err != nil {
		return nil, false, err
	}
	var oldest *model.QueueTask
	for _, t := range s.tasks {
		if t.Status != model.TaskStatusPending {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) ||
			(t.CreatedAt.Equal(oldest.CreatedAt) && t.ID < oldest.ID) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, false, nil
	}
	w := workerID
	exp := leaseExpiresAt
	reason := model.TaskReasonClaimed
	oldest.Status = model.TaskStatusClaimed
	oldest.WorkerID = &w
	oldest.LeaseExpiresAt = &exp
	oldest.ReasonCode = &reason
	oldest.UpdatedAt = now
	return cloneTask(oldest), true, nil
}

func (ts taskStore) Update(_ context.Context, id int64, upd model.TaskUpdate) (*model.QueueTask, bool, error) {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("tasks.update"); err != nil {
		return nil, false, err
	}
	t, ok := s.tasks[id]
	if !ok || !upd.Matches(t) {
		return nil, false, nil
	}
	upd.Apply(t)
	return cloneTask(t), true, nil
}

func (ts taskStore) ListExpiredLeases(_ context.Context, now time.Time, limit int) ([]model.QueueTask, error) {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("tasks.list_expired"); err != nil {
		return nil, err
	}
	var out []model.QueueTask
	for _, t := range s.tasks {
		if t.Status.Leased() && t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now) {
			out = append(out, *cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaseExpiresAt.Before(*out[j].LeaseExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (ts taskStore) CountByStatus(_ context.Context) (model.TaskCounts, error) {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("tasks.count"); err != nil {
		return nil, err
	}
	counts := model.TaskCounts{}
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (ts taskStore) CountRecentByPersona(_ context.Context, personaID int64, types []model.TaskType, statuses []model.TaskStatus, since time.Time) (int, error) {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("tasks.count_recent"); err != nil {
		return 0, err
	}
	n := 0
	for _, t := range s.tasks {
		if t.PersonaID == personaID && containsType(types, t.TaskType) &&
			containsStatus(statuses, t.Status) && !t.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (ts taskStore) LastForPost(_ context.Context, personaID int64, postID string, statuses []model.TaskStatus) (*time.Time, error) {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("tasks.last_for_post"); err != nil {
		return nil, err
	}
	var last *time.Time
	for _, t := range s.tasks {
		if t.PersonaID != personaID || t.PostID != postID || !containsStatus(statuses, t.Status) {
			continue
		}
		if last == nil || t.CreatedAt.After(*last) {
			at := t.CreatedAt
			last = &at
		}
	}
	return last, nil
}

// --- Idempotency ------------------------------------------------------------

type idempotencyStore struct{ s *Store }

func idemKey(taskType model.TaskType, key string) string {
	return string(taskType) + "|" + key
}

func (is idempotencyStore) Get(_ context.Context, taskType model.TaskType, key string) (*model.IdempotencyRecord, error) {
	s := is.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("idempotency.get"); err != nil {
		return nil, err
	}
	rec, ok := s.idempotency[idemKey(taskType, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (is idempotencyStore) PutIfAbsent(_ context.Context, rec model.IdempotencyRecord) (*model.IdempotencyRecord, error) {
	s := is.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("idempotency.put"); err != nil {
		return nil, err
	}
	k := idemKey(rec.TaskType, rec.IdempotencyKey)
	if existing, ok := s.idempotency[k]; ok {
		return &existing, nil
	}
	s.idempotency[k] = rec
	return &rec, nil
}

// --- Actions ----------------------------------------------------------------

type actionStore struct{ s *Store }

func (as actionStore) CreateOrGet(_ context.Context, action *model.PersonaAction) (*model.PersonaAction, bool, error) {
	s := as.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("actions.create"); err != nil {
		return nil, false, err
	}
	for _, a := range s.actions {
		if a.IdempotencyKey == action.IdempotencyKey {
			c := *a
			return &c, false, nil
		}
	}
	stored := *action
	s.actions[stored.ID] = &stored
	c := stored
	return &c, true, nil
}

func (as actionStore) GetByID(_ context.Context, id int64) (*model.PersonaAction, error) {
	s := as.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("actions.get"); err != nil {
		return nil, err
	}
	a, ok := s.actions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (as actionStore) SetStatus(_ context.Context, id int64, from []model.ActionStatus, to model.ActionStatus) (bool, error) {
	s := as.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("actions.set_status"); err != nil {
		return false, err
	}
	a, ok := s.actions[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if a.Status == f {
			a.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (as actionStore) RecentTexts(_ context.Context, personaID int64, types []model.TaskType, limit int) ([]string, error) {
	s := as.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("actions.recent_texts"); err != nil {
		return nil, err
	}
	var matched []*model.PersonaAction
	for _, a := range s.actions {
		if a.PersonaID == personaID && containsType(types, a.TaskType) &&
			a.Status != model.ActionStatusDiscarded && a.Text != "" {
			matched = append(matched, a)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	texts := make([]string, len(matched))
	for i, a := range matched {
		texts[i] = a.Text
	}
	return texts, nil
}

func containsType(types []model.TaskType, t model.TaskType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func containsStatus(statuses []model.TaskStatus, st model.TaskStatus) bool {
	for _, x := range statuses {
		if x == st {
			return true
		}
	}
	return false
}
