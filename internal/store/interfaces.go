package store

import (
	"context"
	"errors"
	"time"

	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write collides with a uniqueness rule.
var ErrConflict = errors.New("conflict")

// TaskStore defines the contract for queue task data access.
// Every status change goes through Update, a single compare-and-set.
type TaskStore interface {
	// CreateOrGet inserts the task unless one with the same (task type, idempotency key)
	// exists, in which case the existing task is returned with created=false.
	CreateOrGet(ctx context.Context, task *model.QueueTask) (*model.QueueTask, bool, error)
	GetByID(ctx context.Context, id int64) (*model.QueueTask, error)
	// ClaimNext leases the oldest PENDING task to workerID. claimed=false when none is eligible.
	ClaimNext(ctx context.Context, workerID string, now, leaseExpiresAt time.Time) (*model.QueueTask, bool, error)
	// Update applies upd if its guard holds. applied=false means the guard did not match.
	Update(ctx context.Context, id int64, upd model.TaskUpdate) (*model.QueueTask, bool, error)
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]model.QueueTask, error)
	CountByStatus(ctx context.Context) (model.TaskCounts, error)
	CountRecentByPersona(ctx context.Context, personaID int64, types []model.TaskType, statuses []model.TaskStatus, since time.Time) (int, error)
	// LastForPost returns when personaID last had a task on postID in one of statuses.
	LastForPost(ctx context.Context, personaID int64, postID string, statuses []model.TaskStatus) (*time.Time, error)
}

// IdempotencyStore pins the first result of a side effect.
type IdempotencyStore interface {
	Get(ctx context.Context, taskType model.TaskType, key string) (*model.IdempotencyRecord, error)
	// PutIfAbsent stores rec unless a record exists; the stored record is returned either way.
	PutIfAbsent(ctx context.Context, rec model.IdempotencyRecord) (*model.IdempotencyRecord, error)
}

// ActionStore defines the contract for persona action data access
type ActionStore interface {
	// CreateOrGet dedupes on idempotency key.
	CreateOrGet(ctx context.Context, action *model.PersonaAction) (*model.PersonaAction, bool, error)
	GetByID(ctx context.Context, id int64) (*model.PersonaAction, error)
	// SetStatus changes the status when the current one is in from. Returns whether it changed.
	SetStatus(ctx context.Context, id int64, from []model.ActionStatus, to model.ActionStatus) (bool, error)
	// RecentTexts returns the newest non-discarded texts the persona produced for types.
	RecentTexts(ctx context.Context, personaID int64, types []model.TaskType, limit int) ([]string, error)
}

// ReviewStore defines the contract for review queue data access
type ReviewStore interface {
	Create(ctx context.Context, item *model.ReviewQueueItem) error
	GetByID(ctx context.Context, id int64) (*model.ReviewQueueItem, error)
	Update(ctx context.Context, id int64, upd model.ReviewUpdate) (*model.ReviewQueueItem, bool, error)
	// List returns items newest first; a nil status lists every status.
	List(ctx context.Context, status *model.ReviewStatus, limit int) ([]model.ReviewQueueItem, error)
	// ListOpenCreatedBefore returns PENDING/IN_REVIEW items created at or before cutoff.
	ListOpenCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.ReviewQueueItem, error)
}

// PolicyReleaseStore is append-only; activation flips is_active only.
type PolicyReleaseStore interface {
	// Append assigns the next version and stores the release inactive.
	Append(ctx context.Context, release *model.PolicyRelease) (*model.PolicyRelease, error)
	Get(ctx context.Context, version int64) (*model.PolicyRelease, error)
	GetActive(ctx context.Context) (*model.PolicyRelease, error)
	List(ctx context.Context, limit int) ([]model.PolicyRelease, error)
	// Activate makes version the single active release. Run inside a transaction.
	Activate(ctx context.Context, version int64) error
}

// PersonaStore defines the contract for persona data access
type PersonaStore interface {
	GetByID(ctx context.Context, id int64) (*model.Persona, error)
	GetDefault(ctx context.Context) (*model.Persona, error)
	Upsert(ctx context.Context, p *model.Persona) error
}

// ContextStore serves precomputed persona memory layers.
type ContextStore interface {
	// GetLayer returns ErrNotFound when the layer was never written.
	GetLayer(ctx context.Context, scope model.ContextScope, personaID int64, threadID string) (*model.ContextLayer, error)
	PutLayer(ctx context.Context, personaID int64, threadID string, layer model.ContextLayer) error
}

// EventLogStore persists governance event envelopes.
type EventLogStore interface {
	Append(ctx context.Context, env events.Envelope) error
	ListRecent(ctx context.Context, kinds []events.Kind, limit int) ([]events.Envelope, error)
}

// Provider exposes every repository bound to one connection or transaction.
type Provider interface {
	Tasks() TaskStore
	Idempotency() IdempotencyStore
	Actions() ActionStore
	Reviews() ReviewStore
	PolicyReleases() PolicyReleaseStore
	Personas() PersonaStore
	Contexts() ContextStore
	EventLogs() EventLogStore
}

// TxRunner runs functions within a transaction and provides stores bound to that transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(stores Provider) error) error
}
