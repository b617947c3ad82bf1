package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nevenhsu/llmbook-sub003/common/logger"
	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
)

var (
	ErrActorRequired   = errors.New("actor id is required")
	ErrReleaseNotFound = errors.New("policy release not found")
)

const defaultListLimit = 50

// Service owns release creation and activation. Releases are append-only:
// a rollback writes a new release copied from history.
type Service struct {
	stores store.Provider
	tx     store.TxRunner
	sink   events.Sink
	now    func() time.Time

	mu        sync.Mutex
	listeners []func()
}

func NewService(stores store.Provider, tx store.TxRunner, sink events.Sink) *Service {
	return &Service{
		stores: stores,
		tx:     tx,
		sink:   events.Safe(sink),
		now:    time.Now,
	}
}

// OnChange registers fn to run after the active release changes.
func (s *Service) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) changed() {
	s.mu.Lock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// CreateDraft validates doc and stores it as a new inactive release.
func (s *Service) CreateDraft(ctx context.Context, doc model.PolicyDocument, authorID, note string) (*model.PolicyRelease, error) {
	if strings.TrimSpace(authorID) == "" {
		return nil, ErrActorRequired
	}
	if issues := Validate(doc); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	release, err := s.stores.PolicyReleases().Append(ctx, &model.PolicyRelease{
		Policy:    doc,
		CreatedAt: s.now().UTC(),
		CreatedBy: authorID,
		Note:      optional(note),
	})
	if err != nil {
		return nil, fmt.Errorf("append policy release: %w", err)
	}

	slog.InfoContext(withVersion(ctx, release.Version), "policy draft created", "author_id", authorID)
	s.record(ctx, events.PolicyEvent{Action: events.PolicyDraftCreated, Version: release.Version, ActorID: authorID})
	return release, nil
}

// Promote makes an existing release the single active one.
func (s *Service) Promote(ctx context.Context, version int64, authorID, note string) (*model.PolicyRelease, error) {
	if strings.TrimSpace(authorID) == "" {
		return nil, ErrActorRequired
	}

	var (
		promoted      *model.PolicyRelease
		alreadyActive bool
	)
	err := s.tx.WithTx(ctx, func(stores store.Provider) error {
		release, err := s.load(ctx, stores, version)
		if err != nil {
			return err
		}
		if release.IsActive {
			promoted, alreadyActive = release, true
			return nil
		}
		if issues := Validate(release.Policy); len(issues) > 0 {
			return &ValidationError{Issues: issues}
		}
		if err := stores.PolicyReleases().Activate(ctx, version); err != nil {
			return fmt.Errorf("activate policy release %d: %w", version, err)
		}
		release.IsActive = true
		promoted = release
		return nil
	})
	if err != nil {
		return nil, err
	}
	if alreadyActive {
		return promoted, nil
	}

	slog.InfoContext(withVersion(ctx, version), "policy release promoted", "author_id", authorID, "note", note)
	s.record(ctx, events.PolicyEvent{Action: events.PolicyPromoted, Version: version, ActorID: authorID})
	s.changed()
	return promoted, nil
}

// Rollback copies the document of a historical release into a new release and activates it.
func (s *Service) Rollback(ctx context.Context, version int64, authorID, note string) (*model.PolicyRelease, error) {
	if strings.TrimSpace(authorID) == "" {
		return nil, ErrActorRequired
	}
	if note == "" {
		note = fmt.Sprintf("rollback to v%d", version)
	}

	var restored *model.PolicyRelease
	err := s.tx.WithTx(ctx, func(stores store.Provider) error {
		source, err := s.load(ctx, stores, version)
		if err != nil {
			return err
		}
		sourceVersion := source.Version
		release, err := stores.PolicyReleases().Append(ctx, &model.PolicyRelease{
			Policy:        source.Policy,
			CreatedAt:     s.now().UTC(),
			CreatedBy:     authorID,
			Note:          optional(note),
			SourceVersion: &sourceVersion,
		})
		if err != nil {
			return fmt.Errorf("append rollback release: %w", err)
		}
		if err := stores.PolicyReleases().Activate(ctx, release.Version); err != nil {
			return fmt.Errorf("activate policy release %d: %w", release.Version, err)
		}
		release.IsActive = true
		restored = release
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(withVersion(ctx, restored.Version), "policy rolled back",
		"author_id", authorID, "source_version", version)
	s.record(ctx, events.PolicyEvent{
		Action:        events.PolicyRolledBack,
		Version:       restored.Version,
		SourceVersion: restored.SourceVersion,
		ActorID:       authorID,
	})
	s.changed()
	return restored, nil
}

func (s *Service) List(ctx context.Context, limit int) ([]model.PolicyRelease, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	releases, err := s.stores.PolicyReleases().List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list policy releases: %w", err)
	}
	return releases, nil
}

func (s *Service) Get(ctx context.Context, version int64) (*model.PolicyRelease, error) {
	return s.load(ctx, s.stores, version)
}

// Active returns the active release, ErrReleaseNotFound when none was promoted yet.
func (s *Service) Active(ctx context.Context) (*model.PolicyRelease, error) {
	release, err := s.stores.PolicyReleases().GetActive(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrReleaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active policy release: %w", err)
	}
	return release, nil
}

func (s *Service) load(ctx context.Context, stores store.Provider, version int64) (*model.PolicyRelease, error) {
	release, err := stores.PolicyReleases().Get(ctx, version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: version %d", ErrReleaseNotFound, version)
	}
	if err != nil {
		return nil, fmt.Errorf("get policy release %d: %w", version, err)
	}
	return release, nil
}

func (s *Service) record(ctx context.Context, e events.PolicyEvent) {
	e.At = s.now().UTC()
	_ = s.sink.Record(ctx, e)
}

func withVersion(ctx context.Context, version int64) context.Context {
	return logger.WithLogFields(ctx, logger.LogFields{PolicyVersion: &version})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
