package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
)

// Reason codes for degraded policy reads.
const (
	ReasonFallbackLastKnownGood = "POLICY_FALLBACK_LAST_KNOWN_GOOD"
	ReasonFallbackDefault       = "POLICY_FALLBACK_DEFAULT"
)

const DefaultCacheTTL = 30 * time.Second

// Source says where a resolved policy came from.
type Source string

const (
	SourceStore         Source = "store"
	SourceCache         Source = "cache"
	SourceLastKnownGood Source = "last_known_good"
	SourceDefault       Source = "default"
)

// Resolved is the policy view for one scope.
type Resolved struct {
	Scope      Scope                  `json:"scope"`
	Version    int64                  `json:"version"` // 0 for the built-in default
	Document   model.PolicyDocument   `json:"document"`
	Dispatcher model.DispatcherPolicy `json:"dispatcher"`
	Source     Source                 `json:"source"`
	ReasonCode string                 `json:"reason_code,omitempty"`
	LoadedAt   time.Time              `json:"loaded_at"`
}

func (r Resolved) Safety() model.SafetyPolicy { return r.Document.GlobalPolicyDraft.Safety }
func (r Resolved) Queue() model.QueuePolicy   { return r.Document.GlobalPolicyDraft.Queue }
func (r Resolved) Review() model.ReviewPolicy { return r.Document.GlobalPolicyDraft.Review }

// Status reports the outcome of the most recent load.
type Status struct {
	Source          Source     `json:"source"`
	ReasonCode      string     `json:"reason_code,omitempty"`
	Version         int64      `json:"version"`
	LoadedAt        time.Time  `json:"loaded_at"`
	LastLoadError   *string    `json:"last_load_error"`
	LastLoadErrorAt *time.Time `json:"last_load_error_at,omitempty"`
}

// ActiveReader is the narrow store dependency of the cache.
type ActiveReader interface {
	GetActive(ctx context.Context) (*model.PolicyRelease, error)
}

type cacheEntry struct {
	release    *model.PolicyRelease // nil when serving the built-in default
	source     Source
	reasonCode string
	loadedAt   time.Time
}

// CachedProvider serves the active policy from memory. Refreshes after the TTL
// are shared between concurrent readers. When the store fails it serves the last
// known good release, then the built-in default.
type CachedProvider struct {
	reader ActiveReader
	sink   events.Sink
	ttl    time.Duration
	now    func() time.Time
	// fallback is served when no release has ever loaded.
	fallback model.PolicyDocument

	group singleflight.Group

	mu            sync.RWMutex
	entry         *cacheEntry
	lastKnownGood *model.PolicyRelease
	lastErr       error
	lastErrAt     time.Time
}

func NewCachedProvider(reader ActiveReader, sink events.Sink, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedProvider{
		reader:   reader,
		sink:     events.Safe(sink),
		ttl:      ttl,
		now:      time.Now,
		fallback: DefaultDocument(),
	}
}

// WithDefault replaces the built-in document served before any release loads.
func (p *CachedProvider) WithDefault(doc model.PolicyDocument) *CachedProvider {
	p.fallback = doc
	return p
}

// WithClock replaces the time source.
func (p *CachedProvider) WithClock(now func() time.Time) *CachedProvider {
	p.now = now
	return p
}

// Get returns the policy for scope. It never fails; degraded reads carry a reason code.
func (p *CachedProvider) Get(ctx context.Context, scope Scope) Resolved {
	if scope == "" {
		scope = ScopeGlobal
	}

	p.mu.RLock()
	entry := p.entry
	p.mu.RUnlock()

	if entry != nil && p.now().Sub(entry.loadedAt) < p.ttl {
		source := entry.source
		if source == SourceStore {
			source = SourceCache
		}
		return p.resolve(entry, scope, source)
	}

	v, _, _ := p.group.Do("active", func() (any, error) {
		return p.refresh(ctx), nil
	})
	e := v.(*cacheEntry)
	return p.resolve(e, scope, e.source)
}

// Invalidate drops the cached entry so the next Get reloads. The last known good release is kept.
func (p *CachedProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entry = nil
}

func (p *CachedProvider) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Status{Source: SourceDefault}
	if p.entry != nil {
		st.Source = p.entry.source
		st.ReasonCode = p.entry.reasonCode
		st.LoadedAt = p.entry.loadedAt
		if p.entry.release != nil {
			st.Version = p.entry.release.Version
		}
	}
	if p.lastErr != nil {
		msg := p.lastErr.Error()
		at := p.lastErrAt
		st.LastLoadError = &msg
		st.LastLoadErrorAt = &at
	}
	return st
}

func (p *CachedProvider) refresh(ctx context.Context) *cacheEntry {
	now := p.now()
	release, err := p.load(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		p.entry = &cacheEntry{release: release, source: SourceStore, loadedAt: now}
		p.lastKnownGood = release
		p.lastErr = nil
		return p.entry
	}

	p.lastErr = err
	p.lastErrAt = now
	if p.lastKnownGood != nil {
		p.entry = &cacheEntry{
			release:    p.lastKnownGood,
			source:     SourceLastKnownGood,
			reasonCode: ReasonFallbackLastKnownGood,
			loadedAt:   now,
		}
	} else {
		p.entry = &cacheEntry{source: SourceDefault, reasonCode: ReasonFallbackDefault, loadedAt: now}
	}

	var version int64
	if p.entry.release != nil {
		version = p.entry.release.Version
	}
	slog.WarnContext(ctx, "policy load failed, serving fallback",
		"reason_code", p.entry.reasonCode, "version", version, "error", err)
	_ = p.sink.Record(ctx, events.PolicyEvent{
		Action:     events.PolicyFallback,
		Version:    version,
		ReasonCode: p.entry.reasonCode,
		Error:      err.Error(),
		At:         now.UTC(),
	})
	return p.entry
}

func (p *CachedProvider) load(ctx context.Context) (*model.PolicyRelease, error) {
	release, err := p.reader.GetActive(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no active policy release: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("load active policy: %w", err)
	}
	if issues := Validate(release.Policy); len(issues) > 0 {
		return nil, fmt.Errorf("active policy v%d: %w", release.Version, &ValidationError{Issues: issues})
	}
	return release, nil
}

func (p *CachedProvider) resolve(e *cacheEntry, scope Scope, source Source) Resolved {
	doc := p.fallback
	var version int64
	if e.release != nil {
		doc = e.release.Policy
		version = e.release.Version
	}
	return Resolved{
		Scope:      scope,
		Version:    version,
		Document:   doc,
		Dispatcher: applyOverrides(doc.GlobalPolicyDraft.Dispatcher, doc.GlobalPolicyDraft.Overrides, scope),
		Source:     source,
		ReasonCode: e.reasonCode,
		LoadedAt:   e.loadedAt,
	}
}
