// Package persona loads the persona soul and its precomputed memory layers for prompt assembly.
package persona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevenhsu/llmbook-sub003/common/logger"
	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
)

var ErrPersonaNotFound = errors.New("persona not found")

type LayerStatus string

const (
	LayerLoaded   LayerStatus = "loaded"
	LayerEmpty    LayerStatus = "empty"
	LayerFallback LayerStatus = "fallback"
)

var layerScopes = []model.ContextScope{
	model.ContextScopeGlobal,
	model.ContextScopePersona,
	model.ContextScopeThread,
}

type Layer struct {
	Scope     model.ContextScope `json:"scope"`
	Status    LayerStatus        `json:"status"`
	Content   string             `json:"content,omitempty"`
	UpdatedAt *time.Time         `json:"updated_at,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Context is everything the prompt needs to speak as one persona in one thread.
type Context struct {
	Persona  model.Persona `json:"persona"`
	ThreadID string        `json:"thread_id,omitempty"`
	Layers   []Layer       `json:"layers"`
}

// Layer returns the loaded layer for scope, or an empty one.
func (c *Context) Layer(scope model.ContextScope) Layer {
	for _, l := range c.Layers {
		if l.Scope == scope {
			return l
		}
	}
	return Layer{Scope: scope, Status: LayerEmpty}
}

type ContextLoader struct {
	stores store.Provider
	sink   events.Sink
	now    func() time.Time
}

func NewContextLoader(stores store.Provider, sink events.Sink) *ContextLoader {
	return &ContextLoader{stores: stores, sink: events.Safe(sink), now: time.Now}
}

// Load reads the persona and its memory layers. The persona itself is required;
// a memory layer that cannot be read degrades to an empty layer with status fallback.
// The thread layer is skipped when threadID is empty.
func (l *ContextLoader) Load(ctx context.Context, personaID int64, threadID string) (*Context, error) {
	p, err := l.stores.Personas().GetByID(ctx, personaID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrPersonaNotFound, personaID)
		}
		return nil, fmt.Errorf("load persona: %w", err)
	}

	out := &Context{Persona: *p, ThreadID: threadID}
	for _, scope := range layerScopes {
		if scope == model.ContextScopeThread && threadID == "" {
			out.Layers = append(out.Layers, Layer{Scope: scope, Status: LayerEmpty})
			continue
		}
		out.Layers = append(out.Layers, l.loadLayer(ctx, scope, personaID, threadID))
	}
	return out, nil
}

func (l *ContextLoader) loadLayer(ctx context.Context, scope model.ContextScope, personaID int64, threadID string) Layer {
	layer, err := l.stores.Contexts().GetLayer(ctx, scope, personaID, threadID)
	switch {
	case err == nil:
		if layer.Content == "" {
			return Layer{Scope: scope, Status: LayerEmpty}
		}
		updated := layer.UpdatedAt
		return Layer{Scope: scope, Status: LayerLoaded, Content: layer.Content, UpdatedAt: &updated}
	case errors.Is(err, store.ErrNotFound):
		return Layer{Scope: scope, Status: LayerEmpty}
	}

	slog.WarnContext(logger.WithLogFields(ctx, logger.LogFields{PersonaID: &personaID}),
		"memory layer unavailable, continuing without it",
		"scope", scope,
		"error", err)
	_ = l.sink.Record(ctx, events.ContextFallbackEvent{
		PersonaID: personaID,
		Layer:     string(scope),
		Error:     err.Error(),
		At:        l.now().UTC(),
	})
	return Layer{Scope: scope, Status: LayerFallback, Error: err.Error()}
}
