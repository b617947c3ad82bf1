package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
)

type personaStore struct{ s *Store }

func (ps personaStore) GetByID(_ context.Context, id int64) (*model.Persona, error) {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("personas.get"); err != nil {
		return nil, err
	}
	p, ok := s.personas[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (ps personaStore) GetDefault(_ context.Context) (*model.Persona, error) {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("personas.get_default"); err != nil {
		return nil, err
	}
	var best *model.Persona
	for _, p := range s.personas {
		if p.IsDefault && p.IsActive && (best == nil || p.ID < best.ID) {
			best = p
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	c := *best
	return &c, nil
}

func (ps personaStore) Upsert(_ context.Context, p *model.Persona) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("personas.upsert"); err != nil {
		return err
	}
	c := *p
	s.personas[p.ID] = &c
	return nil
}

type contextStore struct{ s *Store }

func layerKey(scope model.ContextScope, personaID int64, threadID string) string {
	switch scope {
	case model.ContextScopeGlobal:
		return string(scope)
	case model.ContextScopePersona:
		return fmt.Sprintf("%s|%d", scope, personaID)
	}
	return fmt.Sprintf("%s|%d|%s", scope, personaID, threadID)
}

func (cs contextStore) GetLayer(_ context.Context, scope model.ContextScope, personaID int64, threadID string) (*model.ContextLayer, error) {
	s := cs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("contexts.get." + string(scope)); err != nil {
		return nil, err
	}
	layer, ok := s.layers[layerKey(scope, personaID, threadID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &layer, nil
}

func (cs contextStore) PutLayer(_ context.Context, personaID int64, threadID string, layer model.ContextLayer) error {
	s := cs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("contexts.put"); err != nil {
		return err
	}
	s.layers[layerKey(layer.Scope, personaID, threadID)] = layer
	return nil
}

type eventLogStore struct{ s *Store }

func (es eventLogStore) Append(_ context.Context, env events.Envelope) error {
	s := es.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("events.append"); err != nil {
		return err
	}
	s.eventLog = append(s.eventLog, env)
	return nil
}

func (es eventLogStore) ListRecent(_ context.Context, kinds []events.Kind, limit int) ([]events.Envelope, error) {
	s := es.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("events.list"); err != nil {
		return nil, err
	}
	var out []events.Envelope
	for _, env := range s.eventLog {
		if len(kinds) == 0 || containsKind(kinds, env.Kind) {
			out = append(out, env)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsKind(kinds []events.Kind, k events.Kind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}
