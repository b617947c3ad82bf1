// Package provider routes task types to model endpoints and invokes them with
// bounded retries and a sequential primary to secondary fallback.
package provider

import (
	"errors"
	"fmt"

	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

var (
	ErrNoRoute          = errors.New("no route for scope")
	ErrUnknownModel     = errors.New("unknown model")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrProviderDisabled = errors.New("provider disabled")
)

// Target is one model endpoint. ModelID is the policy document's model id,
// not the vendor model name.
type Target struct {
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
}

func (t Target) String() string {
	return t.ProviderID + "/" + t.ModelID
}

type Route struct {
	Scope     model.RouteScope `json:"scope"`
	Primary   Target           `json:"primary"`
	Secondary *Target          `json:"secondary,omitempty"`
}

// ScopeFor maps a task type onto the routing scope that serves it.
func ScopeFor(t model.TaskType) model.RouteScope {
	switch t {
	case model.TaskTypeReply, model.TaskTypeComment:
		return model.RouteScopeComment
	case model.TaskTypePost:
		return model.RouteScopePost
	default:
		return model.RouteScopeGlobalDefault
	}
}

// Registry is an immutable route table built from one policy document.
type Registry struct {
	providers map[string]model.ProviderSpec
	models    map[string]model.ModelSpec
	routes    map[model.RouteScope]Route
}

func NewRegistry(doc model.PolicyDocument) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]model.ProviderSpec, len(doc.Providers)),
		models:    make(map[string]model.ModelSpec, len(doc.Models)),
		routes:    make(map[model.RouteScope]Route, len(doc.Routes)),
	}
	for _, p := range doc.Providers {
		r.providers[p.ID] = p
	}
	for _, m := range doc.Models {
		if _, ok := r.providers[m.ProviderID]; !ok {
			return nil, fmt.Errorf("model %s: %w %q", m.ID, ErrUnknownProvider, m.ProviderID)
		}
		r.models[m.ID] = m
	}

	for _, spec := range doc.Routes {
		primary, err := r.target(spec.PrimaryModelID)
		if err != nil {
			return nil, fmt.Errorf("route %s primary: %w", spec.Scope, err)
		}
		route := Route{Scope: spec.Scope, Primary: primary}
		if spec.FallbackModelID != nil && *spec.FallbackModelID != "" {
			secondary, err := r.target(*spec.FallbackModelID)
			if err != nil {
				return nil, fmt.Errorf("route %s fallback: %w", spec.Scope, err)
			}
			route.Secondary = &secondary
		}
		r.routes[spec.Scope] = route
	}

	if _, ok := r.routes[model.RouteScopeGlobalDefault]; !ok {
		return nil, fmt.Errorf("%w %s", ErrNoRoute, model.RouteScopeGlobalDefault)
	}
	return r, nil
}

func (r *Registry) target(modelID string) (Target, error) {
	m, ok := r.models[modelID]
	if !ok {
		return Target{}, fmt.Errorf("%w %q", ErrUnknownModel, modelID)
	}
	return Target{ProviderID: m.ProviderID, ModelID: m.ID}, nil
}

// Resolve returns the route serving taskType. A non-nil override wins once its
// targets are known to the registry. Scopes without a route use global_default.
func (r *Registry) Resolve(taskType model.TaskType, override *Route) (Route, error) {
	if override != nil {
		if err := r.check(override.Primary); err != nil {
			return Route{}, fmt.Errorf("override primary: %w", err)
		}
		if override.Secondary != nil {
			if err := r.check(*override.Secondary); err != nil {
				return Route{}, fmt.Errorf("override secondary: %w", err)
			}
		}
		out := *override
		if out.Scope == "" {
			out.Scope = ScopeFor(taskType)
		}
		return out, nil
	}

	if route, ok := r.routes[ScopeFor(taskType)]; ok {
		return route, nil
	}
	return r.routes[model.RouteScopeGlobalDefault], nil
}

func (r *Registry) check(t Target) error {
	m, ok := r.models[t.ModelID]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownModel, t.ModelID)
	}
	if m.ProviderID != t.ProviderID {
		return fmt.Errorf("model %s belongs to %s, not %s: %w", m.ID, m.ProviderID, t.ProviderID, ErrUnknownModel)
	}
	return nil
}

func (r *Registry) Route(scope model.RouteScope) (Route, bool) {
	route, ok := r.routes[scope]
	return route, ok
}

// Routes lists configured routes in scope order.
func (r *Registry) Routes() []Route {
	out := make([]Route, 0, len(r.routes))
	for _, scope := range model.RouteScopes {
		if route, ok := r.routes[scope]; ok {
			out = append(out, route)
		}
	}
	return out
}

func (r *Registry) Model(id string) (model.ModelSpec, bool) {
	m, ok := r.models[id]
	return m, ok
}

func (r *Registry) Provider(id string) (model.ProviderSpec, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// ProbeTarget picks the model used to test a provider: the one routed for
// global_default when it belongs to the provider, otherwise its first model.
func (r *Registry) ProbeTarget(providerID string) (Target, error) {
	if _, ok := r.providers[providerID]; !ok {
		return Target{}, fmt.Errorf("%w %q", ErrUnknownProvider, providerID)
	}
	if route, ok := r.routes[model.RouteScopeGlobalDefault]; ok && route.Primary.ProviderID == providerID {
		return route.Primary, nil
	}
	var best *model.ModelSpec
	for _, m := range r.models {
		if m.ProviderID != providerID {
			continue
		}
		if best == nil || m.ID < best.ID {
			m := m
			best = &m
		}
	}
	if best == nil {
		return Target{}, fmt.Errorf("provider %s has no models: %w", providerID, ErrUnknownModel)
	}
	return Target{ProviderID: providerID, ModelID: best.ID}, nil
}
