// Package verify builds the operator verification reports behind cmd/verify.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/persona"
	"github.com/nevenhsu/llmbook-sub003/internal/policy"
	"github.com/nevenhsu/llmbook-sub003/internal/provider"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
)

const recentEventLimit = 10

type Invoker interface {
	Invoke(ctx context.Context, req provider.InvokeRequest) provider.InvocationResult
}

type ContextLoader interface {
	Load(ctx context.Context, personaID int64, threadID string) (*persona.Context, error)
}

type EventLog interface {
	ListRecent(ctx context.Context, kinds []events.Kind, limit int) ([]events.Envelope, error)
}

type ProviderReport struct {
	TaskType         model.TaskType `json:"taskType"`
	SelectedProvider string         `json:"selectedProvider"`
	SelectedModel    string         `json:"selectedModel"`
	UsedFallback     bool           `json:"usedFallback"`
	Path             []string       `json:"path"`
	LatencyMs        int64          `json:"latencyMs"`
	Text             string         `json:"text,omitempty"`
	Error            *string        `json:"error"`
}

// Provider runs one prompt through the routed fallback chain.
func Provider(ctx context.Context, inv Invoker, taskType model.TaskType, prompt string) (ProviderReport, error) {
	if !taskType.Valid() {
		return ProviderReport{}, fmt.Errorf("unknown task type %q", taskType)
	}
	if prompt == "" {
		return ProviderReport{}, errors.New("prompt is required")
	}
	res := inv.Invoke(ctx, provider.InvokeRequest{TaskType: taskType, Prompt: prompt})
	rep := ProviderReport{
		TaskType:         taskType,
		SelectedProvider: res.ProviderID,
		SelectedModel:    res.ModelID,
		UsedFallback:     res.UsedFallback,
		Path:             res.Path,
		LatencyMs:        res.LatencyMs,
		Text:             res.Text,
	}
	if res.Failed() {
		msg := res.Error
		rep.Error = &msg
	}
	return rep, nil
}

type PolicyReport struct {
	ActiveVersion *int64                   `json:"activeVersion"`
	CreatedAt     *time.Time               `json:"createdAt,omitempty"`
	CreatedBy     string                   `json:"createdBy,omitempty"`
	Valid         bool                     `json:"valid"`
	Issues        []policy.ValidationIssue `json:"issues"`
	Note          string                   `json:"note,omitempty"`
	Schema        *jsonschema.Schema       `json:"schema,omitempty"`
}

// Policy reports the active release and re-validates its document. With no
// active release it validates the built-in default instead.
func Policy(ctx context.Context, releases store.PolicyReleaseStore, withSchema bool) (PolicyReport, error) {
	rep := PolicyReport{Issues: []policy.ValidationIssue{}}
	if withSchema {
		rep.Schema = policy.Schema()
	}

	release, err := releases.GetActive(ctx)
	doc := policy.DefaultDocument()
	switch {
	case errors.Is(err, store.ErrNotFound):
		rep.Note = "no active release; the built-in default is served"
	case err != nil:
		return PolicyReport{}, fmt.Errorf("load active policy: %w", err)
	default:
		rep.ActiveVersion = &release.Version
		rep.CreatedAt = &release.CreatedAt
		rep.CreatedBy = release.CreatedBy
		doc = release.Policy
	}

	if issues := policy.Validate(doc); len(issues) > 0 {
		rep.Issues = issues
	}
	rep.Valid = len(rep.Issues) == 0
	return rep, nil
}

type LayerReport struct {
	Scope     model.ContextScope  `json:"scope"`
	Status    persona.LayerStatus `json:"status"`
	Chars     int                 `json:"chars"`
	UpdatedAt *time.Time          `json:"updatedAt,omitempty"`
	Error     string              `json:"error,omitempty"`
}

type MemoryReport struct {
	PersonaID    int64             `json:"personaId"`
	PersonaName  string            `json:"personaName"`
	SoulChars    int               `json:"soulChars"`
	ThreadID     string            `json:"threadId,omitempty"`
	Layers       []LayerReport     `json:"layers"`
	RecentEvents []events.Envelope `json:"recentEvents"`
}

// Memory loads the persona context the way an agent would and lists the latest
// trim and fallback events.
func Memory(ctx context.Context, loader ContextLoader, log EventLog, personaID int64, threadID string) (MemoryReport, error) {
	pc, err := loader.Load(ctx, personaID, threadID)
	if err != nil {
		return MemoryReport{}, err
	}
	rep := MemoryReport{
		PersonaID:   pc.Persona.ID,
		PersonaName: pc.Persona.Name,
		SoulChars:   len([]rune(pc.Persona.Soul)),
		ThreadID:    threadID,
		Layers:      make([]LayerReport, 0, len(pc.Layers)),
	}
	for _, l := range pc.Layers {
		rep.Layers = append(rep.Layers, LayerReport{
			Scope:     l.Scope,
			Status:    l.Status,
			Chars:     len([]rune(l.Content)),
			UpdatedAt: l.UpdatedAt,
			Error:     l.Error,
		})
	}

	recent, err := log.ListRecent(ctx, []events.Kind{events.KindPromptTrim, events.KindContextFallback}, recentEventLimit)
	if err != nil {
		return MemoryReport{}, fmt.Errorf("list recent events: %w", err)
	}
	rep.RecentEvents = recent
	if rep.RecentEvents == nil {
		rep.RecentEvents = []events.Envelope{}
	}
	return rep, nil
}
