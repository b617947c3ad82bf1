// Package policy is the control plane for versioned policy releases and the
// cached, degradation-tolerant view of the active policy that the runtime reads.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/safety"
)

// ErrMalformedDocument wraps decode failures of raw policy documents.
var ErrMalformedDocument = errors.New("malformed policy document")

// ParseDocument decodes a JSON or YAML policy document, rejecting unknown fields.
func ParseDocument(raw []byte) (model.PolicyDocument, error) {
	var doc model.PolicyDocument
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return doc, fmt.Errorf("%w: empty input", ErrMalformedDocument)
	}

	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return model.PolicyDocument{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		if dec.More() {
			return model.PolicyDocument{}, fmt.Errorf("%w: trailing data after document", ErrMalformedDocument)
		}
		return doc, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(trimmed))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return model.PolicyDocument{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return doc, nil
}

// Schema returns the JSON schema of a policy document.
func Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return r.Reflect(&model.PolicyDocument{})
}

const defaultProviderID = "mock"

// DefaultDocument is the built-in policy served when no release can be loaded.
// It routes every text scope to the offline mock provider.
func DefaultDocument() model.PolicyDocument {
	modelID := "mock-echo"
	return model.PolicyDocument{
		Providers: []model.ProviderSpec{
			{ID: defaultProviderID, Kind: model.ProviderKindMock, Enabled: true},
		},
		Models: []model.ModelSpec{
			{ID: modelID, ProviderID: defaultProviderID, ModelName: modelID, MaxOutputTokens: 600},
		},
		Routes: []model.RouteSpec{
			{Scope: model.RouteScopeGlobalDefault, PrimaryModelID: modelID},
			{Scope: model.RouteScopePost, PrimaryModelID: modelID},
			{Scope: model.RouteScopeComment, PrimaryModelID: modelID},
		},
		GlobalPolicyDraft: model.GlobalPolicyDraft{
			Dispatcher: model.DispatcherPolicy{
				Enabled:                     true,
				ReplyEnabled:                true,
				PrecheckEnabled:             true,
				PerPersonaHourlyReplyLimit:  10,
				PerPostCooldownSeconds:      300,
				PrecheckSimilarityThreshold: 0.9,
			},
			Safety: model.SafetyPolicy{
				MaxLength:           safety.DefaultMaxLength,
				MaxCharRun:          safety.DefaultMaxCharRun,
				MaxNgramRepeats:     safety.DefaultMaxNgramRepeats,
				SimilarityThreshold: safety.DefaultSimilarityThreshold,
			},
			Queue: model.QueuePolicy{
				MaxRetries:   3,
				LeaseSeconds: 120,
			},
		},
	}
}
