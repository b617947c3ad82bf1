package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

var ErrInvalidDocument = errors.New("invalid policy document")

// ValidationIssue points at one problem in a document.
type ValidationIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s (%s)", i.Path, i.Message, i.Code)
}

// ValidationError carries every issue found in a rejected document.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return fmt.Sprintf("%s: %s", ErrInvalidDocument, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidDocument
}

// Issue codes.
const (
	IssueRequired          = "REQUIRED"
	IssueDuplicate         = "DUPLICATE"
	IssueUnknownScope      = "UNKNOWN_SCOPE"
	IssueUnknownKind       = "UNKNOWN_PROVIDER_KIND"
	IssueUnknownReference  = "UNKNOWN_REFERENCE"
	IssueFallbackIsPrimary = "FALLBACK_SAME_AS_PRIMARY"
	IssueOutOfRange        = "OUT_OF_RANGE"
	IssueInvalidOverride   = "INVALID_OVERRIDE_SCOPE"
)

// Validate checks references, the closed scope set and threshold ranges.
// An empty result means the document is valid.
func Validate(doc model.PolicyDocument) []ValidationIssue {
	var v validator

	providers := make(map[string]bool, len(doc.Providers))
	for i, p := range doc.Providers {
		path := fmt.Sprintf("providers[%d]", i)
		if strings.TrimSpace(p.ID) == "" {
			v.add(path+".id", IssueRequired, "provider id is required")
			continue
		}
		if providers[p.ID] {
			v.add(path+".id", IssueDuplicate, fmt.Sprintf("provider %q declared twice", p.ID))
		}
		providers[p.ID] = true
		if !p.Kind.Valid() {
			v.add(path+".kind", IssueUnknownKind, fmt.Sprintf("unknown provider kind %q", p.Kind))
		}
		if p.Kind == model.ProviderKindOpenAICompatible && p.BaseURL == "" {
			v.add(path+".base_url", IssueRequired, "openai_compatible providers need a base_url")
		}
	}

	models := make(map[string]bool, len(doc.Models))
	for i, m := range doc.Models {
		path := fmt.Sprintf("models[%d]", i)
		if strings.TrimSpace(m.ID) == "" {
			v.add(path+".id", IssueRequired, "model id is required")
			continue
		}
		if models[m.ID] {
			v.add(path+".id", IssueDuplicate, fmt.Sprintf("model %q declared twice", m.ID))
		}
		models[m.ID] = true
		if !providers[m.ProviderID] {
			v.add(path+".provider_id", IssueUnknownReference, fmt.Sprintf("provider %q is not declared", m.ProviderID))
		}
		if m.ModelName == "" {
			v.add(path+".model_name", IssueRequired, "model_name is required")
		}
		if m.MaxOutputTokens < 0 {
			v.add(path+".max_output_tokens", IssueOutOfRange, "must not be negative")
		}
		if m.Temperature != nil && (*m.Temperature < 0 || *m.Temperature > 2) {
			v.add(path+".temperature", IssueOutOfRange, "must be within [0, 2]")
		}
	}

	scopes := make(map[model.RouteScope]bool, len(doc.Routes))
	for i, r := range doc.Routes {
		path := fmt.Sprintf("routes[%d]", i)
		if !r.Scope.Valid() {
			v.add(path+".scope", IssueUnknownScope, fmt.Sprintf("unknown scope %q", r.Scope))
		} else if scopes[r.Scope] {
			v.add(path+".scope", IssueDuplicate, fmt.Sprintf("scope %q routed twice", r.Scope))
		}
		scopes[r.Scope] = true

		if r.PrimaryModelID == "" {
			v.add(path+".primary_model_id", IssueRequired, "primary model is required")
		} else if !models[r.PrimaryModelID] {
			v.add(path+".primary_model_id", IssueUnknownReference, fmt.Sprintf("model %q is not declared", r.PrimaryModelID))
		}
		if r.FallbackModelID != nil {
			switch {
			case *r.FallbackModelID == r.PrimaryModelID:
				v.add(path+".fallback_model_id", IssueFallbackIsPrimary, "fallback must differ from primary")
			case !models[*r.FallbackModelID]:
				v.add(path+".fallback_model_id", IssueUnknownReference, fmt.Sprintf("model %q is not declared", *r.FallbackModelID))
			}
		}
	}
	if !scopes[model.RouteScopeGlobalDefault] {
		v.add("routes", IssueRequired, "a global_default route is required")
	}

	validateDraft(&v, doc.GlobalPolicyDraft)
	return v.issues
}

func validateDraft(v *validator, d model.GlobalPolicyDraft) {
	disp := d.Dispatcher
	if disp.PerPersonaHourlyReplyLimit < 0 {
		v.add("global_policy_draft.dispatcher.per_persona_hourly_reply_limit", IssueOutOfRange, "must not be negative")
	}
	if disp.PerPostCooldownSeconds < 0 {
		v.add("global_policy_draft.dispatcher.per_post_cooldown_seconds", IssueOutOfRange, "must not be negative")
	}
	if disp.PrecheckSimilarityThreshold < 0 || disp.PrecheckSimilarityThreshold > 1 {
		v.add("global_policy_draft.dispatcher.precheck_similarity_threshold", IssueOutOfRange, "must be within [0, 1]")
	}
	for i, t := range disp.BlockedIntentTypes {
		if !t.Valid() {
			v.add(fmt.Sprintf("global_policy_draft.dispatcher.blocked_intent_types[%d]", i), IssueUnknownReference, fmt.Sprintf("unknown intent type %q", t))
		}
	}

	s := d.Safety
	if s.MaxLength < 0 {
		v.add("global_policy_draft.safety.max_length", IssueOutOfRange, "must not be negative")
	}
	if s.MaxCharRun < 0 {
		v.add("global_policy_draft.safety.max_char_run", IssueOutOfRange, "must not be negative")
	}
	if s.MaxNgramRepeats < 0 {
		v.add("global_policy_draft.safety.max_ngram_repeats", IssueOutOfRange, "must not be negative")
	}
	if s.SimilarityThreshold < 0 || s.SimilarityThreshold > 1 {
		v.add("global_policy_draft.safety.similarity_threshold", IssueOutOfRange, "must be within [0, 1]")
	}

	if d.Queue.MaxRetries < 0 {
		v.add("global_policy_draft.queue.max_retries", IssueOutOfRange, "must not be negative")
	}
	if d.Queue.LeaseSeconds < 0 {
		v.add("global_policy_draft.queue.lease_seconds", IssueOutOfRange, "must not be negative")
	}

	seen := make(map[string]bool, len(d.Overrides))
	for i, o := range d.Overrides {
		path := fmt.Sprintf("global_policy_draft.overrides[%d]", i)
		scope, err := ParseScope(o.Scope)
		if err != nil || scope.IsGlobal() {
			v.add(path+".scope", IssueInvalidOverride, fmt.Sprintf("override scope %q must be persona:<id> or board:<id>", o.Scope))
			continue
		}
		if seen[o.Scope] {
			v.add(path+".scope", IssueDuplicate, fmt.Sprintf("scope %q overridden twice", o.Scope))
		}
		seen[o.Scope] = true
		if o.PerPersonaHourlyReplyLimit != nil && *o.PerPersonaHourlyReplyLimit < 0 {
			v.add(path+".per_persona_hourly_reply_limit", IssueOutOfRange, "must not be negative")
		}
		if o.PerPostCooldownSeconds != nil && *o.PerPostCooldownSeconds < 0 {
			v.add(path+".per_post_cooldown_seconds", IssueOutOfRange, "must not be negative")
		}
		if t := o.PrecheckSimilarityThreshold; t != nil && (*t < 0 || *t > 1) {
			v.add(path+".precheck_similarity_threshold", IssueOutOfRange, "must be within [0, 1]")
		}
	}
}

type validator struct {
	issues []ValidationIssue
}

func (v *validator) add(path, code, msg string) {
	v.issues = append(v.issues, ValidationIssue{Path: path, Code: code, Message: msg})
}
