package model

import "time"

// RouteScope is the closed set of routing scopes a policy document can carry.
type RouteScope string

const (
	RouteScopeGlobalDefault     RouteScope = "global_default"
	RouteScopePost              RouteScope = "post"
	RouteScopeComment           RouteScope = "comment"
	RouteScopeImage             RouteScope = "image"
	RouteScopePersonaGeneration RouteScope = "persona_generation"
)

var RouteScopes = []RouteScope{
	RouteScopeGlobalDefault,
	RouteScopePost,
	RouteScopeComment,
	RouteScopeImage,
	RouteScopePersonaGeneration,
}

func (s RouteScope) Valid() bool {
	for _, known := range RouteScopes {
		if s == known {
			return true
		}
	}
	return false
}

type ProviderKind string

const (
	ProviderKindOpenAI           ProviderKind = "openai"
	ProviderKindAnthropic        ProviderKind = "anthropic"
	ProviderKindOpenAICompatible ProviderKind = "openai_compatible"
	ProviderKindMock             ProviderKind = "mock"
)

func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderKindOpenAI, ProviderKindAnthropic, ProviderKindOpenAICompatible, ProviderKindMock:
		return true
	}
	return false
}

type ProviderSpec struct {
	ID      string       `json:"id" yaml:"id"`
	Kind    ProviderKind `json:"kind" yaml:"kind"`
	BaseURL string       `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Enabled bool         `json:"enabled" yaml:"enabled"`
}

type ModelSpec struct {
	ID              string   `json:"id" yaml:"id"`
	ProviderID      string   `json:"provider_id" yaml:"provider_id"`
	ModelName       string   `json:"model_name" yaml:"model_name"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

type RouteSpec struct {
	Scope           RouteScope `json:"scope" yaml:"scope"`
	PrimaryModelID  string     `json:"primary_model_id" yaml:"primary_model_id"`
	FallbackModelID *string    `json:"fallback_model_id,omitempty" yaml:"fallback_model_id,omitempty"`
}

// DispatcherPolicy holds the admission knobs evaluated per intent.
type DispatcherPolicy struct {
	Enabled                     bool       `json:"enabled" yaml:"enabled"`
	ReplyEnabled                bool       `json:"reply_enabled" yaml:"reply_enabled"`
	PrecheckEnabled             bool       `json:"precheck_enabled" yaml:"precheck_enabled"`
	PerPersonaHourlyReplyLimit  int        `json:"per_persona_hourly_reply_limit" yaml:"per_persona_hourly_reply_limit"`
	PerPostCooldownSeconds      int        `json:"per_post_cooldown_seconds" yaml:"per_post_cooldown_seconds"`
	PrecheckSimilarityThreshold float64    `json:"precheck_similarity_threshold" yaml:"precheck_similarity_threshold"`
	BlockedIntentTypes          []TaskType `json:"blocked_intent_types,omitempty" yaml:"blocked_intent_types,omitempty"`
}

type SafetyPolicy struct {
	MaxLength           int     `json:"max_length" yaml:"max_length"`
	MaxCharRun          int     `json:"max_char_run" yaml:"max_char_run"`
	MaxNgramRepeats     int     `json:"max_ngram_repeats" yaml:"max_ngram_repeats"`
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
}

type QueuePolicy struct {
	MaxRetries   int `json:"max_retries" yaml:"max_retries"`
	LeaseSeconds int `json:"lease_seconds" yaml:"lease_seconds"`
}

type ReviewPolicy struct {
	RequireReviewForPosts bool `json:"require_review_for_posts" yaml:"require_review_for_posts"`
}

// PolicyOverride narrows the dispatcher policy for one scope such as
// "persona:42" or "board:general". Nil fields inherit the global value.
type PolicyOverride struct {
	Scope                       string   `json:"scope" yaml:"scope"`
	Enabled                     *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ReplyEnabled                *bool    `json:"reply_enabled,omitempty" yaml:"reply_enabled,omitempty"`
	PerPersonaHourlyReplyLimit  *int     `json:"per_persona_hourly_reply_limit,omitempty" yaml:"per_persona_hourly_reply_limit,omitempty"`
	PerPostCooldownSeconds      *int     `json:"per_post_cooldown_seconds,omitempty" yaml:"per_post_cooldown_seconds,omitempty"`
	PrecheckSimilarityThreshold *float64 `json:"precheck_similarity_threshold,omitempty" yaml:"precheck_similarity_threshold,omitempty"`
}

type GlobalPolicyDraft struct {
	Dispatcher DispatcherPolicy `json:"dispatcher" yaml:"dispatcher"`
	Safety     SafetyPolicy     `json:"safety" yaml:"safety"`
	Queue      QueuePolicy      `json:"queue" yaml:"queue"`
	Review     ReviewPolicy     `json:"review" yaml:"review"`
	Overrides  []PolicyOverride `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// PolicyDocument is the persisted policy + routing document of a release.
type PolicyDocument struct {
	Providers         []ProviderSpec    `json:"providers" yaml:"providers"`
	Models            []ModelSpec       `json:"models" yaml:"models"`
	Routes            []RouteSpec       `json:"routes" yaml:"routes"`
	GlobalPolicyDraft GlobalPolicyDraft `json:"global_policy_draft" yaml:"global_policy_draft"`
}

func (d PolicyDocument) Route(scope RouteScope) (RouteSpec, bool) {
	for _, r := range d.Routes {
		if r.Scope == scope {
			return r, true
		}
	}
	return RouteSpec{}, false
}

func (d PolicyDocument) Model(id string) (ModelSpec, bool) {
	for _, m := range d.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelSpec{}, false
}

func (d PolicyDocument) Provider(id string) (ProviderSpec, bool) {
	for _, p := range d.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderSpec{}, false
}

type PolicyRelease struct {
	Version       int64          `json:"version"`
	Policy        PolicyDocument `json:"policy"`
	IsActive      bool           `json:"is_active"`
	CreatedAt     time.Time      `json:"created_at"`
	CreatedBy     string         `json:"created_by"`
	Note          *string        `json:"note,omitempty"`
	SourceVersion *int64         `json:"source_version,omitempty"`
}
