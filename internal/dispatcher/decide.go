// Package dispatcher admits task intents into the queue. Decide is the pure
// policy gate; Dispatcher gathers its inputs and enqueues admitted intents.
package dispatcher

import (
	"time"

	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/safety"
)

// Decision reason codes, in evaluation order.
const (
	ReasonPolicyDisabled    = "POLICY_DISABLED"
	ReasonIntentTypeBlocked = "INTENT_TYPE_BLOCKED"
	ReasonNoActivePersona   = "NO_ACTIVE_PERSONA"
	ReasonRateLimitHourly   = "RATE_LIMIT_HOURLY"
	ReasonCooldownActive    = "COOLDOWN_ACTIVE"
	ReasonPrecheckSimilar   = "PRECHECK_SAFETY_SIMILAR_TO_RECENT_REPLY"
	ReasonActiveOK          = "ACTIVE_OK"
	ReasonSelectedDefault   = "SELECTED_DEFAULT"

	ReasonHeartbeatOK      = "HEARTBEAT_OK"
	ReasonValidationFailed = "VALIDATION_FAILED"
)

type Counters struct {
	// HourlyReplyCount counts the persona's reply-like tasks created in the trailing hour.
	HourlyReplyCount   int
	LastActionOnPostAt *time.Time
}

type PersonaResolution struct {
	Resolved bool
	ID       int64
	// Explicit is true when the intent named the persona; false when the default was selected.
	Explicit bool
}

type DecisionInput struct {
	Intent        model.TaskIntent
	Policy        model.DispatcherPolicy
	Counters      Counters
	Persona       PersonaResolution
	RecentReplies []string
	Now           time.Time
}

type Decision struct {
	Allowed    bool
	ReasonCode string
}

func deny(code string) Decision { return Decision{ReasonCode: code} }

// Decide runs the admission checks in order and returns the first failing one.
func Decide(in DecisionInput) Decision {
	p := in.Policy
	t := in.Intent.Type

	if !p.Enabled {
		return deny(ReasonPolicyDisabled)
	}
	if blocked(p, t) {
		return deny(ReasonIntentTypeBlocked)
	}
	if !in.Persona.Resolved {
		return deny(ReasonNoActivePersona)
	}
	if t.IsReplyLike() && p.PerPersonaHourlyReplyLimit > 0 &&
		in.Counters.HourlyReplyCount >= p.PerPersonaHourlyReplyLimit {
		return deny(ReasonRateLimitHourly)
	}
	if last := in.Counters.LastActionOnPostAt; last != nil && p.PerPostCooldownSeconds > 0 {
		if in.Now.Sub(*last) < time.Duration(p.PerPostCooldownSeconds)*time.Second {
			return deny(ReasonCooldownActive)
		}
	}
	if p.PrecheckEnabled {
		if draft := in.Intent.Payload.DraftText; draft != nil && *draft != "" && len(in.RecentReplies) > 0 {
			if safety.MaxSimilarity(*draft, in.RecentReplies) >= precheckThreshold(p) {
				return deny(ReasonPrecheckSimilar)
			}
		}
	}

	if in.Persona.Explicit {
		return Decision{Allowed: true, ReasonCode: ReasonActiveOK}
	}
	return Decision{Allowed: true, ReasonCode: ReasonSelectedDefault}
}

func blocked(p model.DispatcherPolicy, t model.TaskType) bool {
	for _, b := range p.BlockedIntentTypes {
		if b == t {
			return true
		}
	}
	return t.IsReplyLike() && !p.ReplyEnabled
}

// precheckThreshold treats an unset threshold as the safety gate default.
func precheckThreshold(p model.DispatcherPolicy) float64 {
	if p.PrecheckSimilarityThreshold <= 0 {
		return safety.DefaultSimilarityThreshold
	}
	return p.PrecheckSimilarityThreshold
}
