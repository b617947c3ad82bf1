package policy

import (
	"fmt"
	"strings"

	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

const (
	ScopeGlobal        = "global"
	scopePersonaPrefix = "persona:"
	scopeBoardPrefix   = "board:"
)

// Scope names the slice of the policy a reader wants: global, persona:<id> or board:<id>.
type Scope string

func ParseScope(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "" || raw == ScopeGlobal:
		return ScopeGlobal, nil
	case strings.HasPrefix(raw, scopePersonaPrefix) && len(raw) > len(scopePersonaPrefix):
		return Scope(raw), nil
	case strings.HasPrefix(raw, scopeBoardPrefix) && len(raw) > len(scopeBoardPrefix):
		return Scope(raw), nil
	}
	return "", fmt.Errorf("unknown policy scope %q", raw)
}

func PersonaScope(personaID int64) Scope {
	return Scope(fmt.Sprintf("%s%d", scopePersonaPrefix, personaID))
}

func BoardScope(boardID string) Scope {
	return Scope(scopeBoardPrefix + boardID)
}

func (s Scope) IsGlobal() bool {
	return s == ScopeGlobal
}

// applyOverrides merges the override registered for scope into the global dispatcher policy.
func applyOverrides(base model.DispatcherPolicy, overrides []model.PolicyOverride, scope Scope) model.DispatcherPolicy {
	if scope.IsGlobal() {
		return base
	}
	out := base
	out.BlockedIntentTypes = append([]model.TaskType(nil), base.BlockedIntentTypes...)
	for _, o := range overrides {
		if o.Scope != string(scope) {
			continue
		}
		if o.Enabled != nil {
			out.Enabled = *o.Enabled
		}
		if o.ReplyEnabled != nil {
			out.ReplyEnabled = *o.ReplyEnabled
		}
		if o.PerPersonaHourlyReplyLimit != nil {
			out.PerPersonaHourlyReplyLimit = *o.PerPersonaHourlyReplyLimit
		}
		if o.PerPostCooldownSeconds != nil {
			out.PerPostCooldownSeconds = *o.PerPostCooldownSeconds
		}
		if o.PrecheckSimilarityThreshold != nil {
			out.PrecheckSimilarityThreshold = *o.PrecheckSimilarityThreshold
		}
	}
	return out
}
