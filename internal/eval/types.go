// Package eval replays a fixed dataset through a baseline and a candidate
// configuration and decides whether the candidate regresses.
package eval

import (
	"fmt"
	"strings"
	"time"

	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

type Expectation string

const (
	ExpectAllow Expectation = "allow"
	ExpectBlock Expectation = "block"
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
	DecisionError Decision = "error"
)

// DefaultReplayTime anchors cooldown arithmetic when a dataset sets no clock.
var DefaultReplayTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type Dataset struct {
	Name  string     `json:"name"`
	Now   *time.Time `json:"now,omitempty"`
	Cases []Case     `json:"cases"`
}

// ProviderBehavior scripts how a provider answers within one case.
type ProviderBehavior struct {
	Fail      bool  `json:"fail,omitempty"`
	Empty     bool  `json:"empty,omitempty"`
	LatencyMs int64 `json:"latency_ms,omitempty"`
}

type CasePersona struct {
	ID       int64 `json:"id"`
	Active   *bool `json:"active,omitempty"`
	Explicit bool  `json:"explicit,omitempty"`
}

type CaseCounters struct {
	HourlyReplyCount int `json:"hourly_reply_count,omitempty"`
	// LastActionSecondsAgo is unset when the persona never acted on the post.
	LastActionSecondsAgo *int `json:"last_action_seconds_ago,omitempty"`
}

type Case struct {
	ID            string                      `json:"id"`
	Intent        model.TaskIntent            `json:"intent"`
	Persona       CasePersona                 `json:"persona"`
	Counters      CaseCounters                `json:"counters"`
	RecentReplies []string                    `json:"recent_replies,omitempty"`
	Draft         string                      `json:"draft,omitempty"`
	Expected      Expectation                 `json:"expected"`
	Provider      map[string]ProviderBehavior `json:"provider,omitempty"`
}

type RouteVariant struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
}

// Variant is one configuration under test.
type Variant struct {
	Name       string                 `json:"name"`
	Dispatcher model.DispatcherPolicy `json:"dispatcher"`
	Safety     model.SafetyPolicy     `json:"safety"`
	Route      RouteVariant           `json:"route"`
}

func (d *Dataset) validate() error {
	var problems []string
	if len(d.Cases) == 0 {
		problems = append(problems, "dataset has no cases")
	}
	seen := map[string]bool{}
	for i, c := range d.Cases {
		switch {
		case c.ID == "":
			problems = append(problems, fmt.Sprintf("cases[%d]: id is required", i))
		case seen[c.ID]:
			problems = append(problems, fmt.Sprintf("cases[%d]: duplicate id %q", i, c.ID))
		}
		seen[c.ID] = true
		if c.Expected != ExpectAllow && c.Expected != ExpectBlock {
			problems = append(problems, fmt.Sprintf("cases[%d]: expected must be allow or block", i))
		}
		if !c.Intent.Type.Valid() {
			problems = append(problems, fmt.Sprintf("cases[%d]: unknown intent type %q", i, c.Intent.Type))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

func (v *Variant) validate() error {
	if v.Name == "" {
		return fmt.Errorf("%w: variant name is required", ErrInvalidInput)
	}
	if v.Route.Primary == "" {
		return fmt.Errorf("%w: variant %s has no primary route", ErrInvalidInput, v.Name)
	}
	if v.Route.Secondary == v.Route.Primary {
		return fmt.Errorf("%w: variant %s routes secondary to its primary", ErrInvalidInput, v.Name)
	}
	return nil
}
