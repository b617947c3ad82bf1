package eval

import (
	"math"
	"time"

	"github.com/nevenhsu/llmbook-sub003/internal/dispatcher"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/safety"
)

// Replay reason codes for simulated provider outcomes.
const (
	ReasonProviderOK    = "PROVIDER_OK"
	ReasonProviderError = "PROVIDER_ERROR"
	ReasonUsedFallback  = "PROVIDER_FALLBACK"

	defaultLatencyMs = 100
)

type CaseResult struct {
	CaseID       string   `json:"case_id"`
	Decision     Decision `json:"decision"`
	ReasonCodes  []string `json:"reason_codes"`
	ProviderPath []string `json:"provider_path,omitempty"`
	LatencyMs    int64    `json:"latency_ms"`
	Correct      bool     `json:"correct"`
}

type Metrics struct {
	Cases              int     `json:"cases"`
	MissRate           float64 `json:"miss_rate"`
	FalseInterceptRate float64 `json:"false_intercept_rate"`
	SuccessRate        float64 `json:"success_rate"`
	ErrorRate          float64 `json:"error_rate"`
	AvgLatencyMs       float64 `json:"avg_latency_ms"`
}

type VariantReport struct {
	Variant string       `json:"variant"`
	Metrics Metrics      `json:"metrics"`
	Results []CaseResult `json:"results"`
}

// CaseDiff lists a case whose decision differs between the variants.
type CaseDiff struct {
	CaseID    string      `json:"case_id"`
	Expected  Expectation `json:"expected"`
	Baseline  Decision    `json:"baseline"`
	Candidate Decision    `json:"candidate"`
}

type Report struct {
	Dataset   string        `json:"dataset"`
	Baseline  VariantReport `json:"baseline"`
	Candidate VariantReport `json:"candidate"`
	// Diff is candidate minus baseline for every metric.
	Diff    Metrics    `json:"diff"`
	Changed []CaseDiff `json:"changed"`
}

// RunReplay evaluates every case under both variants. It makes no live calls
// and returns the same report for the same inputs.
func RunReplay(ds Dataset, baseline, candidate Variant) Report {
	b := runVariant(ds, baseline)
	c := runVariant(ds, candidate)

	report := Report{
		Dataset:   ds.Name,
		Baseline:  b,
		Candidate: c,
		Diff: Metrics{
			Cases:              c.Metrics.Cases - b.Metrics.Cases,
			MissRate:           round(c.Metrics.MissRate - b.Metrics.MissRate),
			FalseInterceptRate: round(c.Metrics.FalseInterceptRate - b.Metrics.FalseInterceptRate),
			SuccessRate:        round(c.Metrics.SuccessRate - b.Metrics.SuccessRate),
			ErrorRate:          round(c.Metrics.ErrorRate - b.Metrics.ErrorRate),
			AvgLatencyMs:       round(c.Metrics.AvgLatencyMs - b.Metrics.AvgLatencyMs),
		},
		Changed: []CaseDiff{},
	}
	for i, cs := range ds.Cases {
		if b.Results[i].Decision != c.Results[i].Decision {
			report.Changed = append(report.Changed, CaseDiff{
				CaseID:    cs.ID,
				Expected:  cs.Expected,
				Baseline:  b.Results[i].Decision,
				Candidate: c.Results[i].Decision,
			})
		}
	}
	return report
}

func runVariant(ds Dataset, v Variant) VariantReport {
	now := DefaultReplayTime
	if ds.Now != nil {
		now = *ds.Now
	}
	gate := safety.NewGate(safety.ConfigFromPolicy(v.Safety))

	out := VariantReport{Variant: v.Name, Results: make([]CaseResult, 0, len(ds.Cases))}
	for _, c := range ds.Cases {
		out.Results = append(out.Results, runCase(c, v, gate, now))
	}
	out.Metrics = summarize(ds.Cases, out.Results)
	return out
}

func runCase(c Case, v Variant, gate *safety.Gate, now time.Time) CaseResult {
	res := CaseResult{CaseID: c.ID}

	decision := dispatcher.Decide(dispatcher.DecisionInput{
		Intent:        c.Intent,
		Policy:        v.Dispatcher,
		Counters:      counters(c.Counters, now),
		Persona:       resolution(c.Persona),
		RecentReplies: c.RecentReplies,
		Now:           now,
	})
	res.ReasonCodes = append(res.ReasonCodes, decision.ReasonCode)
	if !decision.Allowed {
		return finish(res, DecisionBlock, c.Expected)
	}

	if draft := draftOf(c); c.Intent.Type != model.TaskTypeVote && draft != "" {
		verdict := gate.Check(draft, safety.Context{RecentReplies: c.RecentReplies})
		if !verdict.Allowed {
			res.ReasonCodes = append(res.ReasonCodes, verdict.ReasonCode)
			return finish(res, DecisionBlock, c.Expected)
		}
	}

	targets := []string{v.Route.Primary}
	if v.Route.Secondary != "" {
		targets = append(targets, v.Route.Secondary)
	}
	for i, target := range targets {
		behavior := c.Provider[target]
		res.ProviderPath = append(res.ProviderPath, target)
		latency := behavior.LatencyMs
		if latency <= 0 {
			latency = defaultLatencyMs
		}
		res.LatencyMs += latency
		if behavior.Fail || behavior.Empty {
			continue
		}
		if i > 0 {
			res.ReasonCodes = append(res.ReasonCodes, ReasonUsedFallback)
		}
		res.ReasonCodes = append(res.ReasonCodes, ReasonProviderOK)
		return finish(res, DecisionAllow, c.Expected)
	}
	res.ReasonCodes = append(res.ReasonCodes, ReasonProviderError)
	return finish(res, DecisionError, c.Expected)
}

func finish(res CaseResult, d Decision, expected Expectation) CaseResult {
	res.Decision = d
	res.Correct = string(d) == string(expected)
	return res
}

func draftOf(c Case) string {
	if c.Draft != "" {
		return c.Draft
	}
	if c.Intent.Payload.DraftText != nil {
		return *c.Intent.Payload.DraftText
	}
	return ""
}

func counters(cc CaseCounters, now time.Time) dispatcher.Counters {
	out := dispatcher.Counters{HourlyReplyCount: cc.HourlyReplyCount}
	if cc.LastActionSecondsAgo != nil {
		last := now.Add(-time.Duration(*cc.LastActionSecondsAgo) * time.Second)
		out.LastActionOnPostAt = &last
	}
	return out
}

func resolution(p CasePersona) dispatcher.PersonaResolution {
	active := p.Active == nil || *p.Active
	return dispatcher.PersonaResolution{Resolved: active && p.ID != 0, ID: p.ID, Explicit: p.Explicit}
}

// summarize computes rates over the cases they apply to: miss rate over cases
// expected to block, false-intercept rate over cases expected to allow, and the
// provider rates and latency over cases that reached the provider.
func summarize(cases []Case, results []CaseResult) Metrics {
	var expectBlock, expectAllow, missed, intercepted, attempted, succeeded, errored int
	var latency int64
	for i, r := range results {
		switch cases[i].Expected {
		case ExpectBlock:
			expectBlock++
			if r.Decision == DecisionAllow {
				missed++
			}
		case ExpectAllow:
			expectAllow++
			if r.Decision == DecisionBlock {
				intercepted++
			}
		}
		if len(r.ProviderPath) > 0 {
			attempted++
			latency += r.LatencyMs
			if r.Decision == DecisionAllow {
				succeeded++
			} else {
				errored++
			}
		}
	}
	m := Metrics{
		Cases:              len(results),
		MissRate:           ratio(missed, expectBlock),
		FalseInterceptRate: ratio(intercepted, expectAllow),
		SuccessRate:        ratio(succeeded, attempted),
		ErrorRate:          ratio(errored, attempted),
	}
	if attempted > 0 {
		m.AvgLatencyMs = round(float64(latency) / float64(attempted))
	}
	return m
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return round(float64(n) / float64(d))
}

// round keeps metrics stable across platforms so threshold comparisons are exact.
func round(x float64) float64 {
	return math.Round(x*1e9) / 1e9
}
