package eval

import (
	"fmt"
	"strings"
)

type Metric string

const (
	MetricMissRate           Metric = "miss_rate"
	MetricFalseInterceptRate Metric = "false_intercept_rate"
	MetricSuccessRate        Metric = "success_rate"
	MetricErrorRate          Metric = "error_rate"
	MetricAvgLatencyMs       Metric = "avg_latency_ms"
)

// Rule bounds how far one metric may regress. For success_rate a regression is
// a drop; for every other metric it is an increase.
type Rule struct {
	Name      string  `json:"name"`
	Metric    Metric  `json:"metric"`
	Threshold float64 `json:"threshold"`
}

type RuleSet struct {
	Rules []Rule `json:"rules"`
}

type RuleResult struct {
	Name       string  `json:"name"`
	Metric     Metric  `json:"metric"`
	Baseline   float64 `json:"baseline"`
	Candidate  float64 `json:"candidate"`
	Regression float64 `json:"regression"`
	Threshold  float64 `json:"threshold"`
	Failed     bool    `json:"failed"`
}

type GateResult struct {
	Passed      bool         `json:"passed"`
	FailedRules []string     `json:"failed_rules"`
	Rules       []RuleResult `json:"rules"`
}

// DefaultRules is the gate used when no rules file is given.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "no-new-misses", Metric: MetricMissRate, Threshold: 0},
		{Name: "false-intercepts", Metric: MetricFalseInterceptRate, Threshold: 0.05},
		{Name: "success-drop", Metric: MetricSuccessRate, Threshold: 0.02},
		{Name: "error-increase", Metric: MetricErrorRate, Threshold: 0.02},
		{Name: "latency-increase", Metric: MetricAvgLatencyMs, Threshold: 250},
	}
}

// EvaluateRegressionGate fails a rule when the candidate regresses from the
// baseline by strictly more than the rule's threshold. The gate passes when no
// rule fails.
func EvaluateRegressionGate(baseline, candidate Metrics, rules []Rule) GateResult {
	out := GateResult{Passed: true, FailedRules: []string{}}
	for _, r := range rules {
		b, c := metricValue(baseline, r.Metric), metricValue(candidate, r.Metric)
		regression := round(c - b)
		if r.Metric == MetricSuccessRate {
			regression = round(b - c)
		}
		failed := regression > r.Threshold
		out.Rules = append(out.Rules, RuleResult{
			Name:       r.Name,
			Metric:     r.Metric,
			Baseline:   b,
			Candidate:  c,
			Regression: regression,
			Threshold:  r.Threshold,
			Failed:     failed,
		})
		if failed {
			out.Passed = false
			out.FailedRules = append(out.FailedRules, r.Name)
		}
	}
	return out
}

func metricValue(m Metrics, metric Metric) float64 {
	switch metric {
	case MetricMissRate:
		return m.MissRate
	case MetricFalseInterceptRate:
		return m.FalseInterceptRate
	case MetricSuccessRate:
		return m.SuccessRate
	case MetricErrorRate:
		return m.ErrorRate
	case MetricAvgLatencyMs:
		return m.AvgLatencyMs
	}
	return 0
}

func validateRules(rules []Rule) error {
	var problems []string
	if len(rules) == 0 {
		problems = append(problems, "no rules")
	}
	for i, r := range rules {
		if r.Name == "" {
			problems = append(problems, fmt.Sprintf("rules[%d]: name is required", i))
		}
		switch r.Metric {
		case MetricMissRate, MetricFalseInterceptRate, MetricSuccessRate, MetricErrorRate, MetricAvgLatencyMs:
		default:
			problems = append(problems, fmt.Sprintf("rules[%d]: unknown metric %q", i, r.Metric))
		}
		if r.Threshold < 0 {
			problems = append(problems, fmt.Sprintf("rules[%d]: threshold must not be negative", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}
