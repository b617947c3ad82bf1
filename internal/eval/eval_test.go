package eval_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nevenhsu/llmbook-sub003/internal/dispatcher"
	"github.com/nevenhsu/llmbook-sub003/internal/eval"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/safety"
)

var _ = Describe("Loading", func() {
	It("reads YAML datasets with json field names", func() {
		ds, err := eval.LoadDataset("testdata/dataset.yaml")
		Expect(err).NotTo(HaveOccurred())
		Expect(ds.Cases).To(HaveLen(4))
		Expect(ds.Cases[0].Intent.Type).To(Equal(model.TaskTypeReply))
		Expect(*ds.Cases[0].Intent.Payload.ParentText).To(Equal("What editor do you use?"))
		Expect(ds.Cases[3].Provider["primary"].Fail).To(BeTrue())
		Expect(ds.Now).NotTo(BeNil())
	})

	It("reads JSON the same way", func() {
		var v eval.Variant
		Expect(eval.Decode([]byte(`{"name":"j","dispatcher":{"enabled":true},"safety":{},"route":{"primary":"a"}}`), &v)).To(Succeed())
		Expect(v.Dispatcher.Enabled).To(BeTrue())
		Expect(v.Route.Primary).To(Equal("a"))
	})

	It("rejects unknown fields", func() {
		var v eval.Variant
		err := eval.Decode([]byte("name: x\nroutes:\n  primary: a\n"), &v)
		Expect(errors.Is(err, eval.ErrInvalidInput)).To(BeTrue())
	})

	It("validates rules", func() {
		rules, err := eval.LoadRules("testdata/rules.yaml")
		Expect(err).NotTo(HaveOccurred())
		Expect(rules).To(HaveLen(2))

		path := filepath.Join(GinkgoT().TempDir(), "bad.yaml")
		Expect(os.WriteFile(path, []byte("rules:\n  - name: x\n    metric: vibes\n    threshold: -1\n"), 0o600)).To(Succeed())
		_, err = eval.LoadRules(path)
		Expect(errors.Is(err, eval.ErrInvalidInput)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring(`unknown metric "vibes"`))
		Expect(err.Error()).To(ContainSubstring("threshold must not be negative"))
	})

	It("reports missing files", func() {
		_, err := eval.LoadVariant("testdata/missing.yaml")
		Expect(err).To(MatchError(ContainSubstring("read testdata/missing.yaml")))
	})
})

var _ = Describe("RunReplay", func() {
	var (
		ds                  *eval.Dataset
		baseline, candidate *eval.Variant
	)

	BeforeEach(func() {
		var err error
		ds, err = eval.LoadDataset("testdata/dataset.yaml")
		Expect(err).NotTo(HaveOccurred())
		baseline, err = eval.LoadVariant("testdata/baseline.yaml")
		Expect(err).NotTo(HaveOccurred())
		candidate, err = eval.LoadVariant("testdata/candidate.yaml")
		Expect(err).NotTo(HaveOccurred())
	})

	It("decides every case under the baseline", func() {
		r := eval.RunReplay(*ds, *baseline, *candidate).Baseline

		Expect(r.Results[0].Decision).To(Equal(eval.DecisionAllow))
		Expect(r.Results[0].ReasonCodes).To(Equal([]string{dispatcher.ReasonActiveOK, eval.ReasonProviderOK}))
		Expect(r.Results[1].ReasonCodes).To(Equal([]string{dispatcher.ReasonRateLimitHourly}))
		Expect(r.Results[2].ReasonCodes).To(Equal([]string{dispatcher.ReasonPrecheckSimilar}))
		Expect(r.Results[3].ProviderPath).To(Equal([]string{"primary", "secondary"}))
		Expect(r.Results[3].LatencyMs).To(Equal(int64(350)))
		Expect(r.Results[3].ReasonCodes).To(ContainElement(eval.ReasonUsedFallback))

		Expect(r.Metrics).To(Equal(eval.Metrics{
			Cases: 4, MissRate: 0, FalseInterceptRate: 0, SuccessRate: 1, ErrorRate: 0, AvgLatencyMs: 225,
		}))
	})

	It("reports what the candidate changes", func() {
		report := eval.RunReplay(*ds, *baseline, *candidate)
		c := report.Candidate

		Expect(c.Results[2].Decision).To(Equal(eval.DecisionAllow))
		Expect(c.Results[2].Correct).To(BeFalse())
		Expect(c.Results[3].Decision).To(Equal(eval.DecisionError))
		Expect(c.Metrics.MissRate).To(Equal(0.5))
		Expect(c.Metrics.ErrorRate).To(BeNumerically("~", 1.0/3, 1e-6))

		Expect(report.Diff.MissRate).To(Equal(0.5))
		Expect(report.Diff.SuccessRate).To(BeNumerically("~", -1.0/3, 1e-6))
		Expect(report.Changed).To(HaveLen(2))
		Expect(report.Changed[0]).To(Equal(eval.CaseDiff{
			CaseID: "repeated-draft", Expected: eval.ExpectBlock,
			Baseline: eval.DecisionBlock, Candidate: eval.DecisionAllow,
		}))
	})

	It("is deterministic", func() {
		first, err := json.Marshal(eval.RunReplay(*ds, *baseline, *candidate))
		Expect(err).NotTo(HaveOccurred())
		second, err := json.Marshal(eval.RunReplay(*ds, *baseline, *candidate))
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(Equal(first))
	})

	It("blocks drafts the safety gate rejects", func() {
		ds.Cases[0].Draft = "buy buy buy buy buy buy now"
		r := eval.RunReplay(*ds, *baseline, *candidate).Baseline
		Expect(r.Results[0].Decision).To(Equal(eval.DecisionBlock))
		Expect(r.Results[0].ReasonCodes).To(ContainElement(safety.ReasonSpamPattern))
		Expect(r.Metrics.FalseInterceptRate).To(Equal(0.5))
	})

	It("gates the candidate", func() {
		rules, err := eval.LoadRules("testdata/rules.yaml")
		Expect(err).NotTo(HaveOccurred())
		report := eval.RunReplay(*ds, *baseline, *candidate)

		gate := eval.EvaluateRegressionGate(report.Baseline.Metrics, report.Candidate.Metrics, rules)
		Expect(gate.Passed).To(BeFalse())
		Expect(gate.FailedRules).To(Equal([]string{"no-new-misses"}))
		Expect(gate.Rules[1].Failed).To(BeFalse())
	})
})

var _ = Describe("EvaluateRegressionGate", func() {
	DescribeTable("fails a rule only when the regression exceeds the threshold",
		func(metric eval.Metric, baseline, candidate, threshold float64, failed bool) {
			var b, c eval.Metrics
			switch metric {
			case eval.MetricMissRate:
				b.MissRate, c.MissRate = baseline, candidate
			case eval.MetricSuccessRate:
				b.SuccessRate, c.SuccessRate = baseline, candidate
			case eval.MetricAvgLatencyMs:
				b.AvgLatencyMs, c.AvgLatencyMs = baseline, candidate
			}
			gate := eval.EvaluateRegressionGate(b, c, []eval.Rule{{Name: "r", Metric: metric, Threshold: threshold}})
			Expect(gate.Rules[0].Failed).To(Equal(failed))
			Expect(gate.Passed).To(Equal(!failed))
		},
		Entry("miss rate equal to threshold", eval.MetricMissRate, 0.1, 0.2, 0.1, false),
		Entry("miss rate over threshold", eval.MetricMissRate, 0.1, 0.25, 0.1, true),
		Entry("miss rate improved", eval.MetricMissRate, 0.3, 0.0, 0.0, false),
		Entry("success drop equal to threshold", eval.MetricSuccessRate, 0.9, 0.88, 0.02, false),
		Entry("success drop over threshold", eval.MetricSuccessRate, 0.9, 0.85, 0.02, true),
		Entry("success increase", eval.MetricSuccessRate, 0.5, 0.9, 0.0, false),
		Entry("latency equal to threshold", eval.MetricAvgLatencyMs, 200.0, 450.0, 250.0, false),
		Entry("latency over threshold", eval.MetricAvgLatencyMs, 200.0, 450.5, 250.0, true),
	)

	It("passes with no rules", func() {
		Expect(eval.EvaluateRegressionGate(eval.Metrics{}, eval.Metrics{MissRate: 1}, nil).Passed).To(BeTrue())
	})
})
