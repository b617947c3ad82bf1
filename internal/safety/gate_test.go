package safety_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/safety"
)

var _ = Describe("Gate", func() {
	var gate *safety.Gate

	BeforeEach(func() {
		gate = safety.NewGate(safety.DefaultConfig())
	})

	DescribeTable("rule ordering",
		func(text string, recent []string, expected string) {
			v := gate.Check(text, safety.Context{RecentReplies: recent})
			if expected == "" {
				Expect(v.Allowed).To(BeTrue())
				Expect(v.ReasonCode).To(BeEmpty())
				return
			}
			Expect(v.Allowed).To(BeFalse())
			Expect(v.ReasonCode).To(Equal(expected))
		},
		Entry("empty", "", nil, safety.ReasonEmptyText),
		Entry("whitespace only", "  \n\t ", nil, safety.ReasonEmptyText),
		Entry("too long", strings.Repeat("ab ", 700)+"x", nil, safety.ReasonTooLong),
		Entry("char run", "this is looooooool", nil, safety.ReasonSpamPattern),
		Entry("repeated word", "buy buy buy buy now", nil, safety.ReasonSpamPattern),
		Entry("repeated bigram", "click here click here click here click here", nil, safety.ReasonSpamPattern),
		Entry("similar to recent reply", "I think the ending was great", []string{"I think the ending was great!"}, safety.ReasonSimilarToReply),
		Entry("normal reply", "Good point about the pacing in chapter two.", []string{"Totally unrelated answer here."}, ""),
		Entry("three repeats is fine", "no no no, that is wrong", nil, ""),
	)

	It("prefers TOO_LONG over SPAM_PATTERN when both match", func() {
		v := gate.Check(strings.Repeat("a", 2001), safety.Context{})
		Expect(v.ReasonCode).To(Equal(safety.ReasonTooLong))
	})

	It("counts runes rather than bytes for the length limit", func() {
		text := strings.Repeat("日本 ", 666) + "日本"
		Expect(len([]rune(text))).To(Equal(2000))
		Expect(gate.Check(text, safety.Context{}).ReasonCode).NotTo(Equal(safety.ReasonTooLong))
	})

	It("honours a per-check similarity threshold", func() {
		threshold := 0.99
		v := gate.Check("the ending was great", safety.Context{
			RecentReplies:       []string{"the ending was really great"},
			SimilarityThreshold: &threshold,
		})
		Expect(v.Allowed).To(BeTrue())
	})

	It("is monotone in MaxLength", func() {
		text := strings.Repeat("word ", 50)
		tight := safety.NewGate(safety.Config{MaxLength: 100})
		loose := safety.NewGate(safety.Config{MaxLength: 1000})
		Expect(tight.Check(text, safety.Context{}).Allowed).To(BeFalse())
		Expect(loose.Check(text, safety.Context{}).ReasonCode).NotTo(Equal(safety.ReasonTooLong))
	})

	It("fills unset policy values with defaults", func() {
		cfg := safety.ConfigFromPolicy(model.SafetyPolicy{MaxLength: 500})
		Expect(cfg.MaxLength).To(Equal(500))
		Expect(cfg.MaxCharRun).To(Equal(safety.DefaultMaxCharRun))
		Expect(cfg.SimilarityThreshold).To(Equal(safety.DefaultSimilarityThreshold))
	})
})

var _ = Describe("Similarity", func() {
	It("is 1.0 for identical texts", func() {
		Expect(safety.Similarity("hello world", "hello world")).To(Equal(1.0))
		Expect(safety.Similarity("", "")).To(Equal(1.0))
	})

	It("is 0.0 for disjoint vocabularies", func() {
		Expect(safety.Similarity("abc def", "xyz uvw")).To(Equal(0.0))
	})

	It("is symmetric", func() {
		a, b := "the quick brown fox", "a quick brown dog"
		Expect(safety.Similarity(a, b)).To(Equal(safety.Similarity(b, a)))
	})

	It("ignores case and punctuation", func() {
		Expect(safety.Similarity("Hello, World!", "hello world")).To(Equal(1.0))
	})

	It("stays within [0, 1]", func() {
		s := safety.Similarity("partly the same words", "the same words differ")
		Expect(s).To(BeNumerically(">", 0))
		Expect(s).To(BeNumerically("<", 1))
	})
})
