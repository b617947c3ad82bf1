// Package safety implements the rule-based content gate applied to generated text
// before it is committed as a persona action.
package safety

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

// Reason codes returned in a blocked Verdict.
const (
	ReasonEmptyText      = "SAFETY_EMPTY_TEXT"
	ReasonTooLong        = "SAFETY_TOO_LONG"
	ReasonSpamPattern    = "SAFETY_SPAM_PATTERN"
	ReasonSimilarToReply = "SAFETY_SIMILAR_TO_RECENT_REPLY"
)

const (
	DefaultMaxLength           = 2000
	DefaultMaxCharRun          = 6
	DefaultMaxNgramRepeats     = 4
	DefaultSimilarityThreshold = 0.85

	maxNgramSize = 3
)

// Config holds the gate thresholds. Zero values fall back to the defaults.
type Config struct {
	MaxLength           int
	MaxCharRun          int
	MaxNgramRepeats     int
	SimilarityThreshold float64
}

// DefaultConfig returns the built-in thresholds.
func DefaultConfig() Config {
	return Config{
		MaxLength:           DefaultMaxLength,
		MaxCharRun:          DefaultMaxCharRun,
		MaxNgramRepeats:     DefaultMaxNgramRepeats,
		SimilarityThreshold: DefaultSimilarityThreshold,
	}
}

// ConfigFromPolicy converts the safety section of a policy document.
func ConfigFromPolicy(p model.SafetyPolicy) Config {
	return Config{
		MaxLength:           p.MaxLength,
		MaxCharRun:          p.MaxCharRun,
		MaxNgramRepeats:     p.MaxNgramRepeats,
		SimilarityThreshold: p.SimilarityThreshold,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxLength <= 0 {
		c.MaxLength = d.MaxLength
	}
	if c.MaxCharRun <= 0 {
		c.MaxCharRun = d.MaxCharRun
	}
	if c.MaxNgramRepeats <= 0 {
		c.MaxNgramRepeats = d.MaxNgramRepeats
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	return c
}

// Context carries the per-check inputs.
type Context struct {
	RecentReplies []string
	// SimilarityThreshold overrides the configured threshold when set.
	SimilarityThreshold *float64
}

// Verdict is the gate outcome. ReasonCode is empty when Allowed.
type Verdict struct {
	Allowed    bool   `json:"allowed"`
	ReasonCode string `json:"reason_code,omitempty"`
}

func allow() Verdict { return Verdict{Allowed: true} }

func block(code string) Verdict { return Verdict{ReasonCode: code} }

// Gate is stateless; Check is a pure function of its inputs and safe for concurrent use.
type Gate struct {
	cfg Config
}

func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg.withDefaults()}
}

func (g *Gate) Config() Config {
	return g.cfg
}

// Check applies the rules in order; the first match wins.
func (g *Gate) Check(text string, sc Context) Verdict {
	if strings.TrimSpace(text) == "" {
		return block(ReasonEmptyText)
	}
	if utf8.RuneCountInString(text) > g.cfg.MaxLength {
		return block(ReasonTooLong)
	}
	if hasCharRun(text, g.cfg.MaxCharRun) || hasRepeatedNgram(tokenize(text), g.cfg.MaxNgramRepeats) {
		return block(ReasonSpamPattern)
	}

	threshold := g.cfg.SimilarityThreshold
	if sc.SimilarityThreshold != nil {
		threshold = *sc.SimilarityThreshold
	}
	if len(sc.RecentReplies) > 0 && MaxSimilarity(text, sc.RecentReplies) >= threshold {
		return block(ReasonSimilarToReply)
	}
	return allow()
}

// hasCharRun reports a run of the same non-space rune at least n long.
func hasCharRun(text string, n int) bool {
	var prev rune
	run := 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			run = 0
			prev = 0
			continue
		}
		if r == prev {
			run++
		} else {
			prev = r
			run = 1
		}
		if run >= n {
			return true
		}
	}
	return false
}

// hasRepeatedNgram reports a 1..3 word n-gram repeated back to back at least n times.
func hasRepeatedNgram(words []string, n int) bool {
	for size := 1; size <= maxNgramSize; size++ {
		for start := 0; start+size*n <= len(words); start++ {
			repeats := 1
			for next := start + size; next+size <= len(words); next += size {
				if !equalWords(words[start:start+size], words[next:next+size]) {
					break
				}
				repeats++
				if repeats >= n {
					return true
				}
			}
		}
	}
	return false
}

func equalWords(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
