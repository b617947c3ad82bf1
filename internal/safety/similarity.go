package safety

import (
	"strings"
	"unicode"
)

// Similarity returns the Jaccard coefficient of the two texts' feature sets,
// where features are normalized word tokens plus character trigrams.
// It is symmetric, 1.0 for identical texts (including two empty ones)
// and 0.0 for texts with nothing in common.
func Similarity(a, b string) float64 {
	fa, fb := features(a), features(b)
	if len(fa) == 0 && len(fb) == 0 {
		return 1.0
	}
	if len(fa) == 0 || len(fb) == 0 {
		return 0.0
	}

	small, large := fa, fb
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for f := range small {
		if _, ok := large[f]; ok {
			inter++
		}
	}
	union := len(fa) + len(fb) - inter
	return float64(inter) / float64(union)
}

// MaxSimilarity is the highest Similarity between text and any candidate, 0 when there are none.
func MaxSimilarity(text string, candidates []string) float64 {
	best := 0.0
	for _, c := range candidates {
		if s := Similarity(text, c); s > best {
			best = s
		}
	}
	return best
}

func features(text string) map[string]struct{} {
	words := tokenize(text)
	set := make(map[string]struct{}, len(words)*4)
	for _, w := range words {
		set["w:"+w] = struct{}{}
	}

	runes := []rune(strings.Join(words, " "))
	for i := 0; i+3 <= len(runes); i++ {
		set["c:"+string(runes[i:i+3])] = struct{}{}
	}
	return set
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
