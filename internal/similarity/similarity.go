// Package similarity scores how alike two strings are using edit distance.
package similarity

import (
	"strings"
	"unicode/utf8"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// Similarity returns 1 - distance/maxLen for the lower-cased inputs, where
// distance is the Levenshtein distance with unit insert, delete and
// substitute costs. Two empty strings are identical.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))

	if a == b {
		return 1.0
	}

	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1.0
	}

	distance := levenshtein.DistanceForStrings([]rune(a), []rune(b), levenshtein.DefaultOptionsWithSub)
	score := 1.0 - float64(distance)/float64(maxLen)
	if score < 0 {
		return 0
	}
	return score
}

// Match is the closest candidate found by Closest
type Match struct {
	Value string
	Score float64
	Exact bool
}

// Closest returns the candidate most similar to value. Earlier candidates
// win ties. ok is false when candidates is empty.
func Closest(value string, candidates []string) (Match, bool) {
	var best Match
	found := false
	normalized := strings.ToLower(strings.TrimSpace(value))

	for _, candidate := range candidates {
		score := Similarity(value, candidate)
		if !found || score > best.Score {
			best = Match{
				Value: candidate,
				Score: score,
				Exact: normalized == strings.ToLower(strings.TrimSpace(candidate)),
			}
			found = true
		}
	}
	return best, found
}

// Typo is the result of checking a value against known-good values
type Typo struct {
	HasTypo    bool
	Suggestion string
	Score      float64
}

// TypoThreshold is the minimum similarity at which a non-exact value is
// considered a misspelling of a known value.
const TypoThreshold = 0.8

// DetectTypo flags value as a typo when its closest known value is at least
// TypoThreshold similar but not an exact (case-insensitive) match.
func DetectTypo(value string, known []string) Typo {
	match, ok := Closest(value, known)
	if !ok || match.Exact {
		return Typo{Score: match.Score}
	}
	if match.Score >= TypoThreshold && match.Score < 1.0 {
		return Typo{HasTypo: true, Suggestion: match.Value, Score: match.Score}
	}
	return Typo{Score: match.Score}
}
