// Package mapping infers which canonical budget field each column of an
// arbitrary spreadsheet holds.
//
// The classifier is deterministic and explainable. Every header is scored
// against the synonym dictionary of every canonical field:
//  1. Exact synonym match scores 1.0.
//  2. Substring containment in either direction scores 0.9.
//  3. Otherwise the best edit-distance similarity is accepted when it
//     reaches the fuzzy threshold (0.75).
//  4. Non-exact header scores are blended with how many sample values fit
//     the field's value shape.
//  5. Department columns are checked for misspelled values against the
//     tenant's known departments.
//
// Each header keeps its best candidate; headers then claim fields greedily
// in confidence order so no field is mapped twice.
//
// Example usage:
//
//	engine, err := mapping.NewEngine(nil)
//	result := engine.Classify(headers, sampleRows, &mapping.Options{
//		KnownValues: map[models.CanonicalField][]string{
//			models.FieldDepartment: {"Engineering", "Sales"},
//		},
//	})
package mapping

import (
	"fmt"

	"budget-sync-service/internal/models"
)

// MatchKind describes how a header matched a synonym
type MatchKind int

const (
	// MatchExact means the normalized header equals a synonym.
	MatchExact MatchKind = iota

	// MatchSubstring means the header contains a synonym or the reverse.
	MatchSubstring

	// MatchFuzzy means the header is within edit distance of a synonym.
	MatchFuzzy
)

// String returns the string representation of MatchKind
func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchSubstring:
		return "substring"
	case MatchFuzzy:
		return "fuzzy"
	default:
		return "unknown"
	}
}

// Config holds the scoring constants of the classifier
type Config struct {
	ExactConfidence     float64 `json:"exact_confidence"`
	SubstringConfidence float64 `json:"substring_confidence"`
	FuzzyThreshold      float64 `json:"fuzzy_threshold"`

	// HeaderWeight and ValueWeight blend a non-exact header score with the
	// sample value match rate once MinValueMatchRate is reached.
	HeaderWeight      float64 `json:"header_weight"`
	ValueWeight       float64 `json:"value_weight"`
	MinValueMatchRate float64 `json:"min_value_match_rate"`

	TypoConfidenceCap float64 `json:"typo_confidence_cap"`
	StrictThreshold   float64 `json:"strict_threshold"`

	// Synonyms or headers shorter than this never match by containment,
	// otherwise "fy" would match any header containing those letters.
	MinContainmentLength int `json:"min_containment_length"`

	// MaxSampleValues bounds the sample values kept on each mapping.
	MaxSampleValues int `json:"max_sample_values"`
}

// DefaultConfig returns the scoring constants the classifier is tuned for
func DefaultConfig() *Config {
	return &Config{
		ExactConfidence:      1.0,
		SubstringConfidence:  0.9,
		FuzzyThreshold:       0.75,
		HeaderWeight:         0.6,
		ValueWeight:          0.4,
		MinValueMatchRate:    0.5,
		TypoConfidenceCap:    0.7,
		StrictThreshold:      0.7,
		MinContainmentLength: 3,
		MaxSampleValues:      5,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	for name, v := range map[string]float64{
		"exact confidence":     c.ExactConfidence,
		"substring confidence": c.SubstringConfidence,
		"fuzzy threshold":      c.FuzzyThreshold,
		"header weight":        c.HeaderWeight,
		"value weight":         c.ValueWeight,
		"min value match rate": c.MinValueMatchRate,
		"typo confidence cap":  c.TypoConfidenceCap,
		"strict threshold":     c.StrictThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, v)
		}
	}

	if c.HeaderWeight+c.ValueWeight > 1.0001 {
		return fmt.Errorf("header weight and value weight must sum to at most 1, got %f", c.HeaderWeight+c.ValueWeight)
	}

	if c.MinContainmentLength < 1 {
		return fmt.Errorf("min containment length must be positive, got %d", c.MinContainmentLength)
	}

	if c.MaxSampleValues < 0 {
		return fmt.Errorf("max sample values cannot be negative, got %d", c.MaxSampleValues)
	}

	return nil
}

// Options tunes one Classify call
type Options struct {
	// KnownValues lists accepted values per field. Only department values
	// are checked for typos.
	KnownValues map[models.CanonicalField][]string

	// Strict drops accepted mappings below the strict threshold.
	Strict bool
}
