package mapping

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"budget-sync-service/internal/models"
	"budget-sync-service/internal/similarity"
	"budget-sync-service/pkg/logger"
)

// Engine classifies source columns into canonical fields
type Engine struct {
	dictionary Dictionary
	config     *Config
	logger     logger.Logger
}

// NewEngine creates an engine with the default dictionary. A nil config uses
// DefaultConfig.
func NewEngine(config *Config) (*Engine, error) {
	return NewEngineWithDictionary(config, DefaultDictionary())
}

// NewEngineWithDictionary creates an engine with a custom dictionary
func NewEngineWithDictionary(config *Config, dictionary Dictionary) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mapping configuration: %w", err)
	}
	if len(dictionary) == 0 {
		return nil, fmt.Errorf("mapping dictionary cannot be empty")
	}

	return &Engine{
		dictionary: dictionary,
		config:     config,
		logger:     logger.GetGlobalLogger().WithComponent("mapping_engine"),
	}, nil
}

// SetLogger replaces the engine's logger
func (e *Engine) SetLogger(log logger.Logger) {
	e.logger = log.WithComponent("mapping_engine")
}

// candidate is one field a header could map to
type candidate struct {
	field      models.CanonicalField
	kind       MatchKind
	synonym    string
	base       float64
	confidence float64
	rationale  []string
	typo       similarity.Typo
	typoValue  string
}

// headerScore is the outcome of scoring one header against every field
type headerScore struct {
	index      int
	header     string
	samples    []string
	candidates []candidate
}

func (h *headerScore) best() candidate {
	return h.candidates[0]
}

// Classify maps headers to canonical fields using the headers themselves and
// sample rows (positional, same order as headers).
func (e *Engine) Classify(headers []string, sampleRows [][]string, opts *Options) *models.MappingResult {
	if opts == nil {
		opts = &Options{}
	}

	scores := make([]*headerScore, 0, len(headers))
	unscored := make(map[int]bool)
	for i, header := range headers {
		score := e.scoreHeader(i, header, columnSamples(sampleRows, i), opts)
		if len(score.candidates) == 0 {
			unscored[i] = true
			continue
		}
		scores = append(scores, score)
	}

	// Greedy claim: highest confidence first, longer synonym breaks ties,
	// then header order.
	ordered := make([]*headerScore, len(scores))
	copy(ordered, scores)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].best(), ordered[j].best()
		if a.confidence != b.confidence {
			return a.confidence > b.confidence
		}
		if len(a.synonym) != len(b.synonym) {
			return len(a.synonym) > len(b.synonym)
		}
		return ordered[i].index < ordered[j].index
	})

	claimed := make(map[models.CanonicalField]bool)
	accepted := make(map[int]models.ColumnMapping)
	for _, score := range ordered {
		best := score.best()
		if claimed[best.field] {
			e.logger.WithFields(logger.Fields{
				"header": score.header,
				"field":  best.field,
			}).Debug("Field already claimed by a higher-confidence column")
			unscored[score.index] = true
			continue
		}
		if opts.Strict && best.confidence < e.config.StrictThreshold {
			e.logger.WithFields(logger.Fields{
				"header":     score.header,
				"field":      best.field,
				"confidence": best.confidence,
			}).Debug("Dropping low-confidence mapping in strict mode")
			unscored[score.index] = true
			continue
		}
		claimed[best.field] = true
		accepted[score.index] = e.toMapping(score)
	}

	result := &models.MappingResult{
		Mappings:              []models.ColumnMapping{},
		UnmappedColumns:       []string{},
		MissingRequiredFields: []models.CanonicalField{},
		FieldConfidence:       make(map[models.CanonicalField]float64),
	}

	total := 0.0
	for i, header := range headers {
		if m, ok := accepted[i]; ok {
			result.Mappings = append(result.Mappings, m)
			result.FieldConfidence[m.TargetField] = m.Confidence
			total += m.Confidence
			continue
		}
		if unscored[i] {
			result.UnmappedColumns = append(result.UnmappedColumns, header)
		}
	}
	if len(result.Mappings) > 0 {
		result.OverallConfidence = total / float64(len(result.Mappings))
	}

	for _, field := range models.RequiredFields() {
		if !claimed[field] {
			result.MissingRequiredFields = append(result.MissingRequiredFields, field)
		}
	}

	result.Suggestions = e.suggestions(result)

	e.logger.WithFields(logger.Fields{
		"headers":            len(headers),
		"mapped":             len(result.Mappings),
		"unmapped":           len(result.UnmappedColumns),
		"missing_required":   result.MissingRequiredFields,
		"overall_confidence": round(result.OverallConfidence),
	}).Debug("Classified columns")

	return result
}

// scoreHeader produces every field candidate for one header, best first
func (e *Engine) scoreHeader(index int, header string, samples []string, opts *Options) *headerScore {
	score := &headerScore{index: index, header: header, samples: samples}
	normalized := normalizeHeader(header)
	if normalized == "" {
		return score
	}

	for _, def := range e.dictionary {
		c, ok := e.matchHeader(normalized, def)
		if !ok {
			continue
		}
		e.applyValueShape(&c, def, samples)
		if def.Field == models.FieldDepartment {
			e.applyTypoCheck(&c, samples, opts.KnownValues[models.FieldDepartment])
		}
		score.candidates = append(score.candidates, c)
	}

	sort.SliceStable(score.candidates, func(i, j int) bool {
		a, b := score.candidates[i], score.candidates[j]
		if a.confidence != b.confidence {
			return a.confidence > b.confidence
		}
		return len(a.synonym) > len(b.synonym)
	})
	return score
}

// matchHeader scores a normalized header against one field's synonyms.
// Exact beats containment beats fuzzy; within containment the longest
// synonym is kept as the more specific match.
func (e *Engine) matchHeader(header string, def FieldDefinition) (candidate, bool) {
	var contained string
	var fuzzySynonym string
	fuzzyBest := 0.0

	for _, synonym := range def.Synonyms {
		syn := normalizeHeader(synonym)
		if header == syn {
			return candidate{
				field:      def.Field,
				kind:       MatchExact,
				synonym:    syn,
				base:       e.config.ExactConfidence,
				confidence: e.config.ExactConfidence,
				rationale:  []string{fmt.Sprintf("exact match on synonym '%s'", syn)},
			}, true
		}

		if e.contains(header, syn) && len(syn) > len(contained) {
			contained = syn
		}

		if sim := similarity.Similarity(header, syn); sim > fuzzyBest {
			fuzzyBest = sim
			fuzzySynonym = syn
		}
	}

	if contained != "" {
		return candidate{
			field:      def.Field,
			kind:       MatchSubstring,
			synonym:    contained,
			base:       e.config.SubstringConfidence,
			confidence: e.config.SubstringConfidence,
			rationale:  []string{fmt.Sprintf("header and synonym '%s' contain one another", contained)},
		}, true
	}

	if fuzzyBest >= e.config.FuzzyThreshold {
		return candidate{
			field:      def.Field,
			kind:       MatchFuzzy,
			synonym:    fuzzySynonym,
			base:       fuzzyBest,
			confidence: fuzzyBest,
			rationale:  []string{fmt.Sprintf("fuzzy match to synonym '%s' (similarity %.2f)", fuzzySynonym, fuzzyBest)},
		}, true
	}

	return candidate{}, false
}

func (e *Engine) contains(header, synonym string) bool {
	if len(header) < e.config.MinContainmentLength || len(synonym) < e.config.MinContainmentLength {
		return false
	}
	return strings.Contains(header, synonym) || strings.Contains(synonym, header)
}

// applyValueShape blends a non-exact header score with the share of sample
// values that look like the field. Exact header matches are authoritative.
func (e *Engine) applyValueShape(c *candidate, def FieldDefinition, samples []string) {
	if def.Validator == nil || c.kind == MatchExact {
		return
	}

	nonEmpty, matched := 0, 0
	for _, v := range samples {
		if strings.TrimSpace(v) == "" {
			continue
		}
		nonEmpty++
		if def.Validator(v) {
			matched++
		}
	}
	if nonEmpty == 0 {
		return
	}

	rate := float64(matched) / float64(nonEmpty)
	if rate < e.config.MinValueMatchRate {
		c.rationale = append(c.rationale, fmt.Sprintf("only %.0f%% of sample values fit the field", rate*100))
		return
	}

	c.confidence = math.Min(1.0, c.base*e.config.HeaderWeight+rate*e.config.ValueWeight)
	c.rationale = append(c.rationale, fmt.Sprintf("%.0f%% of sample values fit the field", rate*100))
}

// applyTypoCheck compares the first non-empty sample value with the known
// values and caps confidence when it looks misspelled.
func (e *Engine) applyTypoCheck(c *candidate, samples []string, known []string) {
	if len(known) == 0 {
		return
	}

	var first string
	for _, v := range samples {
		if strings.TrimSpace(v) != "" {
			first = strings.TrimSpace(v)
			break
		}
	}
	if first == "" {
		return
	}

	typo := similarity.DetectTypo(first, known)
	if !typo.HasTypo {
		return
	}

	c.typo = typo
	c.typoValue = first
	c.confidence = math.Min(c.confidence, e.config.TypoConfidenceCap)
	c.rationale = append(c.rationale, fmt.Sprintf("value '%s' looks like a typo of '%s'", first, typo.Suggestion))
}

func (e *Engine) toMapping(score *headerScore) models.ColumnMapping {
	best := score.best()

	alternates := make([]models.CanonicalField, 0, len(score.candidates)-1)
	for _, c := range score.candidates[1:] {
		alternates = append(alternates, c.field)
	}

	samples := score.samples
	if e.config.MaxSampleValues > 0 && len(samples) > e.config.MaxSampleValues {
		samples = samples[:e.config.MaxSampleValues]
	}

	return models.ColumnMapping{
		SourceColumn:        score.header,
		TargetField:         best.field,
		Confidence:          round(best.confidence),
		Rationale:           strings.Join(best.rationale, "; "),
		SampleValues:        samples,
		Alternates:          alternates,
		TypoDetected:        best.typo.HasTypo,
		SuggestedCorrection: best.typo.Suggestion,
	}
}

func (e *Engine) suggestions(result *models.MappingResult) []string {
	var out []string

	for _, field := range result.MissingRequiredFields {
		out = append(out, fmt.Sprintf("No column found for required field '%s'; expected a header such as %s",
			field, quoteList(e.dictionary.ExampleSynonyms(field, 3))))
	}

	for _, m := range result.Mappings {
		if m.TypoDetected {
			out = append(out, fmt.Sprintf("Column '%s' has value '%s' that looks like a typo of '%s'",
				m.SourceColumn, firstOr(m.SampleValues, ""), m.SuggestedCorrection))
			continue
		}
		if m.Confidence < e.config.StrictThreshold+0.1 {
			out = append(out, fmt.Sprintf("Column '%s' mapped to '%s' with low confidence %.2f; please verify",
				m.SourceColumn, m.TargetField, m.Confidence))
		}
	}

	for _, col := range result.UnmappedColumns {
		out = append(out, fmt.Sprintf("Column '%s' was not recognised and will be ignored", col))
	}

	return out
}

// columnSamples returns the trimmed, non-empty values of column i
func columnSamples(rows [][]string, i int) []string {
	var values []string
	for _, row := range rows {
		if i >= len(row) {
			continue
		}
		if v := strings.TrimSpace(row[i]); v != "" {
			values = append(values, v)
		}
	}
	return values
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + v + "'"
	}
	return strings.Join(quoted, ", ")
}

func firstOr(values []string, fallback string) string {
	if len(values) == 0 {
		return fallback
	}
	return values[0]
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
