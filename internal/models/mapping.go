package models

// ColumnMapping is the classification of one source column
type ColumnMapping struct {
	SourceColumn        string           `json:"sourceColumn"`
	TargetField         CanonicalField   `json:"targetField"`
	Confidence          float64          `json:"confidence"`
	Rationale           string           `json:"rationale"`
	SampleValues        []string         `json:"sampleValues"`
	Alternates          []CanonicalField `json:"alternates,omitempty"`
	TypoDetected        bool             `json:"typoDetected"`
	SuggestedCorrection string           `json:"suggestedCorrection,omitempty"`
}

// MappingResult aggregates the mappings for one file
type MappingResult struct {
	Mappings              []ColumnMapping            `json:"mappings"`
	UnmappedColumns       []string                   `json:"unmappedColumns"`
	MissingRequiredFields []CanonicalField           `json:"missingRequiredFields"`
	FieldConfidence       map[CanonicalField]float64 `json:"fieldConfidence"`
	OverallConfidence     float64                    `json:"overallConfidence"`
	Suggestions           []string                   `json:"suggestions,omitempty"`
}

// MappingFor returns the mapping targeting field, if any
func (r *MappingResult) MappingFor(field CanonicalField) (ColumnMapping, bool) {
	for _, m := range r.Mappings {
		if m.TargetField == field {
			return m, true
		}
	}
	return ColumnMapping{}, false
}

// HasAllRequired reports whether every required field is mapped
func (r *MappingResult) HasAllRequired() bool {
	return len(r.MissingRequiredFields) == 0
}

// ColumnIndex maps each mapped field to its header position.
// Fields whose source column is not in headers are left out.
func ColumnIndex(headers []string, mappings []ColumnMapping) map[CanonicalField]int {
	positions := make(map[string]int, len(headers))
	for i, h := range headers {
		if _, seen := positions[h]; !seen {
			positions[h] = i
		}
	}

	index := make(map[CanonicalField]int, len(mappings))
	for _, m := range mappings {
		if pos, ok := positions[m.SourceColumn]; ok {
			index[m.TargetField] = pos
		}
	}
	return index
}
