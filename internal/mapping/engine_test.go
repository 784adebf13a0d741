package mapping

import (
	"math"
	"testing"

	"budget-sync-service/internal/models"
	"budget-sync-service/pkg/logger"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	engine.SetLogger(logger.NewNopLogger())
	return engine
}

func mappingFor(t *testing.T, result *models.MappingResult, header string) models.ColumnMapping {
	t.Helper()
	for _, m := range result.Mappings {
		if m.SourceColumn == header {
			return m
		}
	}
	t.Fatalf("no mapping for header %q (mappings: %+v)", header, result.Mappings)
	return models.ColumnMapping{}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func TestNewEngine(t *testing.T) {
	if _, err := NewEngine(nil); err != nil {
		t.Errorf("expected default config to be valid, got %v", err)
	}

	bad := DefaultConfig()
	bad.FuzzyThreshold = 1.5
	if _, err := NewEngine(bad); err == nil {
		t.Error("expected error for fuzzy threshold above 1")
	}

	if _, err := NewEngineWithDictionary(nil, Dictionary{}); err == nil {
		t.Error("expected error for empty dictionary")
	}
}

func TestClassifyShortHeaders(t *testing.T) {
	engine := newTestEngine(t)

	result := engine.Classify(
		[]string{"Dept", "FY", "Budget"},
		[][]string{{"Engineering", "FY2025", "500000"}},
		nil,
	)

	if len(result.Mappings) != 3 {
		t.Fatalf("expected 3 mappings, got %d: %+v", len(result.Mappings), result.Mappings)
	}

	expected := map[string]models.CanonicalField{
		"Dept":   models.FieldDepartment,
		"FY":     models.FieldFiscalPeriod,
		"Budget": models.FieldBudgetedAmount,
	}
	for header, field := range expected {
		m := mappingFor(t, result, header)
		if m.TargetField != field {
			t.Errorf("header %q: expected %s, got %s", header, field, m.TargetField)
		}
		if m.Confidence < 0.75 {
			t.Errorf("header %q: expected confidence >= 0.75, got %f", header, m.Confidence)
		}
	}

	if len(result.MissingRequiredFields) != 0 {
		t.Errorf("expected no missing required fields, got %v", result.MissingRequiredFields)
	}
	if result.OverallConfidence != 1.0 {
		t.Errorf("expected overall confidence 1.0, got %f", result.OverallConfidence)
	}

	budget := mappingFor(t, result, "Budget")
	if len(budget.Alternates) == 0 {
		t.Error("expected alternates for the 'Budget' header")
	}
}

func TestClassifyExactMatchIsAlwaysFullConfidence(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name    string
		headers []string
		rows    [][]string
	}{
		{
			name:    "clean values",
			headers: []string{"Department", "Fiscal Period", "Budgeted Amount", "Currency"},
			rows:    [][]string{{"Sales", "FY2025", "1000", "EUR"}},
		},
		{
			name:    "values that do not fit",
			headers: []string{"Department", "Fiscal Period", "Budgeted Amount", "Currency"},
			rows:    [][]string{{"123", "sometime", "lots", "dollars"}},
		},
		{
			name:    "underscored and padded headers",
			headers: []string{"  department_name ", "FISCAL_YEAR", "budget_amount"},
			rows:    [][]string{{"Sales", "FY2025", "1000"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := engine.Classify(tt.headers, tt.rows, nil)
			if len(result.Mappings) != len(tt.headers) {
				t.Fatalf("expected %d mappings, got %+v", len(tt.headers), result.Mappings)
			}
			for _, m := range result.Mappings {
				if m.Confidence != 1.0 {
					t.Errorf("header %q: expected confidence 1.0, got %f", m.SourceColumn, m.Confidence)
				}
			}
		})
	}
}

func TestClassifyHeaderTypoWithValueTypo(t *testing.T) {
	engine := newTestEngine(t)

	result := engine.Classify(
		[]string{"Departmnet", "Fiscal Year", "Amount"},
		[][]string{{"Enginering", "FY2025", "500000"}},
		&Options{KnownValues: map[models.CanonicalField][]string{
			models.FieldDepartment: {"Engineering", "Sales", "Marketing"},
		}},
	)

	m := mappingFor(t, result, "Departmnet")
	if m.TargetField != models.FieldDepartment {
		t.Fatalf("expected department, got %s", m.TargetField)
	}
	if !m.TypoDetected {
		t.Error("expected typo to be detected")
	}
	if m.SuggestedCorrection != "Engineering" {
		t.Errorf("expected suggestion 'Engineering', got %q", m.SuggestedCorrection)
	}
	if m.Confidence > 0.7 {
		t.Errorf("expected confidence capped at 0.7, got %f", m.Confidence)
	}
	if len(result.MissingRequiredFields) != 0 {
		t.Errorf("expected no missing required fields, got %v", result.MissingRequiredFields)
	}
}

func TestClassifyNoTypoForKnownValue(t *testing.T) {
	engine := newTestEngine(t)

	result := engine.Classify(
		[]string{"Department", "FY", "Amount"},
		[][]string{{"engineering", "FY2025", "10"}},
		&Options{KnownValues: map[models.CanonicalField][]string{
			models.FieldDepartment: {"Engineering"},
		}},
	)

	m := mappingFor(t, result, "Department")
	if m.TypoDetected {
		t.Error("case-insensitive exact value should not be a typo")
	}
	if m.Confidence != 1.0 {
		t.Errorf("expected confidence 1.0, got %f", m.Confidence)
	}
}

func TestClassifyUnmappedHeaders(t *testing.T) {
	engine := newTestEngine(t)

	result := engine.Classify(
		[]string{"Dept", "FY", "Budget", "Notes", "Owner Email"},
		[][]string{{"Engineering", "FY2025", "500000", "approved", "a@example.com"}},
		nil,
	)

	for _, header := range []string{"Notes", "Owner Email"} {
		if !contains(result.UnmappedColumns, header) {
			t.Errorf("expected %q in unmapped columns, got %v", header, result.UnmappedColumns)
		}
		for _, m := range result.Mappings {
			if m.SourceColumn == header {
				t.Errorf("header %q should not produce a mapping, got %+v", header, m)
			}
		}
	}
}

func TestClassifyMissingRequiredFields(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name     string
		headers  []string
		expected []models.CanonicalField
	}{
		{
			name:     "all present",
			headers:  []string{"Department", "Period", "Amount"},
			expected: []models.CanonicalField{},
		},
		{
			name:     "period missing",
			headers:  []string{"Department", "Amount", "Currency"},
			expected: []models.CanonicalField{models.FieldFiscalPeriod},
		},
		{
			name:     "nothing recognised",
			headers:  []string{"Foo", "Bar"},
			expected: models.RequiredFields(),
		},
		{
			name:     "no headers",
			headers:  nil,
			expected: models.RequiredFields(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := engine.Classify(tt.headers, nil, nil)
			if len(result.MissingRequiredFields) != len(tt.expected) {
				t.Fatalf("expected missing %v, got %v", tt.expected, result.MissingRequiredFields)
			}
			for i, field := range tt.expected {
				if result.MissingRequiredFields[i] != field {
					t.Errorf("expected missing %v, got %v", tt.expected, result.MissingRequiredFields)
				}
			}

			mapped := make(map[models.CanonicalField]bool)
			for _, m := range result.Mappings {
				mapped[m.TargetField] = true
			}
			for _, field := range models.RequiredFields() {
				missing := contains(fieldStrings(result.MissingRequiredFields), string(field))
				if missing == mapped[field] {
					t.Errorf("field %s: missing=%v mapped=%v", field, missing, mapped[field])
				}
			}

			if len(tt.expected) > 0 && len(result.Suggestions) == 0 {
				t.Error("expected suggestions for missing fields")
			}
			if len(result.Mappings) == 0 && result.OverallConfidence != 0 {
				t.Errorf("expected overall confidence 0 without mappings, got %f", result.OverallConfidence)
			}
		})
	}
}

func TestClassifyNoDoubleMapping(t *testing.T) {
	engine := newTestEngine(t)

	result := engine.Classify(
		[]string{"Amount", "Budget Amount", "Dept", "FY"},
		[][]string{{"10", "20", "Sales", "FY2025"}},
		nil,
	)

	seen := make(map[models.CanonicalField]string)
	for _, m := range result.Mappings {
		if prev, ok := seen[m.TargetField]; ok {
			t.Errorf("field %s mapped twice: %q and %q", m.TargetField, prev, m.SourceColumn)
		}
		seen[m.TargetField] = m.SourceColumn
	}

	if seen[models.FieldBudgetedAmount] != "Budget Amount" {
		t.Errorf("expected the longer synonym to win, got %q", seen[models.FieldBudgetedAmount])
	}
	if !contains(result.UnmappedColumns, "Amount") {
		t.Errorf("expected 'Amount' to be unmapped, got %v", result.UnmappedColumns)
	}

	// Mappings come back in header order.
	if result.Mappings[0].SourceColumn != "Budget Amount" || result.Mappings[1].SourceColumn != "Dept" {
		t.Errorf("unexpected mapping order: %+v", result.Mappings)
	}
}

func TestClassifyStrictMode(t *testing.T) {
	engine := newTestEngine(t)

	headers := []string{"Dept", "FY", "Bodgetad"}
	rows := [][]string{
		{"Engineering", "FY2025", "100"},
		{"Sales", "FY2025", "n/a"},
	}

	lenient := engine.Classify(headers, rows, nil)
	m := mappingFor(t, lenient, "Bodgetad")
	if m.TargetField != models.FieldBudgetedAmount {
		t.Fatalf("expected fuzzy match to budgetedAmount, got %s", m.TargetField)
	}
	if math.Abs(m.Confidence-0.65) > 1e-9 {
		t.Errorf("expected blended confidence 0.65, got %f", m.Confidence)
	}

	strict := engine.Classify(headers, rows, &Options{Strict: true})
	if !contains(strict.UnmappedColumns, "Bodgetad") {
		t.Errorf("expected 'Bodgetad' to be unmapped in strict mode, got %v", strict.UnmappedColumns)
	}
	if len(strict.MissingRequiredFields) != 1 || strict.MissingRequiredFields[0] != models.FieldBudgetedAmount {
		t.Errorf("expected budgetedAmount missing in strict mode, got %v", strict.MissingRequiredFields)
	}
}

func TestClassifyValueShapeBlend(t *testing.T) {
	engine := newTestEngine(t)

	// "Budget Period" contains the fiscal synonym "budget period" exactly, so
	// use a header that only matches by containment.
	result := engine.Classify(
		[]string{"Dept", "Planning Period", "Amount"},
		[][]string{{"Sales", "FY2025", "1"}, {"Ops", "FY2026", "2"}},
		nil,
	)

	m := mappingFor(t, result, "Planning Period")
	if m.TargetField != models.FieldFiscalPeriod {
		t.Fatalf("expected fiscalPeriod, got %s", m.TargetField)
	}
	// 0.6 * 0.9 + 0.4 * 1.0
	if math.Abs(m.Confidence-0.94) > 1e-9 {
		t.Errorf("expected confidence 0.94, got %f", m.Confidence)
	}
	if len(m.SampleValues) != 2 {
		t.Errorf("expected 2 sample values, got %v", m.SampleValues)
	}
}

func TestOverallConfidenceIsMean(t *testing.T) {
	engine := newTestEngine(t)

	result := engine.Classify(
		[]string{"Department", "Planning Period"},
		[][]string{{"Sales", "FY2025"}},
		nil,
	)

	total := 0.0
	for _, m := range result.Mappings {
		total += m.Confidence
	}
	want := total / float64(len(result.Mappings))
	if math.Abs(result.OverallConfidence-want) > 1e-4 {
		t.Errorf("expected overall confidence %f, got %f", want, result.OverallConfidence)
	}
}

func fieldStrings(fields []models.CanonicalField) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out
}
