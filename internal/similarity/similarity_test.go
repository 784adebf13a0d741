package similarity

import (
	"math"
	"testing"
)

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b     string
		expected float64
	}{
		{"department", "department", 1.0},
		{"Department", "  department ", 1.0},
		{"", "", 1.0},
		{"departmnet", "department", 0.8},
		{"enginering", "engineering", 1 - 1.0/11},
		{"abc", "xyz", 0},
		{"", "abc", 0},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			got := Similarity(tt.a, tt.b)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("Similarity(%q, %q) = %f, want %f", tt.a, tt.b, got, tt.expected)
			}
		})
	}
}

func TestSimilaritySymmetricAndBounded(t *testing.T) {
	pairs := [][2]string{{"budget", "budgeted amount"}, {"fy", "fiscal year"}, {"ccy", "currency"}}
	for _, p := range pairs {
		ab, ba := Similarity(p[0], p[1]), Similarity(p[1], p[0])
		if ab != ba {
			t.Errorf("similarity not symmetric for %v: %f vs %f", p, ab, ba)
		}
		if ab < 0 || ab > 1 {
			t.Errorf("similarity out of range for %v: %f", p, ab)
		}
	}
}

func TestClosest(t *testing.T) {
	known := []string{"Engineering", "Sales", "Marketing"}

	match, ok := Closest("Enginering", known)
	if !ok || match.Value != "Engineering" || match.Exact {
		t.Errorf("unexpected match %+v", match)
	}

	match, _ = Closest("sales", known)
	if !match.Exact || match.Score != 1.0 {
		t.Errorf("expected exact case-insensitive match, got %+v", match)
	}

	if _, ok := Closest("x", nil); ok {
		t.Error("expected no match for empty candidates")
	}
}

func TestDetectTypo(t *testing.T) {
	known := []string{"Engineering", "Sales", "Marketing"}

	tests := []struct {
		value      string
		hasTypo    bool
		suggestion string
	}{
		{"Enginering", true, "Engineering"},
		{"Marketng", true, "Marketing"},
		{"Engineering", false, ""},
		{"Legal", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got := DetectTypo(tt.value, known)
			if got.HasTypo != tt.hasTypo || got.Suggestion != tt.suggestion {
				t.Errorf("DetectTypo(%q) = %+v", tt.value, got)
			}
		})
	}
}
