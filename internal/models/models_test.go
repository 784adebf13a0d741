package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{"500000", "500000", false},
		{"1,250,000.50", "1250000.5", false},
		{"$ 12,000", "12000", false},
		{"€900", "900", false},
		{"(1,000)", "-1000", false},
		{"5E5", "500000", false},
		{"", "", true},
		{"twelve", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestDetectPeriodFormat(t *testing.T) {
	tests := []struct {
		period string
		format PeriodFormat
		year   int
		ok     bool
	}{
		{"FY2025", PeriodFYLong, 2025, true},
		{"fy25", PeriodFYShort, 2025, true},
		{"Q3-2025", PeriodQuarterYear, 2025, true},
		{"FY2026-Q1", PeriodFYQuarter, 2026, true},
		{"2025-Q4", PeriodYearQuarter, 2025, true},
		{" 2027 ", PeriodPlainYear, 2027, true},
		{"March 2025", "", 0, false},
		{"Q5-2025", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			format, ok := DetectPeriodFormat(tt.period)
			if ok != tt.ok || format != tt.format {
				t.Errorf("DetectPeriodFormat(%q) = %q, %v; want %q, %v", tt.period, format, ok, tt.format, tt.ok)
			}
			year, ok := PeriodYear(tt.period)
			if ok != tt.ok || year != tt.year {
				t.Errorf("PeriodYear(%q) = %d, %v; want %d, %v", tt.period, year, ok, tt.year, tt.ok)
			}
		})
	}
}

func TestRequiredFields(t *testing.T) {
	required := 0
	for _, f := range AllFields() {
		if f.IsRequired() {
			required++
		}
	}
	if required != len(RequiredFields()) {
		t.Errorf("IsRequired disagrees with RequiredFields: %d vs %d", required, len(RequiredFields()))
	}
	if FieldCurrency.IsRequired() || FieldSubCategory.IsRequired() {
		t.Error("currency and subCategory are optional")
	}
	if CanonicalField("owner").IsValid() {
		t.Error("unexpected canonical field")
	}
}

func TestBudgetRecordValidate(t *testing.T) {
	valid := BudgetRecord{Department: "Engineering", FiscalPeriod: "FY2025", BudgetedAmount: decimal.NewFromInt(10), Currency: "USD"}
	if err := valid.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	noDept := valid
	noDept.Department = "  "
	if err := noDept.Validate(); err == nil {
		t.Error("expected error for empty department")
	}

	negative := valid
	negative.BudgetedAmount = decimal.NewFromInt(-1)
	if err := negative.Validate(); err == nil {
		t.Error("expected error for negative amount")
	}
}

func TestNaturalKeyString(t *testing.T) {
	k := NaturalKey{Department: "Sales", FiscalPeriod: "FY2025"}
	if k.String() != "Sales/FY2025" {
		t.Errorf("unexpected key %q", k.String())
	}
	k.SubCategory = "Travel"
	if k.String() != "Sales/Travel/FY2025" {
		t.Errorf("unexpected key %q", k.String())
	}
}

func TestColumnIndex(t *testing.T) {
	headers := []string{"Dept", "FY", "Budget"}
	mappings := []ColumnMapping{
		{SourceColumn: "Budget", TargetField: FieldBudgetedAmount},
		{SourceColumn: "Dept", TargetField: FieldDepartment},
		{SourceColumn: "Missing", TargetField: FieldCurrency},
	}

	index := ColumnIndex(headers, mappings)
	if index[FieldBudgetedAmount] != 2 || index[FieldDepartment] != 0 {
		t.Errorf("unexpected index %v", index)
	}
	if _, ok := index[FieldCurrency]; ok {
		t.Error("unmatched source column should not be indexed")
	}
}

func TestSyncConfigValidate(t *testing.T) {
	base := SyncConfig{
		TenantID:      "acme",
		SourceType:    SourceLocalUpload,
		Source:        SourceConfig{Local: &LocalConfig{Path: "/tmp/drop"}},
		Cadence:       CadenceDaily,
		MinConfidence: 0.7,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *SyncConfig)
	}{
		{"missing tenant", func(c *SyncConfig) { c.TenantID = "" }},
		{"unknown source", func(c *SyncConfig) { c.SourceType = "ftp" }},
		{"unknown cadence", func(c *SyncConfig) { c.Cadence = "weekly" }},
		{"confidence above one", func(c *SyncConfig) { c.MinConfidence = 1.5 }},
		{"missing variant", func(c *SyncConfig) { c.SourceType = SourceS3 }},
		{"incomplete sftp", func(c *SyncConfig) {
			c.SourceType = SourceSFTP
			c.Source.SFTP = &SFTPConfig{Host: "h", Username: "u", RemotePath: "/in"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
