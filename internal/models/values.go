package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// PeriodFormat names one of the supported fiscal period spellings
type PeriodFormat string

const (
	PeriodFYLong      PeriodFormat = "FYyyyy"
	PeriodFYShort     PeriodFormat = "FYyy"
	PeriodQuarterYear PeriodFormat = "Qn-yyyy"
	PeriodFYQuarter   PeriodFormat = "FYyyyy-Qn"
	PeriodYearQuarter PeriodFormat = "yyyy-Qn"
	PeriodPlainYear   PeriodFormat = "yyyy"
)

var periodPatterns = []struct {
	format  PeriodFormat
	pattern *regexp.Regexp
}{
	{PeriodFYLong, regexp.MustCompile(`^FY(\d{4})$`)},
	{PeriodFYShort, regexp.MustCompile(`^FY(\d{2})$`)},
	{PeriodQuarterYear, regexp.MustCompile(`^Q[1-4]-(\d{4})$`)},
	{PeriodFYQuarter, regexp.MustCompile(`^FY(\d{4})-Q[1-4]$`)},
	{PeriodYearQuarter, regexp.MustCompile(`^(\d{4})-Q[1-4]$`)},
	{PeriodPlainYear, regexp.MustCompile(`^(\d{4})$`)},
}

// NormalizeFiscalPeriod trims and upper-cases a period so "fy2025" and
// "FY2025" share a natural key.
func NormalizeFiscalPeriod(period string) string {
	return strings.ToUpper(strings.TrimSpace(period))
}

// DetectPeriodFormat returns which supported format period is written in
func DetectPeriodFormat(period string) (PeriodFormat, bool) {
	normalized := NormalizeFiscalPeriod(period)
	for _, p := range periodPatterns {
		if p.pattern.MatchString(normalized) {
			return p.format, true
		}
	}
	return "", false
}

// PeriodYear extracts the fiscal year a period belongs to. Two-digit years
// are read as 20yy.
func PeriodYear(period string) (int, bool) {
	normalized := NormalizeFiscalPeriod(period)
	for _, p := range periodPatterns {
		match := p.pattern.FindStringSubmatch(normalized)
		if match == nil {
			continue
		}
		year, err := strconv.Atoi(match[1])
		if err != nil {
			return 0, false
		}
		if p.format == PeriodFYShort {
			year += 2000
		}
		return year, true
	}
	return 0, false
}

var amountNoise = strings.NewReplacer(",", "", " ", "", "$", "", "€", "", "£", "", "¥", "", "\u00a0", "")

// ParseAmount parses a budget amount as written in spreadsheets: thousands
// separators, currency symbols and accounting parentheses are accepted.
func ParseAmount(raw string) (decimal.Decimal, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return decimal.Zero, fmt.Errorf("amount is empty")
	}

	negative := false
	if strings.HasPrefix(value, "(") && strings.HasSuffix(value, ")") {
		negative = true
		value = strings.TrimSuffix(strings.TrimPrefix(value, "("), ")")
	}

	value = amountNoise.Replace(value)
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if negative {
		amount = amount.Neg()
	}
	return amount, nil
}

// NormalizeCurrency upper-cases a currency code, defaulting to USD when blank
func NormalizeCurrency(raw string) string {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return DefaultCurrency
	}
	return code
}
