// Package parsers turns received budget files into a header row plus data
// rows.
//
// Delimited text (.csv) is read with encoding/csv; workbooks (.xlsx, .xls)
// are read with excelize, first sheet only. In both cases the first row is
// the header row and fully blank rows are skipped. Any other extension is
// rejected at dispatch.
//
// Example usage:
//
//	parser := parsers.NewBaseParser(nil)
//	parsed, err := parser.ParseFile(ctx, "/staging/acme/budget.xlsx")
//	for _, row := range parsed.Records() {
//		fmt.Println(row["Department"])
//	}
package parsers

import (
	"context"
	"path/filepath"
	"strings"

	"budget-sync-service/pkg/errors"
)

// FileType is a supported file format
type FileType string

const (
	FileTypeCSV  FileType = "csv"
	FileTypeXLSX FileType = "xlsx"
	FileTypeXLS  FileType = "xls"
)

// SupportedExtensions lists the extensions sources accept
func SupportedExtensions() []string {
	return []string{".csv", ".xlsx", ".xls"}
}

// DetectFileType maps a file name to its type by extension
func DetectFileType(name string) (FileType, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return FileTypeCSV, true
	case ".xlsx":
		return FileTypeXLSX, true
	case ".xls":
		return FileTypeXLS, true
	default:
		return "", false
	}
}

// IsSupported reports whether name has a supported extension
func IsSupported(name string) bool {
	_, ok := DetectFileType(name)
	return ok
}

// Row is one data row keyed by header
type Row map[string]string

// ParsedFile is the tabular content of one received file
type ParsedFile struct {
	Path    string     `json:"path"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Records returns the data rows keyed by header. When a header repeats the
// first column with that name wins.
func (p *ParsedFile) Records() []Row {
	records := make([]Row, 0, len(p.Rows))
	for _, values := range p.Rows {
		row := make(Row, len(p.Headers))
		for i, header := range p.Headers {
			if _, seen := row[header]; seen {
				continue
			}
			if i < len(values) {
				row[header] = values[i]
			} else {
				row[header] = ""
			}
		}
		records = append(records, row)
	}
	return records
}

// Sample returns up to n leading data rows
func (p *ParsedFile) Sample(n int) [][]string {
	if n < 0 || len(p.Rows) <= n {
		return p.Rows
	}
	return p.Rows[:n]
}

// ParseFile dispatches on the file extension
func (bp *BaseParser) ParseFile(ctx context.Context, filePath string) (*ParsedFile, error) {
	fileType, ok := DetectFileType(filePath)
	if !ok {
		return nil, errors.ParseError(errors.CodeUnsupportedFileType, filePath, nil)
	}

	switch fileType {
	case FileTypeCSV:
		return bp.ParseCSV(ctx, filePath)
	default:
		// Legacy .xls workbooks that excelize cannot open surface as
		// parse errors from ParseSpreadsheet.
		return bp.ParseSpreadsheet(ctx, filePath)
	}
}
