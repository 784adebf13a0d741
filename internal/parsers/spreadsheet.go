package parsers

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

// ParseSpreadsheet reads the first sheet of a workbook. The first row is the
// header row, cell values are returned as stored and blank rows are skipped.
func (bp *BaseParser) ParseSpreadsheet(ctx context.Context, filePath string) (*ParsedFile, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		bp.logger.WithError(err).WithField("file_path", filePath).Error("Failed to open workbook")
		return nil, errors.ParseError(errors.CodeEmptyOrUnparseable, filePath, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.ParseError(errors.CodeEmptyOrUnparseable, filePath, fmt.Errorf("workbook has no sheets"))
	}

	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, errors.ParseError(errors.CodeEmptyOrUnparseable, filePath, err)
	}
	if len(rows) == 0 {
		return nil, errors.ParseError(errors.CodeEmptyOrUnparseable, filePath, fmt.Errorf("first sheet %q is empty", sheets[0]))
	}

	headers := cleanHeaders(rows[0])
	if isEmptyRecord(headers) {
		return nil, errors.ParseError(errors.CodeEmptyOrUnparseable, filePath, fmt.Errorf("header row is blank"))
	}

	parsed := &ParsedFile{
		Path:    filePath,
		Headers: headers,
		Rows:    make([][]string, 0, len(rows)-1),
	}
	for _, row := range rows[1:] {
		if ctx.Err() != nil {
			return nil, errors.InternalError(errors.CodeUnexpectedError, "spreadsheet_parsing", ctx.Err())
		}
		if isEmptyRecord(row) {
			continue
		}
		parsed.Rows = append(parsed.Rows, row)
	}

	bp.logger.WithFields(logger.Fields{
		"file_path": filePath,
		"sheet":     sheets[0],
		"headers":   len(headers),
		"rows":      len(parsed.Rows),
	}).Debug("Parsed spreadsheet")

	return parsed, nil
}
