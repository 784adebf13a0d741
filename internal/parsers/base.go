package parsers

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

// ParseConfig holds configuration for delimited-text parsing
type ParseConfig struct {
	Delimiter        rune
	Comment          rune
	TrimLeadingSpace bool
	SkipEmptyRows    bool
	MaxFieldSize     int
	ValidateEncoding bool
	EncodingScanRows int
}

// DefaultParseConfig returns a configuration with sensible defaults
func DefaultParseConfig() *ParseConfig {
	return &ParseConfig{
		Delimiter:        ',',
		Comment:          0,
		TrimLeadingSpace: true,
		SkipEmptyRows:    true,
		MaxFieldSize:     1000000, // 1MB per field
		ValidateEncoding: true,
		EncodingScanRows: 100,
	}
}

// BaseParser provides the delimited-text parsing shared by every source
type BaseParser struct {
	config *ParseConfig
	logger logger.Logger
}

// NewBaseParser creates a new BaseParser with the given configuration
func NewBaseParser(config *ParseConfig) *BaseParser {
	if config == nil {
		config = DefaultParseConfig()
	}

	log := logger.GetGlobalLogger().WithComponent("base_parser")
	log.WithFields(logger.Fields{
		"delimiter":         string(config.Delimiter),
		"validate_encoding": config.ValidateEncoding,
		"max_field_size":    config.MaxFieldSize,
	}).Debug("Created base parser")

	return &BaseParser{
		config: config,
		logger: log,
	}
}

// SetLogger replaces the parser's logger
func (bp *BaseParser) SetLogger(log logger.Logger) {
	bp.logger = log.WithComponent("base_parser")
}

// ParseCSV reads a delimited text file. The first row is the header row and
// fully blank rows are skipped.
func (bp *BaseParser) ParseCSV(ctx context.Context, filePath string) (*ParsedFile, error) {
	file, reader, err := bp.openFile(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	headers, err := bp.readHeaders(reader, filePath)
	if err != nil {
		return nil, err
	}

	parsed := &ParsedFile{
		Path:    filePath,
		Headers: headers,
		Rows:    make([][]string, 0),
	}

	line := 1
	for {
		if ctx.Err() != nil {
			return nil, errors.InternalError(errors.CodeUnexpectedError, "csv_parsing", ctx.Err())
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			bp.logger.WithError(err).WithField("line_number", line).Warn("Failed to read CSV record")
			return nil, errors.ParseError(errors.CodeEmptyOrUnparseable, filePath, err).
				WithContext("line", line)
		}

		if bp.config.SkipEmptyRows && isEmptyRecord(record) {
			bp.logger.WithField("line_number", line).Debug("Skipping empty record")
			continue
		}

		if err := bp.checkFieldSizes(record, filePath, line); err != nil {
			return nil, err
		}

		parsed.Rows = append(parsed.Rows, record)
	}

	bp.logger.WithFields(logger.Fields{
		"file_path": filePath,
		"headers":   len(headers),
		"rows":      len(parsed.Rows),
	}).Debug("Parsed delimited file")

	return parsed, nil
}

// openFile opens a CSV file and returns a configured csv.Reader
func (bp *BaseParser) openFile(filePath string) (*os.File, *csv.Reader, error) {
	bp.logger.WithField("file_path", filePath).Debug("Opening CSV file")

	file, err := os.Open(filePath)
	if err != nil {
		bp.logger.WithError(err).WithField("file_path", filePath).Error("Failed to open CSV file")
		return nil, nil, errors.ParseError(errors.CodeEmptyOrUnparseable, filePath, err)
	}

	if bp.config.ValidateEncoding {
		if err := bp.validateEncoding(file, filePath); err != nil {
			file.Close()
			bp.logger.WithError(err).WithField("file_path", filePath).Error("File encoding validation failed")
			return nil, nil, err
		}

		if _, err := file.Seek(0, io.SeekStart); err != nil {
			file.Close()
			return nil, nil, errors.ParseError(errors.CodeEmptyOrUnparseable, filePath, err)
		}
	}

	reader := csv.NewReader(stripBOM(file))
	reader.Comma = bp.config.Delimiter
	reader.Comment = bp.config.Comment
	reader.TrimLeadingSpace = bp.config.TrimLeadingSpace
	reader.FieldsPerRecord = -1 // Variable number of fields
	reader.LazyQuotes = true

	return file, reader, nil
}

// validateEncoding checks the first rows of the file are valid UTF-8
func (bp *BaseParser) validateEncoding(file *os.File, filePath string) error {
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), bp.config.MaxFieldSize+64*1024)
	lineNum := 0

	for scanner.Scan() && lineNum < bp.config.EncodingScanRows {
		lineNum++
		if !utf8.Valid(scanner.Bytes()) {
			return errors.ParseError(errors.CodeEncodingError, filePath,
				fmt.Errorf("invalid UTF-8 encoding detected on line %d", lineNum))
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.ParseError(errors.CodeEmptyOrUnparseable, filePath, err)
	}

	return nil
}

// readHeaders reads the header row
func (bp *BaseParser) readHeaders(reader *csv.Reader, filePath string) ([]string, error) {
	headers, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			bp.logger.WithField("file_path", filePath).Error("File is empty or contains no data")
			return nil, errors.ParseError(errors.CodeEmptyOrUnparseable, filePath, fmt.Errorf("file has no header row"))
		}
		bp.logger.WithError(err).Error("Failed to read header row")
		return nil, errors.ParseError(errors.CodeEmptyOrUnparseable, filePath, err)
	}

	cleaned := cleanHeaders(headers)
	if isEmptyRecord(cleaned) {
		return nil, errors.ParseError(errors.CodeEmptyOrUnparseable, filePath, fmt.Errorf("header row is blank"))
	}

	bp.logger.WithField("headers", cleaned).Debug("Successfully read headers")
	return cleaned, nil
}

func (bp *BaseParser) checkFieldSizes(record []string, filePath string, line int) error {
	if bp.config.MaxFieldSize <= 0 {
		return nil
	}
	for i, field := range record {
		if len(field) > bp.config.MaxFieldSize {
			bp.logger.WithFields(logger.Fields{
				"line_number": line,
				"column":      i,
				"field_size":  len(field),
				"max_size":    bp.config.MaxFieldSize,
			}).Warn("Field exceeds maximum size limit")

			return errors.ParseError(errors.CodeEmptyOrUnparseable, filePath,
				fmt.Errorf("field %d on line %d exceeds %d bytes", i+1, line, bp.config.MaxFieldSize))
		}
	}
	return nil
}

// stripBOM drops a leading UTF-8 byte order mark, which spreadsheet tools
// often write at the start of exported CSV files.
func stripBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(3); err == nil && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		_, _ = br.Discard(3)
	}
	return br
}

// cleanHeaders removes surrounding whitespace from header names
func cleanHeaders(headers []string) []string {
	cleaned := make([]string, len(headers))
	for i, header := range headers {
		cleaned[i] = strings.TrimSpace(header)
	}
	return cleaned
}

// isEmptyRecord checks if all fields in a record are empty or whitespace
func isEmptyRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
