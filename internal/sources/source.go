// Package sources polls the places budget files arrive from.
//
// Every source implements the same capability set: list new files since a
// checkpoint, stage them locally, parse a staged file, check connectivity
// and preview the newest file's schema. The set of sources is closed
// (sftp, s3 and local upload) and built through a Registry keyed by
// models.SourceType.
//
// Poll failures are all-or-nothing: a connectivity error or a failed
// download aborts the poll and no files are returned. Files with an
// unsupported extension are skipped with a debug log.
package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"budget-sync-service/internal/models"
	"budget-sync-service/internal/parsers"
	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

// SchemaSampleRows bounds the rows returned by DiscoverSchema
const SchemaSampleRows = 10

// ReceivedFile describes one staged file
type ReceivedFile struct {
	Name       string            `json:"name"`
	Size       int64             `json:"size"`
	ReceivedAt time.Time         `json:"receivedAt"`
	RemotePath string            `json:"remotePath"`
	LocalPath  string            `json:"localPath"`
	SourceType models.SourceType `json:"sourceType"`

	// Object storage only.
	ObjectKey string `json:"objectKey,omitempty"`
	ETag      string `json:"etag,omitempty"`
}

// Schema previews the newest file available at a source
type Schema struct {
	File       ReceivedFile `json:"file"`
	Headers    []string     `json:"headers"`
	SampleRows [][]string   `json:"sampleRows"`
}

// Source is the capability set shared by every file source
type Source interface {
	Type() models.SourceType
	Poll(ctx context.Context, since *time.Time) ([]ReceivedFile, error)
	Parse(ctx context.Context, file ReceivedFile) (*parsers.ParsedFile, error)
	TestConnection(ctx context.Context) error
	DiscoverSchema(ctx context.Context) (*Schema, error)
}

// Options are shared by every source built from a registry
type Options struct {
	TenantID   string
	StagingDir string
	Parser     *parsers.BaseParser
	Logger     logger.Logger
}

// stagingPath returns the tenant's staging directory, creating it if needed
func (o Options) stagingPath() (string, error) {
	dir := o.StagingDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "budgetsync")
	}
	if o.TenantID != "" {
		dir = filepath.Join(dir, o.TenantID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory %s: %w", dir, err)
	}
	return dir, nil
}

// Factory builds a source from its configuration
type Factory func(config models.SourceConfig, opts Options) (Source, error)

// Registry maps source types to factories
type Registry struct {
	factories map[models.SourceType]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.SourceType]Factory)}
}

// DefaultRegistry returns a registry with the sftp, s3 and local sources
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.SourceSFTP, NewSFTPSourceFromConfig)
	r.Register(models.SourceS3, NewS3SourceFromConfig)
	r.Register(models.SourceLocalUpload, NewLocalSourceFromConfig)
	return r
}

// Register adds or replaces the factory for a source type
func (r *Registry) Register(sourceType models.SourceType, factory Factory) {
	r.factories[sourceType] = factory
}

// Build creates the source configured for a tenant
func (r *Registry) Build(config *models.SyncConfig, opts Options) (Source, error) {
	factory, ok := r.factories[config.SourceType]
	if !ok {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "source_type", config.SourceType,
			fmt.Errorf("no source registered for type %q", config.SourceType))
	}
	if opts.TenantID == "" {
		opts.TenantID = config.TenantID
	}
	return factory(config.Source, opts)
}

// base carries what every source shares
type base struct {
	sourceType models.SourceType
	opts       Options
	parser     *parsers.BaseParser
	logger     logger.Logger

	// mtimeResolution is the granularity of modification times reported
	// by the source. Zero means exact.
	mtimeResolution time.Duration
}

func newBase(sourceType models.SourceType, opts Options) base {
	log := opts.Logger
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	parser := opts.Parser
	if parser == nil {
		parser = parsers.NewBaseParser(nil)
	}
	return base{
		sourceType: sourceType,
		opts:       opts,
		parser:     parser,
		logger: log.WithComponent("source").WithFields(logger.Fields{
			"source_type": sourceType,
			"tenant_id":   opts.TenantID,
		}),
	}
}

func (b *base) Type() models.SourceType {
	return b.sourceType
}

// Parse reads a staged file
func (b *base) Parse(ctx context.Context, file ReceivedFile) (*parsers.ParsedFile, error) {
	return b.parser.ParseFile(ctx, file.LocalPath)
}

// discover polls everything, then parses the newest file
func (b *base) discover(ctx context.Context, src Source) (*Schema, error) {
	files, err := src.Poll(ctx, nil)
	if err != nil {
		return nil, err
	}
	newest, ok := Newest(files)
	if !ok {
		return nil, errors.ParseError(errors.CodeEmptyOrUnparseable, string(b.sourceType),
			fmt.Errorf("no supported files found"))
	}

	parsed, err := src.Parse(ctx, newest)
	if err != nil {
		return nil, err
	}
	return &Schema{
		File:       newest,
		Headers:    parsed.Headers,
		SampleRows: parsed.Sample(SchemaSampleRows),
	}, nil
}

// accept reports whether an entry should be fetched
func (b *base) accept(name string, modified time.Time, since *time.Time) bool {
	if !parsers.IsSupported(name) {
		b.logger.WithField("file", name).Debug("Skipping unsupported file type")
		return false
	}
	if since == nil {
		return true
	}
	if b.mtimeResolution > 0 {
		// A coarse mtime in the checkpoint's own tick may be later than the
		// checkpoint. Fetch it again; reconciliation is idempotent.
		return !modified.Before(since.Truncate(b.mtimeResolution))
	}
	return modified.After(*since)
}

// Newest returns the most recently received file
func Newest(files []ReceivedFile) (ReceivedFile, bool) {
	if len(files) == 0 {
		return ReceivedFile{}, false
	}
	sorted := make([]ReceivedFile, len(files))
	copy(sorted, files)
	SortByReceivedAt(sorted)
	return sorted[len(sorted)-1], true
}

// SortByReceivedAt orders files oldest first, by name within equal times
func SortByReceivedAt(files []ReceivedFile) {
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].ReceivedAt.Equal(files[j].ReceivedAt) {
			return files[i].ReceivedAt.Before(files[j].ReceivedAt)
		}
		return files[i].Name < files[j].Name
	})
}
