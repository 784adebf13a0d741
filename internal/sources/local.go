package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"budget-sync-service/internal/models"
	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

// LocalSource reads files already dropped in a directory. Files are parsed
// in place, nothing is copied to staging.
type LocalSource struct {
	base
	config models.LocalConfig
}

// NewLocalSource creates a local upload source
func NewLocalSource(config models.LocalConfig, opts Options) (*LocalSource, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "source.local", config.Path, err)
	}
	return &LocalSource{
		base:   newBase(models.SourceLocalUpload, opts),
		config: config,
	}, nil
}

// NewLocalSourceFromConfig is the registry factory for local uploads
func NewLocalSourceFromConfig(config models.SourceConfig, opts Options) (Source, error) {
	if config.Local == nil {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "source.local", nil, nil)
	}
	return NewLocalSource(*config.Local, opts)
}

// Poll lists supported files modified after since
func (s *LocalSource) Poll(ctx context.Context, since *time.Time) ([]ReceivedFile, error) {
	entries, err := os.ReadDir(s.config.Path)
	if err != nil {
		s.logger.WithError(err).WithField("path", s.config.Path).Error("Failed to list upload directory")
		return nil, errors.SourceError(errors.CodeSourceUnavailable, string(s.sourceType), s.config.Path, err)
	}

	var files []ReceivedFile
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, errors.SourceError(errors.CodeSourceUnavailable, string(s.sourceType), s.config.Path, ctx.Err())
		}
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return nil, errors.SourceError(errors.CodeDownloadFailed, string(s.sourceType), entry.Name(), err)
		}
		if !s.accept(entry.Name(), info.ModTime(), since) {
			continue
		}

		path := filepath.Join(s.config.Path, entry.Name())
		files = append(files, ReceivedFile{
			Name:       entry.Name(),
			Size:       info.Size(),
			ReceivedAt: info.ModTime(),
			RemotePath: path,
			LocalPath:  path,
			SourceType: s.sourceType,
		})
	}

	SortByReceivedAt(files)

	s.logger.WithFields(logger.Fields{
		"path":  s.config.Path,
		"files": len(files),
	}).Debug("Polled upload directory")

	return files, nil
}

// TestConnection checks the directory exists and is readable
func (s *LocalSource) TestConnection(ctx context.Context) error {
	info, err := os.Stat(s.config.Path)
	if err != nil {
		return errors.SourceError(errors.CodeSourceUnavailable, string(s.sourceType), s.config.Path, err)
	}
	if !info.IsDir() {
		return errors.SourceError(errors.CodeSourceUnavailable, string(s.sourceType), s.config.Path,
			fmt.Errorf("%s is not a directory", s.config.Path))
	}
	if _, err := os.ReadDir(s.config.Path); err != nil {
		return errors.SourceError(errors.CodeSourceUnavailable, string(s.sourceType), s.config.Path, err)
	}
	return nil
}

// DiscoverSchema previews the newest file in the directory
func (s *LocalSource) DiscoverSchema(ctx context.Context) (*Schema, error) {
	return s.discover(ctx, s)
}
