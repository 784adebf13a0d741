package sources

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"budget-sync-service/internal/models"
	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

// s3API is the subset of the S3 client the source calls
type s3API interface {
	ListObjectsV2PagesWithContext(ctx aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	HeadBucketWithContext(ctx aws.Context, input *s3.HeadBucketInput, opts ...request.Option) (*s3.HeadBucketOutput, error)
}

// S3Source polls a bucket prefix
type S3Source struct {
	base
	config models.S3Config
	client s3API
}

// NewS3Source creates an object storage source with a client built from
// the configuration. Without static keys the default credential chain
// applies.
func NewS3Source(config models.S3Config, opts Options) (*S3Source, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "source.s3", config.Bucket, err)
	}

	awsConfig := aws.NewConfig().WithRegion(config.Region)
	if config.AccessKeyID != "" {
		awsConfig = awsConfig.WithCredentials(
			credentials.NewStaticCredentials(config.AccessKeyID, config.SecretAccessKey, ""))
	}
	if config.Endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(config.Endpoint)
	}
	if config.ForcePathStyle {
		awsConfig = awsConfig.WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "source.s3", config.Bucket, err)
	}

	return newS3SourceWithClient(config, opts, s3.New(sess)), nil
}

func newS3SourceWithClient(config models.S3Config, opts Options, client s3API) *S3Source {
	return &S3Source{
		base:   newBase(models.SourceS3, opts),
		config: config,
		client: client,
	}
}

// NewS3SourceFromConfig is the registry factory for object storage
func NewS3SourceFromConfig(config models.SourceConfig, opts Options) (Source, error) {
	if config.S3 == nil {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "source.s3", nil, nil)
	}
	return NewS3Source(*config.S3, opts)
}

func (s *S3Source) target() string {
	return fmt.Sprintf("s3://%s/%s", s.config.Bucket, s.config.Prefix)
}

// Poll lists objects under the prefix and downloads every supported object
// modified after since. Any failure aborts the whole poll.
func (s *S3Source) Poll(ctx context.Context, since *time.Time) ([]ReceivedFile, error) {
	var objects []*s3.Object
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.config.Prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		objects = append(objects, page.Contents...)
		return true
	})
	if err != nil {
		s.logger.WithError(err).WithField("bucket", s.config.Bucket).Error("Failed to list objects")
		return nil, errors.SourceError(errors.CodeSourceUnavailable, string(s.sourceType), s.target(), err)
	}

	staging, err := s.opts.stagingPath()
	if err != nil {
		return nil, errors.InternalError(errors.CodeUnexpectedError, "staging", err)
	}

	var files []ReceivedFile
	for _, obj := range objects {
		key := aws.StringValue(obj.Key)
		if strings.HasSuffix(key, "/") {
			continue
		}
		modified := aws.TimeValue(obj.LastModified)
		name := path.Base(key)
		if !s.accept(name, modified, since) {
			continue
		}

		file, err := s.fetch(ctx, staging, key, name)
		if err != nil {
			s.logger.WithError(err).WithField("key", key).Error("Failed to fetch object")
			return nil, errors.SourceError(errors.CodeDownloadFailed, string(s.sourceType), key, err)
		}
		file.ReceivedAt = modified
		if file.ETag == "" {
			file.ETag = strings.Trim(aws.StringValue(obj.ETag), `"`)
		}
		files = append(files, file)
	}

	SortByReceivedAt(files)

	s.logger.WithFields(logger.Fields{
		"bucket": s.config.Bucket,
		"prefix": s.config.Prefix,
		"files":  len(files),
	}).Info("Polled object storage")

	return files, nil
}

func (s *S3Source) fetch(ctx context.Context, staging, key, name string) (ReceivedFile, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ReceivedFile{}, err
	}
	defer out.Body.Close()

	local, size, err := stageFile(staging, key, out.Body)
	if err != nil {
		return ReceivedFile{}, err
	}

	return ReceivedFile{
		Name:       name,
		Size:       size,
		RemotePath: fmt.Sprintf("s3://%s/%s", s.config.Bucket, key),
		LocalPath:  local,
		SourceType: s.sourceType,
		ObjectKey:  key,
		ETag:       strings.Trim(aws.StringValue(out.ETag), `"`),
	}, nil
}

// TestConnection checks the bucket is reachable with the configured
// credential
func (s *S3Source) TestConnection(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	})
	if err != nil {
		return errors.SourceError(errors.CodeSourceUnavailable, string(s.sourceType), s.target(), err)
	}
	return nil
}

// DiscoverSchema previews the newest object under the prefix
func (s *S3Source) DiscoverSchema(ctx context.Context) (*Schema, error) {
	return s.discover(ctx, s)
}
