package models

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// SourceType tags one of the supported file sources
type SourceType string

const (
	SourceSFTP        SourceType = "sftp"
	SourceS3          SourceType = "s3"
	SourceLocalUpload SourceType = "local_upload"
)

// SourceTypes lists every supported source type
func SourceTypes() []SourceType {
	return []SourceType{SourceSFTP, SourceS3, SourceLocalUpload}
}

// Cadence is how often a tenant is synced
type Cadence string

const (
	CadenceHourly       Cadence = "hourly"
	CadenceEvery4Hours  Cadence = "every_4_hours"
	CadenceEvery12Hours Cadence = "every_12_hours"
	CadenceDaily        Cadence = "daily"
	CadenceManual       Cadence = "manual"
)

// SFTPConfig locates a secure file transfer drop
type SFTPConfig struct {
	Host           string `json:"host" mapstructure:"host"`
	Port           int    `json:"port" mapstructure:"port"`
	Username       string `json:"username" mapstructure:"username"`
	Password       string `json:"-" mapstructure:"password"`
	PrivateKeyPath string `json:"privateKeyPath,omitempty" mapstructure:"private_key_path"`
	KnownHostsPath string `json:"knownHostsPath,omitempty" mapstructure:"known_hosts_path"`
	RemotePath     string `json:"remotePath" mapstructure:"remote_path"`
}

// Validate checks the sftp settings
func (c SFTPConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Host, validation.Required),
		validation.Field(&c.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&c.Username, validation.Required),
		validation.Field(&c.Password, validation.When(c.PrivateKeyPath == "", validation.Required.Error("password or private_key_path is required"))),
		validation.Field(&c.RemotePath, validation.Required),
	)
}

// S3Config locates an object storage prefix
type S3Config struct {
	Bucket          string `json:"bucket" mapstructure:"bucket"`
	Region          string `json:"region" mapstructure:"region"`
	Prefix          string `json:"prefix" mapstructure:"prefix"`
	AccessKeyID     string `json:"-" mapstructure:"access_key_id"`
	SecretAccessKey string `json:"-" mapstructure:"secret_access_key"`
	Endpoint        string `json:"endpoint,omitempty" mapstructure:"endpoint"`
	ForcePathStyle  bool   `json:"forcePathStyle,omitempty" mapstructure:"force_path_style"`
}

// Validate checks the object storage settings
func (c S3Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Bucket, validation.Required),
		validation.Field(&c.Region, validation.Required),
	)
}

// LocalConfig points at a directory that receives manual uploads
type LocalConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// Validate checks the local directory settings
func (c LocalConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SourceConfig carries the settings of exactly one source variant; the
// variant in use is selected by SyncConfig.SourceType.
type SourceConfig struct {
	SFTP  *SFTPConfig  `json:"sftp,omitempty" mapstructure:"sftp"`
	S3    *S3Config    `json:"s3,omitempty" mapstructure:"s3"`
	Local *LocalConfig `json:"local,omitempty" mapstructure:"local"`
}

// SyncConfig is the per-tenant configuration union exposed to administration
type SyncConfig struct {
	TenantID            string       `json:"tenantId" mapstructure:"tenant_id"`
	SourceType          SourceType   `json:"sourceType" mapstructure:"source_type"`
	Source              SourceConfig `json:"source" mapstructure:"source"`
	Cadence             Cadence      `json:"cadence" mapstructure:"cadence"`
	MinConfidence       float64      `json:"minConfidence" mapstructure:"min_confidence"`
	AutoApplyMapping    bool         `json:"autoApplyMapping" mapstructure:"auto_apply_mapping"`
	Enabled             bool         `json:"enabled" mapstructure:"enabled"`
	StrictMapping       bool         `json:"strictMapping" mapstructure:"strict_mapping"`
	SoftDeleteMissing   bool         `json:"softDeleteMissing" mapstructure:"soft_delete_missing"`
	KnownDepartments    []string     `json:"knownDepartments,omitempty" mapstructure:"known_departments"`
	SupportedCurrencies []string     `json:"supportedCurrencies,omitempty" mapstructure:"supported_currencies"`
}

// DefaultMinConfidence is the mapping gate used when none is configured
const DefaultMinConfidence = 0.7

// Validate checks the tenant configuration
func (c SyncConfig) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.TenantID, validation.Required),
		validation.Field(&c.SourceType, validation.Required,
			validation.In(SourceSFTP, SourceS3, SourceLocalUpload)),
		validation.Field(&c.Cadence, validation.Required,
			validation.In(CadenceHourly, CadenceEvery4Hours, CadenceEvery12Hours, CadenceDaily, CadenceManual)),
		validation.Field(&c.MinConfidence, validation.Min(0.0), validation.Max(1.0)),
	)
	if err != nil {
		return err
	}

	switch c.SourceType {
	case SourceSFTP:
		if c.Source.SFTP == nil {
			return validation.Errors{"source.sftp": validation.ErrRequired}
		}
		return c.Source.SFTP.Validate()
	case SourceS3:
		if c.Source.S3 == nil {
			return validation.Errors{"source.s3": validation.ErrRequired}
		}
		return c.Source.S3.Validate()
	case SourceLocalUpload:
		if c.Source.Local == nil {
			return validation.Errors{"source.local": validation.ErrRequired}
		}
		return c.Source.Local.Validate()
	}
	return nil
}

// SyncStatus is the outcome of one orchestrator run
type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncPartial SyncStatus = "partial"
	SyncFailed  SyncStatus = "failed"
)

// SyncStats counts what a run did
type SyncStats struct {
	Total       int `json:"total"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Unchanged   int `json:"unchanged"`
	SoftDeleted int `json:"softDeleted"`
	Errors      int `json:"errors"`
}

// SyncRun is the immutable history record of one orchestrator invocation.
// The EndTime of the latest successful run is the checkpoint for polling.
type SyncRun struct {
	SyncID            string          `json:"syncId"`
	TenantID          string          `json:"tenantId"`
	Status            SyncStatus      `json:"status"`
	StartTime         time.Time       `json:"startTime"`
	EndTime           time.Time       `json:"endTime"`
	Stats             SyncStats       `json:"stats"`
	Errors            []string        `json:"errors,omitempty"`
	Warnings          []string        `json:"warnings,omitempty"`
	SourceType        SourceType      `json:"sourceType"`
	TriggeredBy       string          `json:"triggeredBy"`
	FileName          string          `json:"fileName,omitempty"`
	MappingConfidence float64         `json:"mappingConfidence"`
	Mappings          []ColumnMapping `json:"mappings,omitempty"`
}

// Duration returns how long the run took
func (r *SyncRun) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// NeedsAttention reports whether operators should be notified of the run
func (r *SyncRun) NeedsAttention() bool {
	return r.Status == SyncFailed || r.Status == SyncPartial
}
