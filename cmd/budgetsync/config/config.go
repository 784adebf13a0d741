// Package config loads the budgetsync application configuration.
//
// Settings come from an optional config file (YAML, JSON or TOML) and from
// environment variables prefixed with BUDGETSYNC_, where nested keys use
// underscores: BUDGETSYNC_DATABASE_PATH overrides database.path.
package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"

	"budget-sync-service/internal/models"
	"budget-sync-service/internal/notify"
	"budget-sync-service/internal/reporter"
	"budget-sync-service/internal/scheduler"
	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "BUDGETSYNC"

// DatabaseConfig locates the ledger database
type DatabaseConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// RedisConfig enables the distributed tenant lock when Addr is set
type RedisConfig struct {
	Addr     string        `json:"addr" mapstructure:"addr"`
	Password string        `json:"-" mapstructure:"password"`
	DB       int           `json:"db" mapstructure:"db"`
	LockTTL  time.Duration `json:"lock_ttl" mapstructure:"lock_ttl"`
}

// Enabled reports whether a Redis server is configured
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// NotificationsConfig lists the hooks called for failed and partial runs
type NotificationsConfig struct {
	WebhookURL      string        `json:"webhook_url" mapstructure:"webhook_url"`
	SlackWebhookURL string        `json:"slack_webhook_url" mapstructure:"slack_webhook_url"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
}

// AppConfig is the complete application configuration
type AppConfig struct {
	Log           logger.Config       `json:"log" mapstructure:"log"`
	Database      DatabaseConfig      `json:"database" mapstructure:"database"`
	StagingDir    string              `json:"staging_dir" mapstructure:"staging_dir"`
	Scheduler     scheduler.Config    `json:"scheduler" mapstructure:"scheduler"`
	Redis         RedisConfig         `json:"redis" mapstructure:"redis"`
	Notifications NotificationsConfig `json:"notifications" mapstructure:"notifications"`
	Tenants       []models.SyncConfig `json:"tenants" mapstructure:"tenants"`
}

// SetDefaults registers every default on v. Registering a key is also what
// makes its environment override visible to viper.
func SetDefaults(v *viper.Viper) {
	log := logger.DefaultConfig()
	v.SetDefault("log.level", string(log.Level))
	v.SetDefault("log.format", string(log.Format))
	v.SetDefault("log.output", string(log.Output))
	v.SetDefault("log.file", "")

	v.SetDefault("database.path", "budgetsync.db")
	v.SetDefault("staging_dir", "")

	sched := scheduler.DefaultConfig()
	v.SetDefault("scheduler.max_concurrent", sched.MaxConcurrent)
	v.SetDefault("scheduler.shutdown_grace", sched.ShutdownGrace)
	v.SetDefault("scheduler.max_retries", sched.MaxRetries)
	v.SetDefault("scheduler.retry_initial_interval", sched.RetryInitialInterval)
	v.SetDefault("scheduler.retry_max_interval", sched.RetryMaxInterval)
	v.SetDefault("scheduler.lock_ttl", sched.LockTTL)
	v.SetDefault("scheduler.notify_timeout", sched.NotifyTimeout)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", sched.LockTTL)

	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.slack_webhook_url", "")
	v.SetDefault("notifications.timeout", notify.DefaultTimeout)
}

// NewViper returns a viper instance with defaults and environment overrides
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*AppConfig, error) {
	applyTenantDefaults(v)

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "config", v.ConfigFileUsed(), err).
			WithSuggestion("Check the config file syntax and value types")
	}

	for i := range cfg.Tenants {
		normalizeTenant(&cfg.Tenants[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "config", v.ConfigFileUsed(), err).
			WithSuggestion("Fix the reported settings in the config file or environment")
	}
	return &cfg, nil
}

// LoadFile reads path (if non-empty) and loads the configuration
func LoadFile(path string) (*AppConfig, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.ConfigurationError(errors.CodeMissingConfig, "config", path, err).
				WithSuggestion("Check that the config file exists and is valid YAML, JSON or TOML")
		}
	}
	return Load(v)
}

// applyTenantDefaults fills keys a tenant entry leaves out. Booleans that
// default to true cannot be defaulted after decoding.
func applyTenantDefaults(v *viper.Viper) {
	raw, ok := v.Get("tenants").([]interface{})
	if !ok {
		return
	}
	for _, entry := range raw {
		tenant, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		setMissing(tenant, "min_confidence", models.DefaultMinConfidence)
		setMissing(tenant, "soft_delete_missing", true)
		setMissing(tenant, "enabled", true)
		setMissing(tenant, "auto_apply_mapping", false)
		setMissing(tenant, "cadence", string(models.CadenceDaily))
	}
	v.Set("tenants", raw)
}

func setMissing(m map[string]interface{}, key string, value interface{}) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

func normalizeTenant(t *models.SyncConfig) {
	t.TenantID = strings.TrimSpace(t.TenantID)
	t.SourceType = models.SourceType(strings.ToLower(strings.TrimSpace(string(t.SourceType))))
	t.Cadence = models.Cadence(strings.ToLower(strings.TrimSpace(string(t.Cadence))))
}

// Validate checks the whole configuration
func (c *AppConfig) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return validation.Errors{"log": err}
	}
	if err := c.Scheduler.Validate(); err != nil {
		return validation.Errors{"scheduler": err}
	}

	err := validation.ValidateStruct(c,
		validation.Field(&c.Database, validation.By(func(interface{}) error {
			return validation.ValidateStruct(&c.Database,
				validation.Field(&c.Database.Path, validation.Required))
		})),
		validation.Field(&c.Redis, validation.By(func(interface{}) error {
			return validation.ValidateStruct(&c.Redis,
				validation.Field(&c.Redis.DB, validation.Min(0), validation.Max(15)),
				validation.Field(&c.Redis.LockTTL, validation.When(c.Redis.Enabled(), validation.Required)))
		})),
		validation.Field(&c.Notifications, validation.By(func(interface{}) error {
			return validation.ValidateStruct(&c.Notifications,
				validation.Field(&c.Notifications.Timeout, validation.Min(time.Duration(0))))
		})),
	)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Tenants))
	for i := range c.Tenants {
		tenant := &c.Tenants[i]
		if err := tenant.Validate(); err != nil {
			return validation.Errors{fmt.Sprintf("tenants[%d]", i): err}
		}
		if seen[tenant.TenantID] {
			return validation.Errors{fmt.Sprintf("tenants[%d]", i): fmt.Errorf("duplicate tenant_id %q", tenant.TenantID)}
		}
		seen[tenant.TenantID] = true
	}
	return nil
}

// Tenant returns the configuration of one tenant
func (c *AppConfig) Tenant(tenantID string) (*models.SyncConfig, error) {
	for i := range c.Tenants {
		if c.Tenants[i].TenantID == tenantID {
			tenant := c.Tenants[i]
			return &tenant, nil
		}
	}
	return nil, errors.SchedulerError(errors.CodeUnknownTenant, tenantID).
		WithSuggestion("Add the tenant under 'tenants' in the config file")
}

// SchedulerConfig returns the scheduler limits with the Redis lock TTL
// applied when Redis is enabled
func (c *AppConfig) SchedulerConfig() *scheduler.Config {
	sc := c.Scheduler
	if c.Redis.Enabled() && c.Redis.LockTTL > 0 {
		sc.LockTTL = c.Redis.LockTTL
	}
	return &sc
}

// Notifier builds the notification hooks. Failed and partial runs are
// always logged; webhooks are added when configured.
func (c *AppConfig) Notifier(log logger.Logger) notify.Notifier {
	hooks := notify.Multi{notify.NewLogNotifier(log)}
	if c.Notifications.WebhookURL != "" {
		hooks = append(hooks, notify.NewWebhookNotifier(c.Notifications.WebhookURL, c.Notifications.Timeout))
	}
	if c.Notifications.SlackWebhookURL != "" {
		hooks = append(hooks, notify.NewSlackNotifier(c.Notifications.SlackWebhookURL, c.Notifications.Timeout))
	}
	return hooks
}

// CreateReportConfig creates a report configuration for the specified output format
func CreateReportConfig(format string, verbose bool) (*reporter.ReportConfig, error) {
	config := reporter.DefaultReportConfig()
	config.Format = reporter.OutputFormat(strings.ToLower(format))

	switch config.Format {
	case reporter.FormatConsole:
		config.IncludeMappings = verbose
		if verbose {
			config.MaxListed = 0
		}
	case reporter.FormatJSON:
		config.IncludeMappings = true
	case reporter.FormatCSV:
		config.CSVHeaders = true
		config.CSVDelimiter = ','
	}

	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "output-format", format, err).
			WithSuggestion("Use one of: console, json, csv")
	}
	return config, nil
}
