package scheduler

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/robfig/cron/v3"

	"budget-sync-service/internal/models"
)

// Config holds scheduler limits
type Config struct {
	// MaxConcurrent caps tenant runs in flight across the process.
	MaxConcurrent int `json:"max_concurrent" mapstructure:"max_concurrent"`

	// ShutdownGrace is how long StopAll waits for in-flight runs.
	ShutdownGrace time.Duration `json:"shutdown_grace" mapstructure:"shutdown_grace"`

	// MaxRetries is the number of extra attempts after a transient failure.
	MaxRetries           int           `json:"max_retries" mapstructure:"max_retries"`
	RetryInitialInterval time.Duration `json:"retry_initial_interval" mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `json:"retry_max_interval" mapstructure:"retry_max_interval"`

	// LockTTL bounds how long a tenant lock outlives a crashed process.
	LockTTL time.Duration `json:"lock_ttl" mapstructure:"lock_ttl"`

	// NotifyTimeout bounds one notification hook call.
	NotifyTimeout time.Duration `json:"notify_timeout" mapstructure:"notify_timeout"`
}

// DefaultConfig returns the default scheduler limits
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:        5,
		ShutdownGrace:        30 * time.Second,
		MaxRetries:           3,
		RetryInitialInterval: 30 * time.Second,
		RetryMaxInterval:     5 * time.Minute,
		LockTTL:              30 * time.Minute,
		NotifyTimeout:        15 * time.Second,
	}
}

// Validate checks the limits
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxConcurrent, validation.Required, validation.Min(1)),
		validation.Field(&c.ShutdownGrace, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxRetries, validation.Min(0), validation.Max(10)),
		validation.Field(&c.RetryInitialInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.RetryMaxInterval, validation.Min(c.RetryInitialInterval)),
		validation.Field(&c.LockTTL, validation.Min(time.Duration(0))),
	)
}

// CronSpec returns the cron schedule of a cadence. Manual cadence has no
// schedule.
func CronSpec(cadence models.Cadence) (string, bool, error) {
	switch cadence {
	case models.CadenceHourly:
		return "@hourly", true, nil
	case models.CadenceEvery4Hours:
		return "0 */4 * * *", true, nil
	case models.CadenceEvery12Hours:
		return "0 */12 * * *", true, nil
	case models.CadenceDaily:
		return "@daily", true, nil
	case models.CadenceManual:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("unknown cadence %q", cadence)
	}
}

// NextRun returns the first firing of cadence after from. Manual cadence
// never fires and returns nil.
func NextRun(cadence models.Cadence, from time.Time) (*time.Time, error) {
	spec, timed, err := CronSpec(cadence)
	if err != nil || !timed {
		return nil, err
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}
	next := schedule.Next(from)
	return &next, nil
}
