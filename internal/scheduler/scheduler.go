// Package scheduler runs tenant syncs on their cadence.
//
// One cron entry is kept per enabled tenant with a timed cadence. A tenant
// never runs twice at once, and the number of tenants running across the
// process is capped. A tick that finds its tenant busy or the cap reached is
// skipped, not queued; the next tick tries again. Transient failures are
// retried with exponential backoff. Runs that fail or end partial are
// handed to the notifier, whose failures are logged and otherwise ignored.
//
// Example usage:
//
//	s, err := scheduler.New(orchestrator, scheduler.Options{Notifier: notifier})
//	_ = s.ScheduleSync(tenantConfig)
//	s.Start()
//	defer s.StopAll()
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"budget-sync-service/internal/lock"
	"budget-sync-service/internal/models"
	"budget-sync-service/internal/notify"
	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

// Trigger names recorded on SyncRun.TriggeredBy
const (
	TriggerScheduled = "scheduler"
	TriggerManual    = "manual"
)

// Runner executes one sync attempt
type Runner interface {
	ExecuteFileSync(ctx context.Context, config *models.SyncConfig, triggeredBy string) (*models.SyncRun, error)
}

// JobState is the lifecycle state of a tenant job
type JobState string

const (
	StateIdle    JobState = "idle"
	StateRunning JobState = "running"
	StateError   JobState = "error"
)

// JobStatus is a snapshot of one tenant job
type JobStatus struct {
	TenantID       string            `json:"tenantId"`
	Cadence        models.Cadence    `json:"cadence"`
	Enabled        bool              `json:"enabled"`
	State          JobState          `json:"state"`
	NextRun        *time.Time        `json:"nextRun,omitempty"`
	LastSyncID     string            `json:"lastSyncId,omitempty"`
	LastStatus     models.SyncStatus `json:"lastStatus,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
	LastStartedAt  *time.Time        `json:"lastStartedAt,omitempty"`
	LastFinishedAt *time.Time        `json:"lastFinishedAt,omitempty"`
	Runs           int               `json:"runs"`
	SkippedTicks   int               `json:"skippedTicks"`
}

// Options are the optional collaborators of a Scheduler
type Options struct {
	Config   *Config
	Locker   lock.Locker
	Notifier notify.Notifier
	Logger   logger.Logger
}

type job struct {
	config  models.SyncConfig
	entryID cron.EntryID

	state          JobState
	lastRun        *models.SyncRun
	lastError      string
	lastStartedAt  time.Time
	lastFinishedAt time.Time
	runs           int
	skipped        int

	// cancelRetries stops pending backoff waits of the job. It never
	// aborts an attempt already in progress.
	retryCtx      context.Context
	cancelRetries context.CancelFunc
}

// Scheduler owns the tenant jobs. It is safe for concurrent use.
type Scheduler struct {
	runner   Runner
	config   *Config
	locker   lock.Locker
	notifier notify.Notifier
	logger   logger.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	jobs    map[string]*job
	running int
	stopped bool
	started bool
	wg      sync.WaitGroup
}

// New creates a scheduler. Defaults: DefaultConfig, an in-process locker
// and a log notifier.
func New(runner Runner, opts Options) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "runner", nil, nil)
	}

	config := opts.Config
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "scheduler", config, err)
	}

	log := opts.Logger
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	log = log.WithComponent("scheduler")

	locker := opts.Locker
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(log)
	}

	cronLog := &cronLogger{logger: log}
	return &Scheduler{
		runner:   runner,
		config:   config,
		locker:   locker,
		notifier: notifier,
		logger:   log,
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		jobs: make(map[string]*job),
	}, nil
}

// Start begins firing cron entries
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.WithField("jobs", len(s.jobs)).Info("Scheduler started")
}

// ScheduleSync registers a tenant job, replacing any existing job of the
// same tenant. Disabled jobs and manual cadence get no cron entry.
func (s *Scheduler) ScheduleSync(config *models.SyncConfig) error {
	if config == nil {
		return errors.ConfigurationError(errors.CodeMissingConfig, "sync_config", nil, nil)
	}
	if err := config.Validate(); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "sync_config", config.TenantID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.SchedulerError(errors.CodeSchedulerStopped, config.TenantID)
	}

	j, exists := s.jobs[config.TenantID]
	if exists {
		s.unschedule(j)
		j.config = *config
	} else {
		retryCtx, cancel := context.WithCancel(context.Background())
		j = &job{config: *config, state: StateIdle, retryCtx: retryCtx, cancelRetries: cancel}
		s.jobs[config.TenantID] = j
	}

	if err := s.schedule(j); err != nil {
		if !exists {
			delete(s.jobs, config.TenantID)
		}
		return err
	}

	s.logger.WithFields(logger.Fields{
		"tenant_id": config.TenantID,
		"cadence":   config.Cadence,
		"enabled":   config.Enabled,
		"replaced":  exists,
	}).Info("Sync job scheduled")
	return nil
}

// Reconfigure replaces the configuration of an existing job
func (s *Scheduler) Reconfigure(config *models.SyncConfig) error {
	if config == nil {
		return errors.ConfigurationError(errors.CodeMissingConfig, "sync_config", nil, nil)
	}
	s.mu.Lock()
	_, exists := s.jobs[config.TenantID]
	s.mu.Unlock()
	if !exists {
		return errors.SchedulerError(errors.CodeUnknownTenant, config.TenantID)
	}
	return s.ScheduleSync(config)
}

// Enable turns a job's timer on
func (s *Scheduler) Enable(tenantID string) error {
	return s.setEnabled(tenantID, true)
}

// Disable turns a job's timer off. A run in flight completes.
func (s *Scheduler) Disable(tenantID string) error {
	return s.setEnabled(tenantID, false)
}

func (s *Scheduler) setEnabled(tenantID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[tenantID]
	if !ok {
		return errors.SchedulerError(errors.CodeUnknownTenant, tenantID)
	}
	if j.config.Enabled == enabled {
		return nil
	}
	s.unschedule(j)
	j.config.Enabled = enabled
	if err := s.schedule(j); err != nil {
		return err
	}
	s.logger.WithFields(logger.Fields{"tenant_id": tenantID, "enabled": enabled}).Info("Sync job toggled")
	return nil
}

// StopSync removes a tenant job. Future ticks and pending retries are
// cancelled; an attempt in flight completes.
func (s *Scheduler) StopSync(tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[tenantID]
	if !ok {
		return errors.SchedulerError(errors.CodeUnknownTenant, tenantID)
	}
	s.unschedule(j)
	j.cancelRetries()
	delete(s.jobs, tenantID)
	s.logger.WithField("tenant_id", tenantID).Info("Sync job stopped")
	return nil
}

// StopAll cancels every timer, then waits up to the shutdown grace period
// for runs in flight. It returns the tenants still running when the grace
// period ran out.
func (s *Scheduler) StopAll() []string {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for _, j := range s.jobs {
		s.unschedule(j)
		j.cancelRetries()
	}
	s.mu.Unlock()

	// Cron job funcs only hand off to goroutines tracked by wg, so its own
	// stop context completes at once.
	<-s.cron.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped, all runs finished")
		return nil
	case <-time.After(s.config.ShutdownGrace):
	}

	overdue := s.runningTenants()
	s.logger.WithFields(logger.Fields{
		"grace":   s.config.ShutdownGrace.String(),
		"tenants": overdue,
	}).Warn("Shutdown grace period exceeded, runs still in flight")
	return overdue
}

// GetSyncStatus returns a snapshot of a tenant job
func (s *Scheduler) GetSyncStatus(tenantID string) (JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[tenantID]
	if !ok {
		return JobStatus{}, false
	}
	return s.status(j), true
}

// ListJobs returns every job ordered by tenant
func (s *Scheduler) ListJobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, s.status(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].TenantID < out[b].TenantID })
	return out
}

// Running returns how many tenant runs are in flight
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// TriggerManualSync runs a tenant sync now and waits for it. It fails fast
// when the tenant is already running or the concurrency cap is reached.
func (s *Scheduler) TriggerManualSync(ctx context.Context, tenantID string) (*models.SyncRun, error) {
	j, config, err := s.acquire(tenantID)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, j, config, TriggerManual)
}

// tick is the cron callback of a tenant
func (s *Scheduler) tick(tenantID string) {
	j, config, err := s.acquire(tenantID)
	if err != nil {
		s.logger.WithError(err).WithField("tenant_id", tenantID).Info("Scheduled sync skipped")
		return
	}
	go func() {
		_, _ = s.execute(context.Background(), j, config, TriggerScheduled)
	}()
}

// acquire moves a job to running, enforcing no-overlap and the global cap
func (s *Scheduler) acquire(tenantID string) (*job, models.SyncConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, models.SyncConfig{}, errors.SchedulerError(errors.CodeSchedulerStopped, tenantID)
	}
	j, ok := s.jobs[tenantID]
	if !ok {
		return nil, models.SyncConfig{}, errors.SchedulerError(errors.CodeUnknownTenant, tenantID)
	}
	if j.state == StateRunning {
		j.skipped++
		return nil, models.SyncConfig{}, errors.SchedulerError(errors.CodeAlreadyRunning, tenantID)
	}
	if s.running >= s.config.MaxConcurrent {
		j.skipped++
		return nil, models.SyncConfig{}, errors.SchedulerError(errors.CodeConcurrencyLimit, tenantID).
			WithContext("max_concurrent", s.config.MaxConcurrent)
	}

	j.state = StateRunning
	j.lastStartedAt = time.Now()
	s.running++
	s.wg.Add(1)
	return j, j.config, nil
}

// execute runs an acquired job to completion, then releases it
func (s *Scheduler) execute(ctx context.Context, j *job, config models.SyncConfig, triggeredBy string) (run *models.SyncRun, err error) {
	log := s.logger.WithFields(logger.Fields{
		"tenant_id":    config.TenantID,
		"triggered_by": triggeredBy,
	})

	defer func() {
		if r := recover(); r != nil {
			err = errors.InternalError(errors.CodeUnexpectedError, "sync run", fmt.Errorf("panic: %v", r))
			log.WithError(err).Error("Sync run panicked")
		}
		s.release(j, run, err)
		if run != nil && run.NeedsAttention() {
			s.notify(run)
		}
		s.wg.Done()
	}()

	lease, err := s.locker.TryLock(ctx, lock.TenantKey(config.TenantID), s.config.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			return nil, errors.SchedulerError(errors.CodeAlreadyRunning, config.TenantID).
				WithContext("lock", "held by another process")
		}
		return nil, errors.InternalError(errors.CodeUnexpectedError, "acquire tenant lock", err)
	}
	defer func() {
		if relErr := lease.Release(context.Background()); relErr != nil {
			log.WithError(relErr).Warn("Failed to release tenant lock")
		}
	}()

	stopHeartbeat := s.keepLease(lease, log)
	defer stopHeartbeat()

	return s.runWithRetry(ctx, j, &config, triggeredBy, log)
}

// keepLease extends the tenant lock every third of its TTL until the
// returned stop function is called, so a run and its retry waits never
// outlive the lock.
func (s *Scheduler) keepLease(lease lock.Lease, log logger.Logger) func() {
	ttl := s.config.LockTTL
	if ttl <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := lease.Extend(context.Background(), ttl); err != nil {
					log.WithError(err).Error("Failed to extend tenant lock, another process may start this tenant")
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// runWithRetry retries transient failures with exponential backoff. Every
// attempt persists its own SyncRun; the last one is returned.
func (s *Scheduler) runWithRetry(ctx context.Context, j *job, config *models.SyncConfig, triggeredBy string, log logger.Logger) (*models.SyncRun, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.config.RetryInitialInterval
	policy.MaxInterval = s.config.RetryMaxInterval
	policy.MaxElapsedTime = 0

	waitCtx, cancel := mergeCancel(ctx, j.retryCtx)
	defer cancel()

	var (
		run     *models.SyncRun
		lastErr error
		attempt int
	)
	operation := func() error {
		attempt++
		run, lastErr = s.runner.ExecuteFileSync(ctx, config, triggeredBy)
		if lastErr == nil {
			return nil
		}
		if !errors.IsTransient(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}
	notifyRetry := func(err error, wait time.Duration) {
		log.WithError(err).WithFields(logger.Fields{
			"attempt":  attempt,
			"retry_in": wait.String(),
		}).Warn("Transient sync failure, retrying")
	}

	policyWithLimits := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.config.MaxRetries)), waitCtx)
	if err := backoff.RetryNotify(operation, policyWithLimits, notifyRetry); err != nil {
		if lastErr != nil {
			return run, lastErr
		}
		return run, err
	}
	return run, nil
}

// release records the outcome and frees the job's concurrency slot
func (s *Scheduler) release(j *job, run *models.SyncRun, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running--
	j.runs++
	j.lastFinishedAt = time.Now()
	if run != nil {
		j.lastRun = run
	}
	if err != nil {
		j.state = StateError
		j.lastError = err.Error()
		return
	}
	j.state = StateIdle
	j.lastError = ""
}

func (s *Scheduler) notify(run *models.SyncRun) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.NotifyTimeout)
	defer cancel()
	notify.Safe(ctx, s.notifier, run, s.logger)
}

// schedule adds the job's cron entry if it needs one; callers hold mu
func (s *Scheduler) schedule(j *job) error {
	spec, timed, err := CronSpec(j.config.Cadence)
	if err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "cadence", j.config.Cadence, err)
	}
	if !timed || !j.config.Enabled {
		return nil
	}

	tenantID := j.config.TenantID
	id, err := s.cron.AddFunc(spec, func() { s.tick(tenantID) })
	if err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "cadence", spec, err)
	}
	j.entryID = id
	return nil
}

// unschedule removes the job's cron entry; callers hold mu
func (s *Scheduler) unschedule(j *job) {
	if j.entryID != 0 {
		s.cron.Remove(j.entryID)
		j.entryID = 0
	}
}

// status snapshots a job; callers hold mu
func (s *Scheduler) status(j *job) JobStatus {
	st := JobStatus{
		TenantID:     j.config.TenantID,
		Cadence:      j.config.Cadence,
		Enabled:      j.config.Enabled,
		State:        j.state,
		LastError:    j.lastError,
		Runs:         j.runs,
		SkippedTicks: j.skipped,
	}
	if j.entryID != 0 {
		if next := s.cron.Entry(j.entryID).Next; !next.IsZero() {
			st.NextRun = &next
		} else if projected, err := NextRun(j.config.Cadence, time.Now()); err == nil {
			// not started yet
			st.NextRun = projected
		}
	}
	if j.lastRun != nil {
		st.LastSyncID = j.lastRun.SyncID
		st.LastStatus = j.lastRun.Status
	}
	if !j.lastStartedAt.IsZero() {
		started := j.lastStartedAt
		st.LastStartedAt = &started
	}
	if !j.lastFinishedAt.IsZero() {
		finished := j.lastFinishedAt
		st.LastFinishedAt = &finished
	}
	return st
}

func (s *Scheduler) runningTenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id, j := range s.jobs {
		if j.state == StateRunning {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// mergeCancel returns a context cancelled when either parent is
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// cronLogger routes cron's own logging through the scheduler logger
type cronLogger struct {
	logger logger.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(keysAndValues []interface{}) logger.Fields {
	fields := logger.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
