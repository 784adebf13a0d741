package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"budget-sync-service/cmd/budgetsync/config"
	"budget-sync-service/internal/lock"
	"budget-sync-service/internal/models"
	"budget-sync-service/internal/reporter"
	"budget-sync-service/internal/scheduler"
	"budget-sync-service/internal/sources"
	"budget-sync-service/internal/store"
	"budget-sync-service/internal/syncer"
	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

// application holds the long-lived collaborators built from AppConfig
type application struct {
	config       *config.AppConfig
	logger       logger.Logger
	store        *store.SQLiteStore
	orchestrator *syncer.Orchestrator
	scheduler    *scheduler.Scheduler
	redis        *redis.Client
}

// newApplication opens the ledger and builds the scheduler with every
// configured tenant registered
func newApplication(ctx context.Context, cfg *config.AppConfig, log logger.Logger) (*application, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	st, err := store.NewSQLiteStore(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	st.SetLogger(log)

	app := &application{config: cfg, logger: log, store: st}

	app.orchestrator, err = syncer.NewOrchestrator(syncer.Dependencies{
		Store:      st,
		StagingDir: cfg.StagingDir,
		Logger:     log,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	var locker lock.Locker
	if cfg.Redis.Enabled() {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisLocker := lock.NewRedisLocker(app.redis)
		if err := redisLocker.Ping(ctx); err != nil {
			app.Close()
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "redis.addr", cfg.Redis.Addr, err).
				WithSuggestion("Start Redis or remove redis.addr to use the in-process lock")
		}
		locker = redisLocker
		log.WithField("addr", cfg.Redis.Addr).Info("Using Redis tenant lock")
	}

	app.scheduler, err = scheduler.New(app.orchestrator, scheduler.Options{
		Config:   cfg.SchedulerConfig(),
		Locker:   locker,
		Notifier: cfg.Notifier(log),
		Logger:   log,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	for i := range cfg.Tenants {
		tenant := cfg.Tenants[i]
		if err := app.scheduler.ScheduleSync(&tenant); err != nil {
			app.Close()
			return nil, err
		}
	}

	return app, nil
}

// Close releases the database and Redis connections
func (a *application) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close Redis client")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close store")
		}
	}
}

// buildSource creates the source configured for a tenant without opening
// the ledger
func buildSource(cfg *config.AppConfig, tenant *models.SyncConfig, log logger.Logger) (sources.Source, error) {
	return sources.DefaultRegistry().Build(tenant, sources.Options{
		TenantID:   tenant.TenantID,
		StagingDir: cfg.StagingDir,
		Logger:     log,
	})
}

// writeReport renders report to --output-file or stdout in --output-format
func writeReport(report interface{}) error {
	reportConfig, err := config.CreateReportConfig(outputFormat, verbose)
	if err != nil {
		return err
	}
	generator, err := reporter.NewSafeReportGenerator(reportConfig, logger.GetGlobalLogger())
	if err != nil {
		return err
	}

	output := os.Stdout
	if outputFile != "" {
		output, err = os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer output.Close()
	}

	return generator.Write(report, output)
}
