// Package syncer runs the end-to-end file sync pipeline for one tenant.
//
// The Orchestrator coordinates a run through these steps:
//  1. Read the checkpoint (end time of the last successful run).
//  2. Poll the tenant's source for files received since the checkpoint.
//  3. Parse the newest file. Older files from the same poll are ignored.
//  4. Classify the headers and gate on mapping confidence.
//  5. Validate the rows and transform the valid ones into budget records.
//  6. Reconcile the records into the ledger.
//  7. Persist a SyncRun.
//
// Exactly one SyncRun is persisted per invocation whatever the outcome.
//
// Example usage:
//
//	orchestrator, err := syncer.NewOrchestrator(syncer.Dependencies{Store: st})
//	run, err := orchestrator.ExecuteFileSync(ctx, tenantConfig, "scheduler")
//	fmt.Printf("%s: %d created, %d updated\n", run.Status, run.Stats.Created, run.Stats.Updated)
package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"budget-sync-service/internal/importer"
	"budget-sync-service/internal/mapping"
	"budget-sync-service/internal/models"
	"budget-sync-service/internal/parsers"
	"budget-sync-service/internal/sources"
	"budget-sync-service/internal/store"
	"budget-sync-service/internal/validator"
	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

// MappingSampleRows is how many data rows the mapping engine sees
const MappingSampleRows = 10

// Pipeline step names, as recorded by the operation logger
const (
	StepCheckpoint = "checkpoint"
	StepPoll       = "poll"
	StepParse      = "parse"
	StepMap        = "map"
	StepValidate   = "validate"
	StepTransform  = "transform"
	StepReconcile  = "reconcile"
	StepPersist    = "persist"
)

// Dependencies are the collaborators of an Orchestrator. Only Store is
// required; the rest default to their package defaults.
type Dependencies struct {
	Store      store.Store
	Registry   *sources.Registry
	Mapper     *mapping.Engine
	Validator  *validator.Validator
	Importer   *importer.Engine
	Parser     *parsers.BaseParser
	StagingDir string
	Logger     logger.Logger
}

// Orchestrator executes sync runs
type Orchestrator struct {
	store      store.Store
	registry   *sources.Registry
	mapper     *mapping.Engine
	validator  *validator.Validator
	importer   *importer.Engine
	parser     *parsers.BaseParser
	stagingDir string
	logger     logger.Logger

	now   func() time.Time
	newID func() string
}

// NewOrchestrator creates an orchestrator from its dependencies
func NewOrchestrator(deps Dependencies) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "store", nil, nil).
			WithSuggestion("provide a store for the ledger and sync history")
	}

	log := deps.Logger
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	o := &Orchestrator{
		store:      deps.Store,
		registry:   deps.Registry,
		mapper:     deps.Mapper,
		validator:  deps.Validator,
		importer:   deps.Importer,
		parser:     deps.Parser,
		stagingDir: deps.StagingDir,
		logger:     log.WithComponent("orchestrator"),
		now:        time.Now,
		newID:      uuid.NewString,
	}

	if o.registry == nil {
		o.registry = sources.DefaultRegistry()
	}
	if o.mapper == nil {
		mapper, err := mapping.NewEngine(nil)
		if err != nil {
			return nil, err
		}
		o.mapper = mapper
	}
	if o.validator == nil {
		o.validator = validator.New(nil)
	}
	if o.importer == nil {
		o.importer = importer.NewEngine(deps.Store)
	}
	if o.parser == nil {
		o.parser = parsers.NewBaseParser(nil)
	}
	if deps.Logger != nil {
		o.mapper.SetLogger(deps.Logger)
		o.validator.SetLogger(deps.Logger)
		o.importer.SetLogger(deps.Logger)
		o.parser.SetLogger(deps.Logger)
	}

	return o, nil
}

// run carries the state of one ExecuteFileSync call
type run struct {
	record *models.SyncRun
	op     *logger.OperationLogger
}

func (r *run) fail(err error) {
	r.record.Status = models.SyncFailed
	r.record.Errors = append(r.record.Errors, err.Error())
}

func (r *run) warn(message string) {
	r.record.Warnings = append(r.record.Warnings, message)
	r.op.Warning(message)
}

// ExecuteFileSync runs the pipeline once for a tenant. The returned SyncRun
// is never nil. The error is non-nil when the run failed on a fatal
// condition or its history record could not be persisted; errors.IsTransient
// tells callers whether retrying may help.
func (o *Orchestrator) ExecuteFileSync(ctx context.Context, config *models.SyncConfig, triggeredBy string) (*models.SyncRun, error) {
	if config == nil {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "sync_config", nil, nil)
	}

	r := &run{
		record: &models.SyncRun{
			SyncID:      o.newID(),
			TenantID:    config.TenantID,
			StartTime:   o.now().UTC(),
			SourceType:  config.SourceType,
			TriggeredBy: triggeredBy,
		},
	}
	r.op = logger.NewOperationLogger("file_sync", o.logger).WithFields(logger.Fields{
		"tenant_id":    config.TenantID,
		"sync_id":      r.record.SyncID,
		"source_type":  config.SourceType,
		"triggered_by": triggeredBy,
	})

	runErr := o.execute(ctx, config, r)
	if runErr != nil {
		r.fail(runErr)
	}

	r.record.EndTime = o.now().UTC()
	r.op.Step(StepPersist)
	// The history write must survive a canceled run context.
	if err := o.store.SaveSyncRun(context.WithoutCancel(ctx), r.record); err != nil {
		r.op.Error(err, "Failed to persist sync run")
		if runErr == nil {
			runErr = err
		}
		return r.record, runErr
	}

	if runErr != nil {
		r.op.Error(runErr, "Sync run failed")
		return r.record, runErr
	}

	r.op.WithFields(logger.Fields{
		"status":       r.record.Status,
		"file":         r.record.FileName,
		"created":      r.record.Stats.Created,
		"updated":      r.record.Stats.Updated,
		"unchanged":    r.record.Stats.Unchanged,
		"soft_deleted": r.record.Stats.SoftDeleted,
		"errors":       r.record.Stats.Errors,
	}).Success("Sync run completed")
	return r.record, nil
}

func (o *Orchestrator) execute(ctx context.Context, config *models.SyncConfig, r *run) error {
	r.op.Step(StepCheckpoint)
	var since *time.Time
	last, err := o.store.LastSuccessfulSyncRun(ctx, config.TenantID)
	if err != nil {
		return err
	}
	if last != nil {
		checkpoint := last.EndTime
		since = &checkpoint
	}

	r.op.Step(StepPoll)
	source, err := o.registry.Build(config, sources.Options{
		TenantID:   config.TenantID,
		StagingDir: o.stagingDir,
		Parser:     o.parser,
		Logger:     o.logger,
	})
	if err != nil {
		return err
	}

	files, err := source.Poll(ctx, since)
	if err != nil {
		return err
	}
	file, ok := sources.Newest(files)
	if !ok {
		r.record.Status = models.SyncSuccess
		r.op.Step("no new files")
		return nil
	}
	if len(files) > 1 {
		r.warn(fmt.Sprintf("%d files received since the last sync, only the newest (%s) was processed", len(files), file.Name))
	}
	r.record.FileName = file.Name

	r.op.Step(StepParse)
	parsed, err := source.Parse(ctx, file)
	if err != nil {
		return err
	}
	if len(parsed.Rows) == 0 {
		return errors.ParseError(errors.CodeEmptyOrUnparseable, file.Name, fmt.Errorf("file has no data rows"))
	}
	r.record.Stats.Total = len(parsed.Rows)

	r.op.Step(StepMap)
	result := o.mapper.Classify(parsed.Headers, parsed.Sample(MappingSampleRows), &mapping.Options{
		KnownValues: map[models.CanonicalField][]string{
			models.FieldDepartment: config.KnownDepartments,
		},
		Strict: config.StrictMapping,
	})
	r.record.MappingConfidence = result.OverallConfidence
	r.record.Mappings = result.Mappings
	if err := o.gate(config, result, r); err != nil {
		return err
	}

	r.op.Step(StepValidate)
	validation := o.validator.Validate(parsed.Headers, parsed.Rows, result.Mappings, &validator.TenantConfig{
		KnownDepartments:    config.KnownDepartments,
		SupportedCurrencies: config.SupportedCurrencies,
	})
	for _, issue := range validation.Issues {
		if issue.Severity == validator.SeverityWarning {
			r.record.Warnings = append(r.record.Warnings, issue.String())
		} else {
			r.record.Errors = append(r.record.Errors, issue.String())
		}
	}

	r.op.Step(StepTransform)
	batch := transform(parsed, result.Mappings, validation)
	for _, rowErr := range batch.errors {
		r.record.Errors = append(r.record.Errors, rowErr.Error())
	}
	dropped := batch.dropped
	r.op.Progress("Rows transformed", int64(len(batch.records)), int64(len(parsed.Rows)))

	if len(batch.records) == 0 {
		r.record.Stats.Errors = dropped
		return errors.ValidationError(errors.CodeRowTransform, "rows", len(parsed.Rows),
			fmt.Errorf("all %d rows were rejected, reconciliation skipped", len(parsed.Rows)))
	}

	r.op.Step(StepReconcile)
	imported, err := o.importer.ImportBudgets(ctx, config.TenantID, batch.records, importer.ImportMetadata{
		SyncID:            r.record.SyncID,
		ChangedBy:         triggeredByActor(r.record.TriggeredBy),
		Reason:            fmt.Sprintf("sync %s from %s", r.record.SyncID, file.Name),
		SoftDeleteMissing: config.SoftDeleteMissing,
		ProtectedKeys:     batch.protected,
	})
	if err != nil {
		r.record.Stats.Errors = dropped
		return err
	}

	r.record.Stats.Created = imported.Created
	r.record.Stats.Updated = imported.Updated
	r.record.Stats.Unchanged = imported.Unchanged
	r.record.Stats.SoftDeleted = imported.SoftDeleted
	r.record.Stats.Errors = dropped + len(imported.Errors)
	for _, recErr := range imported.Errors {
		r.record.Errors = append(r.record.Errors, recErr.Error())
	}
	if imported.SoftDeleted > 0 {
		r.warn(fmt.Sprintf("%d budgets missing from %s were soft-deleted", imported.SoftDeleted, file.Name))
	}

	r.record.Status = deriveStatus(r.record.Stats)
	return nil
}

// gate rejects a mapping that misses required fields or falls below the
// tenant's confidence threshold without auto-apply.
func (o *Orchestrator) gate(config *models.SyncConfig, result *models.MappingResult, r *run) error {
	if !result.HasAllRequired() {
		fields := make([]string, len(result.MissingRequiredFields))
		for i, f := range result.MissingRequiredFields {
			fields[i] = f.String()
		}
		return errors.MappingError(errors.CodeMissingRequiredField, fields, "")
	}

	if result.OverallConfidence >= config.MinConfidence {
		return nil
	}

	var weak []string
	for _, m := range result.Mappings {
		if m.Confidence < config.MinConfidence {
			weak = append(weak, fmt.Sprintf("%s <- %q (%.2f)", m.TargetField, m.SourceColumn, m.Confidence))
		}
	}
	detail := fmt.Sprintf("mapping confidence %.2f is below the threshold %.2f", result.OverallConfidence, config.MinConfidence)
	if len(weak) > 0 {
		detail += "; low-confidence columns: " + strings.Join(weak, ", ")
	}

	if config.AutoApplyMapping {
		r.warn("auto-applied mapping: " + detail)
		return nil
	}
	return errors.MappingError(errors.CodeLowMappingConfidence, weak, detail)
}

// deriveStatus applies the success/partial/failed rule to a reconciled run
func deriveStatus(stats models.SyncStats) models.SyncStatus {
	switch {
	case stats.Errors == 0:
		return models.SyncSuccess
	case stats.Errors < stats.Total:
		return models.SyncPartial
	default:
		return models.SyncFailed
	}
}

func triggeredByActor(triggeredBy string) string {
	if triggeredBy == "" {
		return importer.DefaultChangedBy
	}
	return importer.DefaultChangedBy + ":" + triggeredBy
}
