package store

import (
	"context"
	"database/sql"
	"fmt"

	"budget-sync-service/pkg/logger"
)

// ExpectedSchemaVersion is the schema version this build works against
const ExpectedSchemaVersion = 2

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Budget ledger, utilization and audit log",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS budgets (
					id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL,
					department TEXT NOT NULL,
					sub_category TEXT NOT NULL DEFAULT '',
					fiscal_period TEXT NOT NULL,
					budgeted_amount TEXT NOT NULL,
					currency TEXT NOT NULL,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL,
					deleted_at DATETIME
				)`,
				`CREATE UNIQUE INDEX idx_budgets_natural_key
					ON budgets(tenant_id, department, sub_category, fiscal_period)`,

				`CREATE TABLE IF NOT EXISTS budget_utilization (
					budget_id TEXT PRIMARY KEY,
					committed_amount TEXT NOT NULL DEFAULT '0',
					reserved_amount TEXT NOT NULL DEFAULT '0',
					updated_at DATETIME NOT NULL,
					FOREIGN KEY (budget_id) REFERENCES budgets(id)
				)`,

				`CREATE TABLE IF NOT EXISTS audit_log (
					id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL,
					budget_id TEXT NOT NULL,
					action TEXT NOT NULL,
					old_value TEXT,
					new_value TEXT,
					changed_by TEXT NOT NULL,
					reason TEXT,
					timestamp DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_audit_log_budget ON audit_log(tenant_id, budget_id, timestamp)`,
			)
		},
	},
	{
		Version:     2,
		Description: "Sync run history",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS sync_runs (
					sync_id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL,
					status TEXT NOT NULL,
					start_time DATETIME NOT NULL,
					end_time DATETIME NOT NULL,
					stats TEXT NOT NULL,
					errors TEXT,
					warnings TEXT,
					source_type TEXT,
					triggered_by TEXT,
					file_name TEXT,
					mapping_confidence REAL DEFAULT 0,
					mappings TEXT
				)`,
				`CREATE INDEX idx_sync_runs_tenant_end ON sync_runs(tenant_id, end_time)`,
				`CREATE INDEX idx_sync_runs_tenant_status ON sync_runs(tenant_id, status, end_time)`,
			)
		},
	},
}

func execAll(tx *sql.Tx, queries ...string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Migrate brings the schema up to ExpectedSchemaVersion
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	var currentVersion int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := migration.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}

		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		s.logger.WithFields(logger.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applied migration")
	}

	var finalVersion int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion); err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}
	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}
