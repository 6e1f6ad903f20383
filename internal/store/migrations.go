package store

import (
	"fmt"
)

// migrate runs all pending migrations.
func (h *History) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := h.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err := h.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}

	h.logger.Info("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE install_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					game_id TEXT NOT NULL,
					title TEXT,
					share_code TEXT,
					status TEXT DEFAULT 'planned',
					files_total INTEGER DEFAULT 0,
					files_failed INTEGER DEFAULT 0,
					bytes_total INTEGER DEFAULT 0,
					message TEXT,
					started_at DATETIME NOT NULL,
					completed_at DATETIME
				);

				CREATE TABLE failed_files (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id INTEGER NOT NULL,
					file_id TEXT NOT NULL,
					name TEXT,
					reason TEXT,
					attempts INTEGER DEFAULT 0,
					last_attempt_at DATETIME NOT NULL,
					FOREIGN KEY(run_id) REFERENCES install_runs(id)
				);

				CREATE INDEX idx_install_runs_game ON install_runs(game_id);
				CREATE INDEX idx_failed_files_run ON failed_files(run_id);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			h.logger.Info("running migration", "version", mig.version)

			if err := h.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("run migration %d: %w", mig.version, err)
			}

			h.logger.Info("migration completed", "version", mig.version)
		}
	}

	return nil
}

// runMigration executes a migration and records it.
func (h *History) runMigration(version int, sql string) error {
	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("execute migration SQL: %w", err)
	}

	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}
