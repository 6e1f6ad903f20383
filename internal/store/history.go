package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// InstallRun is one audit row for a plan/commit/post-process cycle.
type InstallRun struct {
	ID          int64
	GameID      string
	Title       string
	ShareCode   string
	Status      string // "planned", "downloading", "installed", "failed"
	FilesTotal  int
	FilesFailed int
	BytesTotal  int64
	Message     string
	StartedAt   time.Time
	CompletedAt time.Time
}

// FailedFile is a dead-letter record for one file that failed during an
// install run, kept for post-hoc diagnosis.
type FailedFile struct {
	ID            int64
	RunID         int64
	FileID        string
	Name          string
	Reason        string
	Attempts      int
	LastAttemptAt time.Time
}

// History is the sqlite-backed install-run ledger. Writes are best-effort
// from the caller's point of view: a ledger failure never fails an install.
type History struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenHistory opens the ledger database and runs migrations.
func OpenHistory(dbPath string, logger *slog.Logger) (*History, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	h := &History{db: db, logger: logger.With("component", "history")}
	if err := h.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run history migrations: %w", err)
	}
	logger.Info("history ledger initialized", "path", dbPath)
	return h, nil
}

// Close closes the database connection.
func (h *History) Close() error {
	if err := h.db.Close(); err != nil {
		return fmt.Errorf("close history database: %w", err)
	}
	return nil
}

// CreateInstallRun inserts a new run and sets its ID.
func (h *History) CreateInstallRun(run *InstallRun) error {
	const query = `
		INSERT INTO install_runs (
			game_id, title, share_code, status, files_total, files_failed,
			bytes_total, message, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := h.db.Exec(
		query,
		run.GameID, run.Title, run.ShareCode, run.Status, run.FilesTotal,
		run.FilesFailed, run.BytesTotal, run.Message, run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert install run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	run.ID = id
	return nil
}

// UpdateInstallRun updates an existing run by ID.
func (h *History) UpdateInstallRun(run *InstallRun) error {
	const query = `
		UPDATE install_runs SET
			game_id = ?, title = ?, share_code = ?, status = ?, files_total = ?,
			files_failed = ?, bytes_total = ?, message = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := h.db.Exec(
		query,
		run.GameID, run.Title, run.ShareCode, run.Status, run.FilesTotal,
		run.FilesFailed, run.BytesTotal, run.Message, run.StartedAt, run.CompletedAt,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("update install run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("install run not found: %d", run.ID)
	}
	return nil
}

// ListInstallRuns retrieves runs, newest first, optionally filtered by game.
func (h *History) ListInstallRuns(gameID string, limit int) ([]InstallRun, error) {
	query := `
		SELECT id, game_id, title, share_code, status, files_total, files_failed,
		       bytes_total, message, started_at, completed_at
		FROM install_runs
	`
	var args []any
	if gameID != "" {
		query += " WHERE game_id = ?"
		args = append(args, gameID)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query install runs: %w", err)
	}
	defer rows.Close()

	var runs []InstallRun
	for rows.Next() {
		run := InstallRun{}
		err := rows.Scan(
			&run.ID, &run.GameID, &run.Title, &run.ShareCode, &run.Status,
			&run.FilesTotal, &run.FilesFailed, &run.BytesTotal, &run.Message,
			&run.StartedAt, &run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan install run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate install runs: %w", err)
	}
	return runs, nil
}

// RecordFailedFile upserts a dead-letter record for one file in a run:
// update the existing row for the same run+file, or insert a new one.
func (h *History) RecordFailedFile(rec *FailedFile) error {
	const updateQuery = `
		UPDATE failed_files
		SET reason = ?, attempts = attempts + 1, last_attempt_at = ?
		WHERE run_id = ? AND file_id = ?
	`

	result, err := h.db.Exec(updateQuery, rec.Reason, rec.LastAttemptAt, rec.RunID, rec.FileID)
	if err != nil {
		return fmt.Errorf("update failed file record: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil
	}

	const insertQuery = `
		INSERT INTO failed_files (run_id, file_id, name, reason, attempts, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err = h.db.Exec(
		insertQuery,
		rec.RunID, rec.FileID, rec.Name, rec.Reason, max(rec.Attempts, 1), rec.LastAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("insert failed file record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// ListFailedFiles retrieves the dead-letter records for one run.
func (h *History) ListFailedFiles(runID int64) ([]FailedFile, error) {
	const query = `
		SELECT id, run_id, file_id, name, reason, attempts, last_attempt_at
		FROM failed_files WHERE run_id = ? ORDER BY last_attempt_at DESC
	`

	rows, err := h.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("query failed files: %w", err)
	}
	defer rows.Close()

	var records []FailedFile
	for rows.Next() {
		rec := FailedFile{}
		err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.FileID, &rec.Name,
			&rec.Reason, &rec.Attempts, &rec.LastAttemptAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed file record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed file records: %w", err)
	}
	return records, nil
}
