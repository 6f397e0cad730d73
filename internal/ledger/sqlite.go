package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	logger  *zap.Logger
	closed  atomic.Bool
	writeMu sync.Mutex
}

// NewSQLiteStore creates a SQLite ledger store at dbPath
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	// Configure SQLite for concurrent access
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=2000&_foreign_keys=on&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{
		db:     db,
		logger: logger,
	}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS upload_files (
		task_id TEXT NOT NULL,
		remote_key TEXT NOT NULL,
		file_name TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		category TEXT NOT NULL,
		status TEXT NOT NULL,
		uploaded_at DATETIME NOT NULL,
		PRIMARY KEY (task_id, remote_key)
	);

	CREATE INDEX IF NOT EXISTS idx_upload_files_task ON upload_files(task_id);

	CREATE TABLE IF NOT EXISTS upload_tasks (
		task_id TEXT PRIMARY KEY,
		remote_prefix TEXT NOT NULL,
		local_root TEXT NOT NULL,
		status TEXT NOT NULL,
		uploaded_files INTEGER NOT NULL DEFAULT 0,
		skipped_files INTEGER NOT NULL DEFAULT 0,
		failed_files INTEGER NOT NULL DEFAULT 0,
		uploaded_bytes INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(query)
	return err
}

// CompletedKeys returns the remote keys already recorded for a task. The
// common outage cases degrade to an empty set: a closed store, an
// unreachable database or a table that does not exist yet.
func (s *SQLiteStore) CompletedKeys(ctx context.Context, taskID string) (map[string]struct{}, error) {
	keys := make(map[string]struct{})

	if s.closed.Load() {
		s.logger.Warn("Ledger store closed, treating task as having no completions")
		return keys, nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Warn("Ledger unreachable, treating task as having no completions",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		return keys, nil
	}

	exists, err := s.tableExists(ctx, "upload_files")
	if err != nil || !exists {
		if err != nil {
			s.logger.Warn("Failed to check ledger schema", zap.Error(err))
		}
		return keys, nil
	}

	query := `SELECT remote_key FROM upload_files WHERE task_id = ?`
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return keys, fmt.Errorf("failed to query completed keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys[key] = struct{}{}
	}

	return keys, rows.Err()
}

func (s *SQLiteStore) tableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecordCompletions commits completion rows in a single transaction with
// retry on busy
func (s *SQLiteStore) RecordCompletions(ctx context.Context, records []CompletionRecord) error {
	if len(records) == 0 {
		return nil
	}
	if s.closed.Load() {
		return fmt.Errorf("ledger store is closed")
	}

	// Serialize writes to avoid SQLITE_BUSY from concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.insertRecordsTx(ctx, records)
	})
}

func (s *SQLiteStore) insertRecordsTx(ctx context.Context, records []CompletionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO upload_files
	(task_id, remote_key, file_name, size_bytes, category, status, uploaded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(task_id, remote_key) DO UPDATE SET
		size_bytes = excluded.size_bytes,
		status = excluded.status,
		uploaded_at = excluded.uploaded_at
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		uploadedAt := rec.UploadedAt
		if uploadedAt.IsZero() {
			uploadedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			rec.TaskID,
			rec.RemoteKey,
			rec.FileName,
			rec.SizeBytes,
			rec.Category,
			rec.Status,
			uploadedAt,
		); err != nil {
			return fmt.Errorf("failed to insert completion row for %s: %w", rec.RemoteKey, err)
		}
	}

	return tx.Commit()
}

// UpsertTaskSummary inserts the summary row, or adds this run's counts onto
// the row a prior partial run left behind
func (s *SQLiteStore) UpsertTaskSummary(ctx context.Context, summary TaskSummary) error {
	if s.closed.Load() {
		return fmt.Errorf("ledger store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		now := time.Now().UTC()
		query := `
		INSERT INTO upload_tasks
		(task_id, remote_prefix, local_root, status, uploaded_files, skipped_files, failed_files, uploaded_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			remote_prefix = excluded.remote_prefix,
			local_root = excluded.local_root,
			status = excluded.status,
			uploaded_files = upload_tasks.uploaded_files + excluded.uploaded_files,
			skipped_files = upload_tasks.skipped_files + excluded.skipped_files,
			failed_files = upload_tasks.failed_files + excluded.failed_files,
			uploaded_bytes = upload_tasks.uploaded_bytes + excluded.uploaded_bytes,
			updated_at = excluded.updated_at
		`

		_, err := s.db.ExecContext(ctx, query,
			summary.TaskID,
			summary.RemotePrefix,
			summary.LocalRoot,
			summary.Status,
			summary.UploadedFiles,
			summary.SkippedFiles,
			summary.FailedFiles,
			summary.UploadedBytes,
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert task summary: %w", err)
		}
		return nil
	})
}

// TaskSummaryFor returns the summary row for a task, or nil when none exists
func (s *SQLiteStore) TaskSummaryFor(ctx context.Context, taskID string) (*TaskSummary, error) {
	query := `
	SELECT task_id, remote_prefix, local_root, status, uploaded_files, skipped_files, failed_files, uploaded_bytes, updated_at
	FROM upload_tasks WHERE task_id = ?
	`

	var summary TaskSummary
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&summary.TaskID,
		&summary.RemotePrefix,
		&summary.LocalRoot,
		&summary.Status,
		&summary.UploadedFiles,
		&summary.SkippedFiles,
		&summary.FailedFiles,
		&summary.UploadedBytes,
		&summary.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			// Exponential backoff with a little jitter
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			time.Sleep(delay + jitter)
			continue
		}

		return err
	}

	return nil
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection. Safe to call while readers are
// querying: they observe the flag and fail open.
func (s *SQLiteStore) Close() error {
	s.closed.Store(true)
	return s.db.Close()
}
