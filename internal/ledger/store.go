package ledger

import (
	"context"
	"time"
)

// CompletionStatus records how a file reached the ledger
type CompletionStatus string

const (
	StatusUploaded CompletionStatus = "uploaded"
	StatusSkipped  CompletionStatus = "skipped"
)

// CompletionRecord is one row per transferred file, keyed by remote key.
// The ledger is ground truth for "already uploaded"; local checkpoints are
// only a cache over it.
type CompletionRecord struct {
	TaskID     string           `json:"task_id"`
	RemoteKey  string           `json:"remote_key"`
	FileName   string           `json:"file_name"`
	SizeBytes  int64            `json:"size_bytes"`
	Category   string           `json:"category"`
	Status     CompletionStatus `json:"status"`
	UploadedAt time.Time        `json:"uploaded_at"`
}

// TaskSummary is the per-task bookkeeping row. Counts are per-run deltas;
// the store adds them onto any existing row from a prior partial run.
type TaskSummary struct {
	TaskID        string    `json:"task_id"`
	RemotePrefix  string    `json:"remote_prefix"`
	LocalRoot     string    `json:"local_root"`
	Status        string    `json:"status"`
	UploadedFiles int       `json:"uploaded_files"`
	SkippedFiles  int       `json:"skipped_files"`
	FailedFiles   int       `json:"failed_files"`
	UploadedBytes int64     `json:"uploaded_bytes"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store defines the ledger operations the engine needs
type Store interface {
	// CompletedKeys returns the remote keys already completed for a task.
	// An unreachable ledger or a missing table yields an empty set, not an
	// error: resume stays possible at the cost of redundant re-uploads.
	CompletedKeys(ctx context.Context, taskID string) (map[string]struct{}, error)

	// RecordCompletions commits a batch of completion rows in one transaction
	RecordCompletions(ctx context.Context, records []CompletionRecord) error

	// UpsertTaskSummary inserts or additively updates the task summary row
	UpsertTaskSummary(ctx context.Context, summary TaskSummary) error

	Close() error
}
