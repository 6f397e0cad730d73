package ledger

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Recorder buffers completion records and commits them to the ledger in
// batches. Ledger write failures are logged, never propagated: the uploaded
// objects are already durably stored remotely, and the completion index is
// re-queried on every future run, so bookkeeping self-heals.
type Recorder struct {
	store  Store
	logger *zap.Logger

	mu      sync.Mutex
	pending []CompletionRecord
}

// NewRecorder creates a recorder over the given ledger store
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Add buffers one completion record
func (r *Recorder) Add(rec CompletionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, rec)
}

// Pending returns the number of buffered records
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush commits buffered records in one transaction. On failure the records
// stay buffered so a later flush can retry them.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := r.store.RecordCompletions(ctx, batch); err != nil {
		r.logger.Warn("Failed to commit completion records, will retry on next flush",
			zap.Int("records", len(batch)),
			zap.Error(err),
		)
		r.mu.Lock()
		r.pending = append(batch, r.pending...)
		r.mu.Unlock()
		return
	}

	r.logger.Debug("Committed completion records", zap.Int("records", len(batch)))
}

// Finalize flushes any remaining records and upserts the task summary with
// this run's counts
func (r *Recorder) Finalize(ctx context.Context, summary TaskSummary) {
	r.Flush(ctx)

	if err := r.store.UpsertTaskSummary(ctx, summary); err != nil {
		r.logger.Warn("Failed to record task summary",
			zap.String("task_id", summary.TaskID),
			zap.Error(err),
		)
	}
}
