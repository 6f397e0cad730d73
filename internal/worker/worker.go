package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"photosync/internal/ledger"
	"photosync/internal/metrics"
	"photosync/internal/progress"
	"photosync/internal/scan"
	"photosync/internal/state"
	"photosync/internal/storage"

	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning is returned by Start while a run is in flight
	ErrAlreadyRunning = errors.New("a task is already running")
	// ErrRemoteUnreachable indicates the pre-transfer connectivity probe failed
	ErrRemoteUnreachable = errors.New("remote store unreachable")
)

// TransferWorker drives one task at a time through scan, resume and transfer.
// Pause, Resume and Cancel only flip flags; the run goroutine observes them
// between files, so a file is never marked complete unless its upload fully
// finished.
type TransferWorker struct {
	cfg     Config
	logger  *zap.Logger
	client  storage.Client
	ledger  ledger.Store
	states  *state.Store
	metrics *metrics.Collector

	acc *progress.Accumulator

	paused    atomic.Bool
	cancelled atomic.Bool

	mu       sync.Mutex
	st       State
	running  bool
	onLog    []func(string)
	onProg   []func(progress.Snapshot)
	onFinish []func(Result)
}

// New creates a transfer worker. metrics may be nil.
func New(cfg Config, client storage.Client, ledgerStore ledger.Store, states *state.Store, collector *metrics.Collector, logger *zap.Logger) *TransferWorker {
	cfg.applyDefaults()
	w := &TransferWorker{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		ledger:  ledgerStore,
		states:  states,
		metrics: collector,
		st:      StateIdle,
	}
	w.acc = progress.NewAccumulator(w.emitProgress)
	return w
}

// OnLog registers a handler for human-readable log lines
func (w *TransferWorker) OnLog(fn func(string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onLog = append(w.onLog, fn)
}

// OnProgress registers a handler for progress snapshots
func (w *TransferWorker) OnProgress(fn func(progress.Snapshot)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onProg = append(w.onProg, fn)
}

// OnFinished registers a handler for the final run summary
func (w *TransferWorker) OnFinished(fn func(Result)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFinish = append(w.onFinish, fn)
}

// State returns the current lifecycle state
func (w *TransferWorker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st
}

// Progress returns the current progress snapshot
func (w *TransferWorker) Progress() progress.Snapshot {
	return w.acc.Snapshot()
}

// Accumulator exposes the progress accumulator for console display wiring
func (w *TransferWorker) Accumulator() *progress.Accumulator {
	return w.acc
}

// Start begins a run for the task. It returns immediately; the transfer runs
// on its own goroutine and reports through the registered handlers. Only one
// task runs at a time.
func (w *TransferWorker) Start(ctx context.Context, task Task) error {
	task.normalize()

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.running = true
	w.st = StateScanning
	w.mu.Unlock()

	w.paused.Store(false)
	w.cancelled.Store(false)

	go w.run(ctx, task)
	return nil
}

// Pause requests that the run stop after the current file. Safe to call from
// any goroutine; no-op when nothing is transferring.
func (w *TransferWorker) Pause() {
	w.paused.Store(true)
}

// Resume lifts a pause
func (w *TransferWorker) Resume() {
	w.paused.Store(false)
}

// Cancel requests that the run stop permanently after the current file. The
// checkpoint is persisted before the run ends, so a new Start resumes exactly
// where cancellation landed.
func (w *TransferWorker) Cancel() {
	w.cancelled.Store(true)
}

func (w *TransferWorker) setState(st State) {
	w.mu.Lock()
	w.st = st
	w.mu.Unlock()
}

func (w *TransferWorker) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	w.logger.Info(msg)

	w.mu.Lock()
	handlers := w.onLog
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

func (w *TransferWorker) emitProgress(snap progress.Snapshot) {
	w.mu.Lock()
	handlers := w.onProg
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(snap)
	}
}

func (w *TransferWorker) finish(res Result) {
	w.setState(res.State)

	w.mu.Lock()
	w.running = false
	handlers := w.onFinish
	w.mu.Unlock()

	if res.Err != nil {
		w.logf("Task %s ended in state %s: %v", res.TaskID, res.State, res.Err)
	} else {
		w.logf("Task %s finished: %s, %d uploaded, %d skipped, %d failed, %s transferred in %s",
			res.TaskID, res.State, res.UploadedFiles, res.SkippedFiles, res.FailedFiles,
			progress.FormatBytes(res.UploadedBytes), res.Duration.Round(time.Millisecond))
	}

	for _, fn := range handlers {
		fn(res)
	}
}

// runCounts tracks this run's deltas for the ledger task summary, separate
// from the cumulative checkpoint counts
type runCounts struct {
	uploaded int
	skipped  int
	failed   int
	bytes    int64
}

func (w *TransferWorker) run(ctx context.Context, task Task) {
	started := time.Now()

	w.logf("Starting task %s: %s -> %s/%s", task.TaskID, task.LocalRoot, task.Bucket, task.RemotePrefix)

	// Connectivity probe before any transfer work. A previously saved
	// checkpoint stays on disk untouched, so the task resumes exactly once
	// the remote store is back.
	ok, err := w.client.BucketExists(ctx, task.Bucket)
	if err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("bucket %q does not exist", task.Bucket)
		}
		w.finish(Result{
			TaskID:   task.TaskID,
			State:    StateFailed,
			Err:      fmt.Errorf("%w: %v", ErrRemoteUnreachable, err),
			Duration: time.Since(started),
		})
		return
	}

	manifest, err := scan.NewScanner(w.logger).Scan(task.LocalRoot, task.RemotePrefix)
	if err != nil {
		// Path errors abort before any checkpoint is written
		w.finish(Result{
			TaskID:   task.TaskID,
			State:    StateFailed,
			Err:      err,
			Duration: time.Since(started),
		})
		return
	}
	w.logf("Scan complete: %d files, %s", manifest.Len(), progress.FormatBytes(manifest.TotalBytes))

	cp, completed, ledgerKeys := w.buildResumeState(ctx, task, manifest)
	recorder := ledger.NewRecorder(w.ledger, w.logger)

	// Seed even on a fresh start so a reused worker never carries the
	// previous run's counts into this run's snapshots
	w.acc.SetTotals(cp.TotalFiles, cp.TotalBytes)
	w.acc.SeedCompleted(cp.UploadedFiles, cp.SkippedFiles, 0, cp.UploadedBytes)
	if cp.CursorIndex > 0 || len(completed) > 0 {
		w.logf("Resuming task %s at entry %d/%d (%d already completed)",
			task.TaskID, cp.CursorIndex, cp.TotalFiles, len(completed))
	}

	if manifest.Len() == 0 {
		w.saveCheckpoint(cp)
		recorder.Finalize(ctx, w.taskSummary(task, string(StateCompleted), runCounts{}))
		w.finish(w.result(task, StateCompleted, cp, time.Since(started), nil))
		return
	}

	w.setState(StateTransferring)
	run := runCounts{}
	sinceCheckpoint := 0

	for i := cp.CursorIndex; i < len(manifest.Entries); i++ {
		if w.cancelled.Load() || ctx.Err() != nil {
			cp.SetCompletedKeys(completed)
			w.endRun(ctx, task, cp, recorder, run, StateCancelled, started)
			return
		}
		if w.paused.Load() {
			cp.SetCompletedKeys(completed)
			if !w.waitWhilePaused(ctx, cp) {
				w.endRun(ctx, task, cp, recorder, run, StateCancelled, started)
				return
			}
		}

		entry := manifest.Entries[i]

		switch {
		case w.keyDone(completed, entry.RemoteKey):
			// Completed in a previous run. Queue a row when the ledger did
			// not already know the key, so an outage-era checkpoint
			// back-fills the index.
			cp.SkippedFiles++
			cp.UploadedBytes += entry.SizeBytes
			run.skipped++
			w.acc.FileSkipped(entry.SizeBytes)
			if w.metrics != nil {
				w.metrics.IncSkipped()
			}
			if _, known := ledgerKeys[entry.RemoteKey]; !known {
				recorder.Add(w.completionRecord(task, entry, ledger.StatusUploaded))
			}

		case w.cfg.SkipExistingRemote && w.remoteMatches(ctx, task.Bucket, entry):
			cp.SkippedFiles++
			cp.UploadedBytes += entry.SizeBytes
			completed[entry.RemoteKey] = struct{}{}
			run.skipped++
			w.acc.FileSkipped(entry.SizeBytes)
			if w.metrics != nil {
				w.metrics.IncSkipped()
			}
			recorder.Add(w.completionRecord(task, entry, ledger.StatusSkipped))
			w.logf("Skipped %s: already present remotely", entry.RemoteKey)

		default:
			if err := w.uploadEntry(ctx, task, entry); err != nil {
				// One bad file never aborts the run, but a vanished root
				// means every remaining entry would fail the same way
				w.logger.Error("Upload failed",
					zap.String("file", entry.LocalPath),
					zap.String("remote_key", entry.RemoteKey),
					zap.Error(err),
				)
				w.logf("Failed to upload %s: %v", filepath.Base(entry.LocalPath), err)
				cp.FailedFiles++
				run.failed++
				w.acc.FileFailed()
				if w.metrics != nil {
					w.metrics.IncFailed()
				}
				if _, statErr := os.Stat(task.LocalRoot); statErr != nil {
					cp.CursorIndex = i
					cp.SetCompletedKeys(completed)
					w.saveCheckpoint(cp)
					recorder.Flush(ctx)
					recorder.Finalize(ctx, w.taskSummary(task, string(StateFailed), run))
					w.finish(w.result(task, StateFailed, cp,
						time.Since(started), fmt.Errorf("%w: %s", scan.ErrPathNotFound, task.LocalRoot)))
					return
				}
			} else {
				cp.UploadedFiles++
				cp.UploadedBytes += entry.SizeBytes
				completed[entry.RemoteKey] = struct{}{}
				run.uploaded++
				run.bytes += entry.SizeBytes
				w.acc.FileUploaded()
				if w.metrics != nil {
					w.metrics.IncUploaded(entry.SizeBytes)
				}
				recorder.Add(w.completionRecord(task, entry, ledger.StatusUploaded))
			}
		}

		cp.CursorIndex = i + 1
		sinceCheckpoint++
		if sinceCheckpoint >= w.cfg.CheckpointEvery {
			cp.SetCompletedKeys(completed)
			w.saveCheckpoint(cp)
			recorder.Flush(ctx)
			sinceCheckpoint = 0
		}
	}

	cp.SetCompletedKeys(completed)
	cp.IsPaused = false
	w.saveCheckpoint(cp)
	recorder.Finalize(ctx, w.taskSummary(task, string(StateCompleted), run))
	w.finish(w.result(task, StateCompleted, cp, time.Since(started), nil))
}

// buildResumeState merges the local checkpoint with the ledger's completion
// index. Keys no longer present in the manifest are dropped; bytes for
// completed entries before the cursor are re-derived from the manifest so
// progress seeding stays exact.
func (w *TransferWorker) buildResumeState(ctx context.Context, task Task, manifest *scan.Manifest) (*state.Checkpoint, map[string]struct{}, map[string]struct{}) {
	manifestKeys := make(map[string]struct{}, manifest.Len())
	for _, e := range manifest.Entries {
		manifestKeys[e.RemoteKey] = struct{}{}
	}

	completed := make(map[string]struct{})

	prev, err := w.states.Load(task.TaskID)
	if err != nil {
		w.logger.Warn("Checkpoint load failed, starting fresh", zap.Error(err))
		prev = nil
	}
	if prev != nil {
		for _, k := range prev.CompletedKeys {
			if _, ok := manifestKeys[k]; ok {
				completed[k] = struct{}{}
			}
		}
	}

	ledgerKeys, err := w.ledger.CompletedKeys(ctx, task.TaskID)
	if err != nil {
		// Fail open: the worst case is a redundant re-upload
		w.logger.Warn("Completion index unavailable, relying on local checkpoint", zap.Error(err))
		ledgerKeys = map[string]struct{}{}
	}
	for k := range ledgerKeys {
		if _, ok := manifestKeys[k]; ok {
			completed[k] = struct{}{}
		}
	}

	cp := &state.Checkpoint{
		TaskID:     task.TaskID,
		TotalFiles: manifest.Len(),
		TotalBytes: manifest.TotalBytes,
	}

	// The cursor never sits past the first incomplete entry: a run that
	// finished with failures saved its cursor at the end, and rewinding to
	// the first gap is what makes a later run retry exactly those files
	firstIncomplete := manifest.Len()
	for i, e := range manifest.Entries {
		if _, ok := completed[e.RemoteKey]; !ok {
			firstIncomplete = i
			break
		}
	}
	if prev != nil {
		cp.CursorIndex = prev.CursorIndex
	}
	if cp.CursorIndex > firstIncomplete {
		cp.CursorIndex = firstIncomplete
	}

	// Everything before the cursor is complete by construction. Seed counts
	// and bytes from the manifest; entries at or past the cursor are
	// accounted for when the loop reaches them, so nothing is counted twice.
	for i := 0; i < cp.CursorIndex; i++ {
		cp.UploadedFiles++
		cp.UploadedBytes += manifest.Entries[i].SizeBytes
	}

	cp.SetCompletedKeys(completed)
	return cp, completed, ledgerKeys
}

// waitWhilePaused persists the checkpoint once, then polls until resumed.
// Returns false when the wait ended in cancellation.
func (w *TransferWorker) waitWhilePaused(ctx context.Context, cp *state.Checkpoint) bool {
	w.setState(StatePaused)
	cp.IsPaused = true
	w.saveCheckpoint(cp)
	w.logf("Task %s paused at entry %d/%d", cp.TaskID, cp.CursorIndex, cp.TotalFiles)

	for w.paused.Load() {
		if w.cancelled.Load() || ctx.Err() != nil {
			return false
		}
		time.Sleep(w.cfg.PausePollInterval)
	}

	cp.IsPaused = false
	w.setState(StateTransferring)
	w.logf("Task %s resumed", cp.TaskID)
	return true
}

// endRun is the shared cancellation exit: persist the cursor, flush the
// ledger, record the summary and emit the final result
func (w *TransferWorker) endRun(ctx context.Context, task Task, cp *state.Checkpoint, recorder *ledger.Recorder, run runCounts, st State, started time.Time) {
	cp.IsPaused = false
	w.saveCheckpoint(cp)
	recorder.Flush(ctx)
	recorder.Finalize(ctx, w.taskSummary(task, string(st), run))
	w.logf("Task %s cancelled at entry %d/%d", task.TaskID, cp.CursorIndex, cp.TotalFiles)
	w.finish(w.result(task, st, cp, time.Since(started), nil))
}

func (w *TransferWorker) keyDone(completed map[string]struct{}, key string) bool {
	_, ok := completed[key]
	return ok
}

// remoteMatches probes the remote object and skips the upload when an object
// of the same size already exists. Probe errors fall through to the upload.
func (w *TransferWorker) remoteMatches(ctx context.Context, bucket string, entry scan.Entry) bool {
	info, exists, err := w.client.HeadObject(ctx, bucket, entry.RemoteKey)
	if err != nil {
		w.logger.Debug("Remote object probe failed, uploading anyway",
			zap.String("remote_key", entry.RemoteKey),
			zap.Error(err),
		)
		return false
	}
	return exists && info.Size == entry.SizeBytes
}

func (w *TransferWorker) uploadEntry(ctx context.Context, task Task, entry scan.Entry) error {
	w.acc.BeginFile(filepath.Base(entry.LocalPath), entry.SizeBytes)

	begin := time.Now()
	err := w.client.Upload(ctx, task.Bucket, entry.RemoteKey, entry.LocalPath,
		storage.ContentTypeFor(entry.LocalPath), w.acc.AddFileBytes)
	if err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.ObserveDuration(time.Since(begin))
	}

	w.logger.Debug("Uploaded file",
		zap.String("file", entry.LocalPath),
		zap.String("remote_key", entry.RemoteKey),
		zap.Int64("size", entry.SizeBytes),
		zap.Duration("took", time.Since(begin)),
	)
	return nil
}

func (w *TransferWorker) completionRecord(task Task, entry scan.Entry, status ledger.CompletionStatus) ledger.CompletionRecord {
	return ledger.CompletionRecord{
		TaskID:     task.TaskID,
		RemoteKey:  entry.RemoteKey,
		FileName:   filepath.Base(entry.LocalPath),
		SizeBytes:  entry.SizeBytes,
		Category:   string(entry.Category),
		Status:     status,
		UploadedAt: time.Now().UTC(),
	}
}

func (w *TransferWorker) taskSummary(task Task, status string, run runCounts) ledger.TaskSummary {
	return ledger.TaskSummary{
		TaskID:        task.TaskID,
		RemotePrefix:  task.RemotePrefix,
		LocalRoot:     task.LocalRoot,
		Status:        status,
		UploadedFiles: run.uploaded,
		SkippedFiles:  run.skipped,
		FailedFiles:   run.failed,
		UploadedBytes: run.bytes,
		UpdatedAt:     time.Now().UTC(),
	}
}

func (w *TransferWorker) result(task Task, st State, cp *state.Checkpoint, dur time.Duration, err error) Result {
	return Result{
		TaskID:        task.TaskID,
		State:         st,
		TotalFiles:    cp.TotalFiles,
		UploadedFiles: cp.UploadedFiles,
		SkippedFiles:  cp.SkippedFiles,
		FailedFiles:   cp.FailedFiles,
		UploadedBytes: cp.UploadedBytes,
		TotalBytes:    cp.TotalBytes,
		Duration:      dur,
		Err:           err,
	}
}

// saveCheckpoint persists the checkpoint; a write failure never aborts the
// transfer, it only widens the window a crash could lose
func (w *TransferWorker) saveCheckpoint(cp *state.Checkpoint) {
	if err := w.states.Save(cp); err != nil {
		w.logger.Warn("Failed to save checkpoint",
			zap.String("task_id", cp.TaskID),
			zap.Error(err),
		)
	}
}
