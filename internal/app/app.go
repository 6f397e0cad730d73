package app

import (
	"context"
	"fmt"
	"time"

	"photosync/internal/config"
	"photosync/internal/ledger"
	"photosync/internal/metrics"
	"photosync/internal/progress"
	"photosync/internal/state"
	"photosync/internal/storage"
	"photosync/internal/worker"

	"go.uber.org/zap"
)

// Uploader represents the main upload application
type Uploader struct {
	cfg     *config.Config
	logger  *zap.Logger
	client  storage.Client
	ledger  ledger.Store
	states  *state.Store
	metrics *metrics.Collector
	worker  *worker.TransferWorker
}

// New creates a new uploader instance
func New(cfg *config.Config, logger *zap.Logger) (*Uploader, error) {
	client, err := storage.NewMinIOClient(storage.Config{
		Endpoint:  cfg.Remote.Endpoint,
		AccessKey: cfg.Remote.AccessKey,
		SecretKey: cfg.Remote.SecretKey,
		Secure:    cfg.Remote.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	ledgerStore, err := ledger.NewSQLiteStore(cfg.Engine.LedgerPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger store: %w", err)
	}

	stateStore, err := state.NewStore(cfg.Engine.StateDir, logger)
	if err != nil {
		ledgerStore.Close()
		return nil, fmt.Errorf("failed to create state store: %w", err)
	}

	metricsCollector := metrics.New()

	transferWorker := worker.New(worker.Config{
		CheckpointEvery:    cfg.Engine.CheckpointEvery,
		SkipExistingRemote: cfg.Engine.SkipExisting,
	}, client, ledgerStore, stateStore, metricsCollector, logger)

	return &Uploader{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		ledger:  ledgerStore,
		states:  stateStore,
		metrics: metricsCollector,
		worker:  transferWorker,
	}, nil
}

// Run executes the upload task and blocks until it reaches a terminal state.
// Context cancellation is translated into a graceful Cancel, so the task can
// be resumed by a later run.
func (u *Uploader) Run(ctx context.Context) error {
	u.logger.Info("Starting upload",
		zap.String("bucket", u.cfg.Task.Bucket),
		zap.String("remote_prefix", u.cfg.Task.RemotePrefix),
		zap.String("local_root", u.cfg.Task.LocalRoot),
	)

	if u.cfg.Engine.MetricsAddr != "" {
		go func() {
			if err := u.metrics.StartServer(u.cfg.Engine.MetricsAddr); err != nil {
				u.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	var display *progress.Display
	if u.cfg.Engine.ShowProgress && progress.IsTerminalSupported() {
		display = progress.NewDisplay(u.worker.Accumulator(), 2*time.Second)
		display.Start()
		u.logger.Info("Progress display enabled")
	} else if u.cfg.Engine.ShowProgress {
		u.logger.Info("Progress display disabled (unsupported terminal)")
	}

	done := make(chan worker.Result, 1)
	u.worker.OnFinished(func(r worker.Result) { done <- r })

	task := worker.Task{
		TaskID:       u.cfg.Task.TaskID,
		Bucket:       u.cfg.Task.Bucket,
		RemotePrefix: u.cfg.Task.RemotePrefix,
		LocalRoot:    u.cfg.Task.LocalRoot,
	}
	if err := u.worker.Start(ctx, task); err != nil {
		if display != nil {
			display.Stop()
		}
		return err
	}

	var res worker.Result
	select {
	case res = <-done:
	case <-ctx.Done():
		u.logger.Info("Shutdown requested, stopping after the current file")
		u.worker.Cancel()
		res = <-done
	}

	if display != nil {
		display.Stop()
	}

	u.logger.Info("Upload ended",
		zap.String("task_id", res.TaskID),
		zap.String("state", string(res.State)),
		zap.Int("uploaded_files", res.UploadedFiles),
		zap.Int("skipped_files", res.SkippedFiles),
		zap.Int("failed_files", res.FailedFiles),
		zap.String("uploaded", progress.FormatBytes(res.UploadedBytes)),
		zap.Duration("duration", res.Duration),
	)

	if res.Err != nil {
		return res.Err
	}
	if res.State == worker.StateCompleted && res.FailedFiles > 0 {
		return fmt.Errorf("%d files failed to upload, rerun to retry them", res.FailedFiles)
	}
	return nil
}

// Close cleans up resources
func (u *Uploader) Close() error {
	if u.ledger != nil {
		return u.ledger.Close()
	}
	return nil
}
