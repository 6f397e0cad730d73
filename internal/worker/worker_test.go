package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"photosync/internal/ledger"
	"photosync/internal/progress"
	"photosync/internal/scan"
	"photosync/internal/state"
	"photosync/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClient is an in-memory object store. failures maps remote keys to the
// number of uploads that should fail before one succeeds.
type fakeClient struct {
	mu         sync.Mutex
	objects    map[string][]byte
	failures   map[string]int
	uploads    []string
	bucketErr  error
	noBucket   bool
	onUploaded func(key string)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		objects:  make(map[string][]byte),
		failures: make(map[string]int),
	}
}

func (f *fakeClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if f.bucketErr != nil {
		return false, f.bucketErr
	}
	return !f.noBucket, nil
}

func (f *fakeClient) Upload(ctx context.Context, bucket, key, localPath, contentType string, fn storage.ProgressFunc) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	f.mu.Lock()
	remaining := f.failures[key]
	if remaining > 0 {
		f.failures[key] = remaining - 1
	}
	f.mu.Unlock()

	if remaining > 0 {
		// Report partial progress before failing, like an interrupted stream
		if fn != nil {
			fn(int64(len(data) / 2))
		}
		return fmt.Errorf("connection reset while uploading %s", key)
	}

	if fn != nil {
		fn(int64(len(data)))
	}

	f.mu.Lock()
	f.objects[key] = data
	f.uploads = append(f.uploads, key)
	hook := f.onUploaded
	f.mu.Unlock()

	if hook != nil {
		hook(key)
	}
	return nil
}

func (f *fakeClient) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return storage.ObjectInfo{}, false, nil
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, true, nil
}

func (f *fakeClient) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

type fixture struct {
	client *fakeClient
	ledger *ledger.SQLiteStore
	states *state.Store
	root   string
	task   Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	store, err := ledger.NewSQLiteStore(filepath.Join(dir, "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	states, err := state.NewStore(filepath.Join(dir, "state"), logger)
	require.NoError(t, err)

	root := filepath.Join(dir, "order")
	require.NoError(t, os.MkdirAll(root, 0o755))

	return &fixture{
		client: newFakeClient(),
		ledger: store,
		states: states,
		root:   root,
		task: Task{
			TaskID:       "task-1",
			Bucket:       "orders",
			RemotePrefix: "orders/1001",
			LocalRoot:    root,
		},
	}
}

func (fx *fixture) worker(cfg Config) *TransferWorker {
	cfg.PausePollInterval = 5 * time.Millisecond
	return New(cfg, fx.client, fx.ledger, fx.states, nil, zap.NewNop())
}

func (fx *fixture) writeFile(t *testing.T, rel string, size int) {
	t.Helper()
	p := filepath.Join(fx.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

func runToEnd(t *testing.T, w *TransferWorker, task Task) Result {
	t.Helper()
	done := make(chan Result, 1)
	w.OnFinished(func(r Result) { done <- r })
	require.NoError(t, w.Start(context.Background(), task))

	select {
	case r := <-done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
		return Result{}
	}
}

func TestRunUploadsEverything(t *testing.T) {
	fx := newFixture(t)
	fx.writeFile(t, "a.jpg", 2048)
	fx.writeFile(t, "Videos/b.mp4", 4096)
	fx.writeFile(t, "photo.cr2", 1024)

	w := fx.worker(Config{})
	res := runToEnd(t, w, fx.task)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 3, res.TotalFiles)
	assert.Equal(t, 3, res.UploadedFiles)
	assert.Equal(t, 0, res.FailedFiles)
	assert.Equal(t, int64(2048+4096+1024), res.UploadedBytes)
	require.NoError(t, res.Err)

	assert.Contains(t, fx.client.objects, "orders/1001/IMAGE/a.jpg")
	assert.Contains(t, fx.client.objects, "orders/1001/VIDEO/Videos/b.mp4")
	assert.Contains(t, fx.client.objects, "orders/1001/RAW/photo.cr2")
	assert.Equal(t, StateCompleted, w.State())
}

func TestSecondRunUploadsNothing(t *testing.T) {
	fx := newFixture(t)
	for i := 0; i < 4; i++ {
		fx.writeFile(t, fmt.Sprintf("img%d.jpg", i), 512)
	}

	res := runToEnd(t, fx.worker(Config{}), fx.task)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 4, fx.client.uploadCount())

	// Drop the local checkpoint so only the ledger knows what was done
	require.NoError(t, fx.states.Delete(fx.task.TaskID))

	res = runToEnd(t, fx.worker(Config{}), fx.task)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 4, res.SkippedFiles)
	assert.Equal(t, 4, fx.client.uploadCount(), "no redundant uploads on resume")
}

func TestPerFileFailureDoesNotAbortRun(t *testing.T) {
	fx := newFixture(t)
	for i := 0; i < 10; i++ {
		fx.writeFile(t, fmt.Sprintf("img%d.jpg", i), 1000)
	}
	badKey := "orders/1001/IMAGE/img3.jpg"
	fx.client.failures[badKey] = 1000

	res := runToEnd(t, fx.worker(Config{}), fx.task)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 9, res.UploadedFiles)
	assert.Equal(t, 1, res.FailedFiles)
	assert.Equal(t, int64(9000), res.UploadedBytes, "partial bytes of the failed file are not counted")

	// The failed entry must not be marked complete
	cp, err := fx.states.Load(fx.task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.NotContains(t, cp.CompletedKeys, badKey)

	// A later run retries only the failed entry
	fx.client.failures[badKey] = 0
	res = runToEnd(t, fx.worker(Config{}), fx.task)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 11, fx.client.uploadCount(), "9 first run, 1 failed attempt is not an upload, 1 retry")
	assert.Contains(t, fx.client.objects, badKey)
}

func TestCancelStopsAtEntryBoundary(t *testing.T) {
	fx := newFixture(t)
	for i := 0; i < 5; i++ {
		fx.writeFile(t, fmt.Sprintf("img%d.jpg", i), 256)
	}

	w := fx.worker(Config{})
	var once sync.Once
	fx.client.onUploaded = func(string) {
		once.Do(w.Cancel)
	}

	res := runToEnd(t, w, fx.task)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, 1, res.UploadedFiles)

	cp, err := fx.states.Load(fx.task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.CursorIndex)
	assert.Len(t, cp.CompletedKeys, 1)

	// Resume finishes the rest without touching the completed entry
	fx.client.onUploaded = nil
	res = runToEnd(t, fx.worker(Config{}), fx.task)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 5, res.UploadedFiles)
	assert.Equal(t, 5, fx.client.uploadCount())
}

func TestPauseAndResume(t *testing.T) {
	fx := newFixture(t)
	for i := 0; i < 5; i++ {
		fx.writeFile(t, fmt.Sprintf("img%d.jpg", i), 256)
	}

	w := fx.worker(Config{})
	var once sync.Once
	fx.client.onUploaded = func(string) {
		once.Do(w.Pause)
	}

	done := make(chan Result, 1)
	w.OnFinished(func(r Result) { done <- r })
	require.NoError(t, w.Start(context.Background(), fx.task))

	require.Eventually(t, func() bool { return w.State() == StatePaused },
		5*time.Second, 5*time.Millisecond)

	// A checkpoint with the pause flag is on disk before the wait begins
	cp, err := fx.states.Load(fx.task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.IsPaused)
	uploadedWhilePaused := fx.client.uploadCount()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uploadedWhilePaused, fx.client.uploadCount(), "no transfers while paused")

	w.Resume()
	select {
	case res := <-done:
		assert.Equal(t, StateCompleted, res.State)
		assert.Equal(t, 5, res.UploadedFiles)
	case <-time.After(10 * time.Second):
		t.Fatal("resume did not complete")
	}
}

func TestEmptyFolderCompletesWithZeroReport(t *testing.T) {
	fx := newFixture(t)

	res := runToEnd(t, fx.worker(Config{}), fx.task)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 0, res.TotalFiles)
	assert.Equal(t, 0, res.UploadedFiles)
	assert.NoError(t, res.Err)
}

func TestMissingRootFailsBeforeCheckpoint(t *testing.T) {
	fx := newFixture(t)
	fx.task.LocalRoot = filepath.Join(fx.root, "does-not-exist")

	res := runToEnd(t, fx.worker(Config{}), fx.task)
	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, scan.ErrPathNotFound)

	cp, err := fx.states.Load(fx.task.TaskID)
	require.NoError(t, err)
	assert.Nil(t, cp, "no checkpoint is written for a missing root")
}

func TestProbeFailureEndsRunAsFailed(t *testing.T) {
	fx := newFixture(t)
	fx.writeFile(t, "a.jpg", 100)
	fx.client.bucketErr = errors.New("dial tcp: connection refused")

	res := runToEnd(t, fx.worker(Config{}), fx.task)
	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, ErrRemoteUnreachable)
	assert.Equal(t, 0, fx.client.uploadCount())
}

func TestResumeFromCheckpointWhenLedgerDown(t *testing.T) {
	fx := newFixture(t)
	for i := 0; i < 4; i++ {
		fx.writeFile(t, fmt.Sprintf("img%d.jpg", i), 500)
	}

	// Learn the deterministic manifest order, then hand-write the checkpoint
	// a previous run would have left behind
	manifest, err := scan.NewScanner(zap.NewNop()).Scan(fx.root, fx.task.RemotePrefix)
	require.NoError(t, err)
	require.Equal(t, 4, manifest.Len())

	cp := &state.Checkpoint{
		TaskID:        fx.task.TaskID,
		CursorIndex:   2,
		TotalFiles:    4,
		TotalBytes:    2000,
		UploadedBytes: 1000,
		UploadedFiles: 2,
	}
	cp.SetCompletedKeys(map[string]struct{}{
		manifest.Entries[0].RemoteKey: {},
		manifest.Entries[1].RemoteKey: {},
	})
	require.NoError(t, fx.states.Save(cp))

	// Ledger unreachable: the completion index fails open to the checkpoint
	require.NoError(t, fx.ledger.Close())

	res := runToEnd(t, fx.worker(Config{}), fx.task)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 4, res.UploadedFiles, "two carried from the checkpoint, two this run")
	assert.Equal(t, 2, fx.client.uploadCount())
	assert.Equal(t, manifest.Entries[2].RemoteKey, fx.client.uploads[0])
	assert.Equal(t, manifest.Entries[3].RemoteKey, fx.client.uploads[1])
}

func TestExistingRemoteObjectIsSkipped(t *testing.T) {
	fx := newFixture(t)
	fx.writeFile(t, "a.jpg", 300)
	fx.writeFile(t, "b.jpg", 300)

	// a.jpg already exists remotely with a matching size
	fx.client.objects["orders/1001/IMAGE/a.jpg"] = make([]byte, 300)

	res := runToEnd(t, fx.worker(Config{SkipExistingRemote: true}), fx.task)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, res.UploadedFiles)
	assert.Equal(t, 1, res.SkippedFiles)
	assert.Equal(t, 1, fx.client.uploadCount())

	// The skip is recorded in the ledger so later runs never re-probe
	keys, err := fx.ledger.CompletedKeys(context.Background(), fx.task.TaskID)
	require.NoError(t, err)
	assert.Contains(t, keys, "orders/1001/IMAGE/a.jpg")
	assert.Contains(t, keys, "orders/1001/IMAGE/b.jpg")
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	fx := newFixture(t)
	fx.writeFile(t, "a.jpg", 100)

	gate := make(chan struct{})
	fx.client.onUploaded = func(string) { <-gate }

	w := fx.worker(Config{})
	done := make(chan Result, 1)
	w.OnFinished(func(r Result) { done <- r })
	require.NoError(t, w.Start(context.Background(), fx.task))

	err := w.Start(context.Background(), fx.task)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(gate)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}

	// A finished worker accepts a new run
	require.NoError(t, runToEnd(t, w, fx.task).Err)
}

func TestWorkerReuseStartsProgressFresh(t *testing.T) {
	fx := newFixture(t)
	fx.writeFile(t, "a.jpg", 100)
	fx.writeFile(t, "b.jpg", 100)
	fx.writeFile(t, "c.jpg", 100)

	w := fx.worker(Config{})
	res := runToEnd(t, w, fx.task)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 3, res.UploadedFiles)

	// A second, smaller task on the same worker must not inherit the first
	// run's counts or bytes
	root2 := filepath.Join(t.TempDir(), "order2")
	require.NoError(t, os.MkdirAll(root2, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root2, "x.jpg"), make([]byte, 100), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root2, "y.jpg"), make([]byte, 100), 0o644))

	task2 := Task{
		TaskID:       "task-2",
		Bucket:       "orders",
		RemotePrefix: "orders/1002",
		LocalRoot:    root2,
	}
	res = runToEnd(t, w, task2)
	require.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 2, res.UploadedFiles)

	snap := w.Progress()
	assert.Equal(t, 2, snap.TotalFiles)
	assert.Equal(t, 2, snap.UploadedFiles)
	assert.Equal(t, int64(200), snap.TotalBytes)
	assert.Equal(t, int64(200), snap.ProcessedBytes)
	assert.Equal(t, float64(100), snap.BytesPercent())
}

func TestTaskIDDefaulting(t *testing.T) {
	task := Task{Bucket: "b", RemotePrefix: "p", LocalRoot: "/tmp/x"}
	task.normalize()
	assert.NotEmpty(t, task.TaskID)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestProgressEventsDuringRun(t *testing.T) {
	fx := newFixture(t)
	fx.writeFile(t, "a.jpg", 1000)
	fx.writeFile(t, "b.jpg", 1000)

	w := fx.worker(Config{})
	var mu sync.Mutex
	var events []progress.Snapshot
	w.OnProgress(func(s progress.Snapshot) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	})

	res := runToEnd(t, w, fx.task)
	require.Equal(t, StateCompleted, res.State)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, 2, last.UploadedFiles)
	assert.Equal(t, int64(2000), last.ProcessedBytes)
	assert.Equal(t, float64(100), last.BytesPercent())

	snap := w.Progress()
	assert.Equal(t, 2, snap.UploadedFiles)
}
