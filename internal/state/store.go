package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Checkpoint is the durable snapshot of a task's transfer progress. The
// ledger remains ground truth for completed uploads; the checkpoint is a
// local cache that makes resume exact and cheap.
type Checkpoint struct {
	TaskID        string    `json:"task_id"`
	CursorIndex   int       `json:"cursor_index"`
	CompletedKeys []string  `json:"completed_keys"`
	UploadedBytes int64     `json:"uploaded_bytes"`
	TotalBytes    int64     `json:"total_bytes"`
	TotalFiles    int       `json:"total_files"`
	UploadedFiles int       `json:"uploaded_files"`
	SkippedFiles  int       `json:"skipped_files"`
	FailedFiles   int       `json:"failed_files"`
	IsPaused      bool      `json:"is_paused"`
	SavedAt       time.Time `json:"saved_at"`
}

// CompletedKeySet returns the completed keys as a set
func (c *Checkpoint) CompletedKeySet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.CompletedKeys))
	for _, k := range c.CompletedKeys {
		set[k] = struct{}{}
	}
	return set
}

// SetCompletedKeys stores the set as a sorted slice so saved checkpoints are
// byte-stable for the same progress
func (c *Checkpoint) SetCompletedKeys(keys map[string]struct{}) {
	c.CompletedKeys = make([]string, 0, len(keys))
	for k := range keys {
		c.CompletedKeys = append(c.CompletedKeys, k)
	}
	sort.Strings(c.CompletedKeys)
}

// Store persists per-task checkpoints as JSON files with a backup chain.
// Three artifacts exist per task: the primary file, a `.bak` copy of the
// previous save, and a transient `.tmp` from an in-flight write.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates a checkpoint store rooted at dir
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) primaryPath(taskID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("task_state_%s.json", taskID))
}

// Save validates, clamps and atomically persists a checkpoint: write to a
// temp file, fsync, rotate the previous primary to `.bak`, then rename the
// temp file over the primary.
func (s *Store) Save(cp *Checkpoint) error {
	if cp.TaskID == "" {
		return fmt.Errorf("checkpoint has no task id")
	}
	clamp(cp)
	sort.Strings(cp.CompletedKeys)
	cp.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	primary := s.primaryPath(cp.TaskID)
	tmp := primary + ".tmp"

	if err := writeAndSync(tmp, data); err != nil {
		return fmt.Errorf("failed to write checkpoint temp file: %w", err)
	}

	// Keep the previous good checkpoint around before replacing it
	if prev, err := os.ReadFile(primary); err == nil && len(prev) > 0 {
		if err := os.WriteFile(primary+".bak", prev, 0o644); err != nil {
			s.logger.Warn("Failed to rotate checkpoint backup",
				zap.String("task_id", cp.TaskID),
				zap.Error(err),
			)
		}
	}

	if err := os.Rename(tmp, primary); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}

	return nil
}

// Load returns the checkpoint for a task, or (nil, nil) when none exists.
// A corrupt primary degrades through `.bak` then `.tmp`; if the whole chain
// is unreadable the task starts fresh rather than failing the resume.
func (s *Store) Load(taskID string) (*Checkpoint, error) {
	primary := s.primaryPath(taskID)

	if cp, ok := s.readCheckpoint(primary, taskID); ok {
		return cp, nil
	}

	if _, err := os.Stat(primary); os.IsNotExist(err) {
		// Never written; also check for a crash that left only a temp file
		if cp, ok := s.readCheckpoint(primary+".tmp", taskID); ok {
			s.repairPrimary(primary, cp, taskID)
			return cp, nil
		}
		return nil, nil
	}

	s.logger.Warn("Checkpoint unreadable, trying backup chain",
		zap.String("task_id", taskID),
		zap.String("file", primary),
	)

	for _, candidate := range []string{primary + ".bak", primary + ".tmp"} {
		if cp, ok := s.readCheckpoint(candidate, taskID); ok {
			s.logger.Info("Recovered checkpoint from backup",
				zap.String("task_id", taskID),
				zap.String("file", candidate),
			)
			s.repairPrimary(primary, cp, taskID)
			return cp, nil
		}
	}

	s.logger.Warn("Checkpoint chain exhausted, starting fresh",
		zap.String("task_id", taskID),
	)
	return nil, nil
}

// Delete removes all checkpoint artifacts for a task
func (s *Store) Delete(taskID string) error {
	primary := s.primaryPath(taskID)
	var firstErr error
	for _, p := range []string{primary, primary + ".bak", primary + ".tmp"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readCheckpoint parses and validates one file in the chain
func (s *Store) readCheckpoint(path, taskID string) (*Checkpoint, bool) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil, false
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, false
	}
	if cp.TaskID == "" || cp.TaskID != taskID {
		return nil, false
	}
	clamp(&cp)
	return &cp, true
}

// repairPrimary rewrites the primary from a recovered checkpoint
func (s *Store) repairPrimary(primary string, cp *Checkpoint, taskID string) {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return
	}
	tmp := primary + ".repair"
	if err := writeAndSync(tmp, data); err != nil {
		s.logger.Warn("Failed to repair checkpoint", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, primary); err != nil {
		s.logger.Warn("Failed to repair checkpoint", zap.String("task_id", taskID), zap.Error(err))
	}
}

// clamp forces checkpoint invariants rather than rejecting the save:
// 0 <= cursor <= totalFiles, uploadedBytes <= totalBytes, no negative counts
func clamp(cp *Checkpoint) {
	if cp.TotalFiles < 0 {
		cp.TotalFiles = 0
	}
	if cp.CursorIndex < 0 {
		cp.CursorIndex = 0
	}
	if cp.CursorIndex > cp.TotalFiles {
		cp.CursorIndex = cp.TotalFiles
	}
	if cp.TotalBytes < 0 {
		cp.TotalBytes = 0
	}
	if cp.UploadedBytes < 0 {
		cp.UploadedBytes = 0
	}
	if cp.UploadedBytes > cp.TotalBytes {
		cp.UploadedBytes = cp.TotalBytes
	}
	if cp.UploadedFiles < 0 {
		cp.UploadedFiles = 0
	}
	if cp.SkippedFiles < 0 {
		cp.SkippedFiles = 0
	}
	if cp.FailedFiles < 0 {
		cp.FailedFiles = 0
	}
}

func writeAndSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
