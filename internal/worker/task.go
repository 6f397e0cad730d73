package worker

import (
	"time"

	"github.com/google/uuid"
)

// State is the transfer worker's lifecycle state
type State string

const (
	StateIdle         State = "idle"
	StateScanning     State = "scanning"
	StateTransferring State = "transferring"
	StatePaused       State = "paused"
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateFailed       State = "failed"
)

// Terminal reports whether the state ends a run
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Task describes one upload run: a local order folder mapped to a remote
// bucket prefix
type Task struct {
	TaskID       string    `json:"task_id"`
	Bucket       string    `json:"bucket"`
	RemotePrefix string    `json:"remote_prefix"`
	LocalRoot    string    `json:"local_root"`
	CreatedAt    time.Time `json:"created_at"`
}

// normalize fills in defaults for optional fields
func (t *Task) normalize() {
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
}

// Result is the final summary of a run. It is produced for every run
// regardless of how it ended.
type Result struct {
	TaskID        string
	State         State
	TotalFiles    int
	UploadedFiles int
	SkippedFiles  int
	FailedFiles   int
	UploadedBytes int64
	TotalBytes    int64
	Duration      time.Duration
	Err           error
}

// Config contains worker tuning knobs
type Config struct {
	// CheckpointEvery is the number of manifest entries between periodic
	// checkpoint saves and ledger flushes
	CheckpointEvery int
	// PausePollInterval is how often a paused worker re-checks its flags
	PausePollInterval time.Duration
	// SkipExistingRemote probes the remote store before uploading and skips
	// objects already present with a matching size
	SkipExistingRemote bool
}

func (c *Config) applyDefaults() {
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 10
	}
	if c.PausePollInterval <= 0 {
		c.PausePollInterval = 200 * time.Millisecond
	}
}
