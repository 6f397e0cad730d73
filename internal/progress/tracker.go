package progress

import (
	"fmt"
	"sync"
	"time"
)

// smallFileBytes is the size under which byte events are not throttled
const smallFileBytes = 1024 * 1024

// Snapshot is a read-only view of transfer progress
type Snapshot struct {
	TotalFiles     int
	ProcessedFiles int
	UploadedFiles  int
	SkippedFiles   int
	FailedFiles    int
	TotalBytes     int64
	ProcessedBytes int64
	CurrentFile    string
	CurrentPercent float64
	CurrentSpeed   float64 // bytes/second over the recent window
	AverageSpeed   float64 // bytes/second since start
	ETA            time.Duration
	StartTime      time.Time
	LastUpdateTime time.Time
}

// FilePercent returns overall file progress as a percentage
func (s Snapshot) FilePercent() float64 {
	if s.TotalFiles == 0 {
		return 0
	}
	return float64(s.ProcessedFiles) / float64(s.TotalFiles) * 100
}

// BytesPercent returns overall byte progress as a percentage
func (s Snapshot) BytesPercent() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.ProcessedBytes) / float64(s.TotalBytes) * 100
}

type speedSample struct {
	timestamp time.Time
	bytes     int64
}

// Accumulator converts byte and file events into throttled progress
// snapshots. Byte events for a file emit at most once per 5% of its size;
// files under 1MiB emit unthrottled; completion of a file always emits, so
// every file ends with a 100% event.
type Accumulator struct {
	mu           sync.RWMutex
	emit         func(Snapshot)
	speedSamples []speedSample
	maxSamples   int

	totalFiles     int
	uploadedFiles  int
	skippedFiles   int
	failedFiles    int
	totalBytes     int64
	completedBytes int64

	currentFile     string
	currentSize     int64
	currentReceived int64
	emitThreshold   int64
	sinceEmit       int64

	currentSpeed float64
	averageSpeed float64
	eta          time.Duration
	startTime    time.Time
	lastUpdate   time.Time
}

// NewAccumulator creates an accumulator. emit may be nil when no listener is
// attached; Snapshot() still works.
func NewAccumulator(emit func(Snapshot)) *Accumulator {
	now := time.Now()
	return &Accumulator{
		emit:         emit,
		speedSamples: make([]speedSample, 0, 60),
		maxSamples:   60,
		startTime:    now,
		lastUpdate:   now,
	}
}

// SetTotals starts a new run's accounting: totals from the scan, a fresh
// clock and an empty speed window. Counts carry over until SeedCompleted
// replaces them.
func (a *Accumulator) SetTotals(files int, bytes int64) {
	a.mu.Lock()
	now := time.Now()
	a.totalFiles = files
	a.totalBytes = bytes
	a.speedSamples = a.speedSamples[:0]
	a.currentSpeed = 0
	a.averageSpeed = 0
	a.eta = 0
	a.startTime = now
	a.lastUpdate = now
	a.clearCurrentLocked()
	a.mu.Unlock()
	a.emitSnapshot()
}

// SeedCompleted pre-loads counts recovered from a checkpoint so a resumed
// run reports cumulative progress
func (a *Accumulator) SeedCompleted(uploaded, skipped, failed int, bytes int64) {
	a.mu.Lock()
	a.uploadedFiles = uploaded
	a.skippedFiles = skipped
	a.failedFiles = failed
	a.completedBytes = bytes
	a.mu.Unlock()
	a.emitSnapshot()
}

// BeginFile starts byte tracking for one file
func (a *Accumulator) BeginFile(name string, size int64) {
	a.mu.Lock()
	a.currentFile = name
	a.currentSize = size
	a.currentReceived = 0
	a.sinceEmit = 0
	if size >= smallFileBytes {
		a.emitThreshold = size / 20
	} else {
		a.emitThreshold = 0
	}
	a.mu.Unlock()
}

// AddFileBytes records bytes transferred for the current file and emits a
// snapshot when the throttle threshold is crossed
func (a *Accumulator) AddFileBytes(n int64) {
	a.mu.Lock()
	a.currentReceived += n
	a.sinceEmit += n
	a.updateSpeed(n)
	shouldEmit := a.emitThreshold == 0 || a.sinceEmit >= a.emitThreshold
	if shouldEmit {
		a.sinceEmit = 0
	}
	a.mu.Unlock()

	if shouldEmit {
		a.emitSnapshot()
	}
}

// FileUploaded marks the current file fully transferred. Always emits, so
// the file's final 100% event is never throttled away.
func (a *Accumulator) FileUploaded() {
	a.mu.Lock()
	a.uploadedFiles++
	a.completedBytes += a.currentSize
	a.clearCurrentLocked()
	a.mu.Unlock()
	a.emitSnapshot()
}

// FileSkipped marks a file skipped. Its bytes count as processed but never
// enter the speed window: nothing was transferred for them.
func (a *Accumulator) FileSkipped(size int64) {
	a.mu.Lock()
	a.skippedFiles++
	a.completedBytes += size
	a.calculateETA()
	a.clearCurrentLocked()
	a.mu.Unlock()
	a.emitSnapshot()
}

// FileFailed marks a file failed; its partial bytes are discarded
func (a *Accumulator) FileFailed() {
	a.mu.Lock()
	a.failedFiles++
	a.clearCurrentLocked()
	a.mu.Unlock()
	a.emitSnapshot()
}

func (a *Accumulator) clearCurrentLocked() {
	a.currentFile = ""
	a.currentSize = 0
	a.currentReceived = 0
	a.sinceEmit = 0
	a.emitThreshold = 0
}

// Snapshot returns the current progress (thread-safe)
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

func (a *Accumulator) snapshotLocked() Snapshot {
	snap := Snapshot{
		TotalFiles:     a.totalFiles,
		ProcessedFiles: a.uploadedFiles + a.skippedFiles + a.failedFiles,
		UploadedFiles:  a.uploadedFiles,
		SkippedFiles:   a.skippedFiles,
		FailedFiles:    a.failedFiles,
		TotalBytes:     a.totalBytes,
		ProcessedBytes: a.completedBytes + a.currentReceived,
		CurrentFile:    a.currentFile,
		CurrentSpeed:   a.currentSpeed,
		AverageSpeed:   a.averageSpeed,
		ETA:            a.eta,
		StartTime:      a.startTime,
		LastUpdateTime: a.lastUpdate,
	}
	if a.currentSize > 0 {
		snap.CurrentPercent = float64(a.currentReceived) / float64(a.currentSize) * 100
	}
	return snap
}

func (a *Accumulator) emitSnapshot() {
	if a.emit == nil {
		return
	}
	a.mu.RLock()
	snap := a.snapshotLocked()
	a.mu.RUnlock()
	a.emit(snap)
}

// updateSpeed updates the speed calculation (must be called with lock held)
func (a *Accumulator) updateSpeed(bytes int64) {
	now := time.Now()

	a.speedSamples = append(a.speedSamples, speedSample{timestamp: now, bytes: bytes})
	if len(a.speedSamples) > a.maxSamples {
		a.speedSamples = a.speedSamples[1:]
	}

	a.calculateCurrentSpeed(now)
	a.calculateAverageSpeed(now)
	a.calculateETA()

	a.lastUpdate = now
}

// calculateCurrentSpeed uses samples from the last 5 seconds
func (a *Accumulator) calculateCurrentSpeed(now time.Time) {
	if len(a.speedSamples) < 2 {
		a.currentSpeed = 0
		return
	}

	cutoff := now.Add(-5 * time.Second)
	var recentBytes int64
	var firstSample *speedSample

	for i := len(a.speedSamples) - 1; i >= 0; i-- {
		sample := &a.speedSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		recentBytes += sample.bytes
		firstSample = sample
	}

	if firstSample != nil {
		recentDuration := now.Sub(firstSample.timestamp)
		if recentDuration > 0 {
			a.currentSpeed = float64(recentBytes) / recentDuration.Seconds()
		}
	}
}

func (a *Accumulator) calculateAverageSpeed(now time.Time) {
	elapsed := now.Sub(a.startTime)
	if elapsed > 0 {
		a.averageSpeed = float64(a.completedBytes+a.currentReceived) / elapsed.Seconds()
	}
}

func (a *Accumulator) calculateETA() {
	if a.totalBytes == 0 || a.averageSpeed == 0 {
		a.eta = 0
		return
	}

	remaining := a.totalBytes - a.completedBytes - a.currentReceived
	if remaining <= 0 {
		a.eta = 0
		return
	}

	a.eta = time.Duration(float64(remaining)/a.averageSpeed) * time.Second
}

// FormatSpeed formats speed in human readable format
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond < 1024 {
		return fmt.Sprintf("%.1f B/s", bytesPerSecond)
	} else if bytesPerSecond < 1024*1024 {
		return fmt.Sprintf("%.1f KB/s", bytesPerSecond/1024)
	} else if bytesPerSecond < 1024*1024*1024 {
		return fmt.Sprintf("%.1f MB/s", bytesPerSecond/(1024*1024))
	}
	return fmt.Sprintf("%.1f GB/s", bytesPerSecond/(1024*1024*1024))
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	} else if bytes < 1024*1024 {
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	} else if bytes < 1024*1024*1024 {
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
	}
	return fmt.Sprintf("%.1f GB", float64(bytes)/(1024*1024*1024))
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "calculating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
