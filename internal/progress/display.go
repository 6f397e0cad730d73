package progress

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Display periodically renders accumulator snapshots to the console
type Display struct {
	acc      *Accumulator
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDisplay creates a console progress display
func NewDisplay(acc *Accumulator, interval time.Duration) *Display {
	return &Display{
		acc:      acc,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the display loop
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the loop and prints the final summary
func (d *Display) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.render(d.acc.Snapshot(), false)
		case <-d.stopCh:
			d.render(d.acc.Snapshot(), true)
			return
		}
	}
}

func (d *Display) render(snap Snapshot, final bool) {
	lines := make([]string, 0, 12)

	if final {
		lines = append(lines, "", "Upload finished")
	} else {
		lines = append(lines, "", "Upload progress")
	}
	lines = append(lines, strings.Repeat("=", 50))

	lines = append(lines, fmt.Sprintf("Files: %d/%d (%.1f%%)  uploaded=%d skipped=%d failed=%d",
		snap.ProcessedFiles, snap.TotalFiles, snap.FilePercent(),
		snap.UploadedFiles, snap.SkippedFiles, snap.FailedFiles))
	lines = append(lines, "  "+progressBar(snap.FilePercent(), 40))

	lines = append(lines, fmt.Sprintf("Bytes: %s/%s (%.1f%%)",
		FormatBytes(snap.ProcessedBytes), FormatBytes(snap.TotalBytes), snap.BytesPercent()))
	lines = append(lines, "  "+progressBar(snap.BytesPercent(), 40))

	if !final && snap.CurrentFile != "" {
		lines = append(lines, fmt.Sprintf("Current: %s (%.1f%%)", snap.CurrentFile, snap.CurrentPercent))
	}

	elapsed := time.Since(snap.StartTime)
	lines = append(lines, fmt.Sprintf("Speed: %s now, %s average",
		FormatSpeed(snap.CurrentSpeed), FormatSpeed(snap.AverageSpeed)))
	if final {
		lines = append(lines, fmt.Sprintf("Elapsed: %s", FormatDuration(elapsed)))
	} else {
		lines = append(lines, fmt.Sprintf("Elapsed: %s, ETA: %s",
			FormatDuration(elapsed), FormatDuration(snap.ETA)))
	}
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)

	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// IsTerminalSupported checks if stdout is a terminal
func IsTerminalSupported() bool {
	if fileInfo, _ := os.Stdout.Stat(); (fileInfo.Mode() & os.ModeCharDevice) == 0 {
		return false
	}
	return true
}
