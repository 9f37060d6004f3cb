package worker

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Progress tracks and displays tile download progress.
type Progress struct {
	startTime time.Time
	output    io.Writer
	total     int64
	completed int64
	skipped   int64
	failed    int64
	bytes     int64
	mu        sync.RWMutex
	enabled   bool
}

// NewProgress creates a new progress tracker.
func NewProgress(enabled bool) *Progress {
	return &Progress{
		startTime: time.Now(),
		output:    os.Stderr,
		enabled:   enabled,
	}
}

// Update records the current counters.
func (p *Progress) Update(total, completed, skipped, failed, bytes int64) {
	p.mu.Lock()
	p.total = total
	p.completed = completed
	p.skipped = skipped
	p.failed = failed
	p.bytes = bytes
	p.mu.Unlock()

	if p.enabled {
		p.Print()
	}
}

// Print displays the current progress to output.
func (p *Progress) Print() {
	p.mu.RLock()
	total := p.total
	completed := p.completed
	skipped := p.skipped
	failed := p.failed
	bytes := p.bytes
	startTime := p.startTime
	p.mu.RUnlock()

	done := completed + skipped + failed
	elapsed := time.Since(startTime)

	// Calculate rate and ETA
	var rate float64
	var eta time.Duration
	if done > 0 && elapsed.Seconds() > 0 {
		rate = float64(done) / elapsed.Seconds()
		remaining := total - done
		if rate > 0 && remaining > 0 {
			eta = time.Duration(float64(remaining)/rate) * time.Second
		}
	}

	// Build progress bar
	barWidth := 30
	progress := 0.0
	if total > 0 {
		progress = float64(done) / float64(total)
		if progress > 1 {
			progress = 1
		}
	}
	filledWidth := int(progress * float64(barWidth))
	bar := strings.Repeat("█", filledWidth) + strings.Repeat("░", barWidth-filledWidth)

	line := fmt.Sprintf("\r[%s] %d/%d tiles", bar, done, total)
	if skipped > 0 {
		line += fmt.Sprintf(" (%d skipped)", skipped)
	}
	if failed > 0 {
		line += fmt.Sprintf(" (%d failed)", failed)
	}
	line += fmt.Sprintf(" - %.1f tiles/sec - %s", rate, formatBytes(bytes))
	if eta > 0 && done < total {
		line += fmt.Sprintf(" - ETA: %s", formatDuration(eta))
	}
	if total > 0 && done >= total {
		line += fmt.Sprintf(" - Done in %s", formatDuration(elapsed))
	}

	// Pad to clear previous line content
	line += "          "

	fmt.Fprint(p.output, line)
}

// Done prints the final progress and a newline.
func (p *Progress) Done() {
	if p.enabled {
		p.Print()
		fmt.Fprintln(p.output)
	}
}

// Summary returns a summary string of the completed work.
func (p *Progress) Summary() string {
	p.mu.RLock()
	total := p.total
	completed := p.completed
	skipped := p.skipped
	failed := p.failed
	bytes := p.bytes
	startTime := p.startTime
	p.mu.RUnlock()

	elapsed := time.Since(startTime)
	done := completed + skipped + failed

	var rate float64
	if elapsed.Seconds() > 0 {
		rate = float64(done) / elapsed.Seconds()
	}

	return fmt.Sprintf("Downloaded %d/%d tiles (%d skipped, %d failed, %s) in %s (%.1f tiles/sec)",
		completed, total, skipped, failed, formatBytes(bytes), formatDuration(elapsed), rate)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", mins, secs)
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", hours, mins)
}

// formatBytes renders a byte count with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
