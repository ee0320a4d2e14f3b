package progress

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/tcmigrate/tcmigrate/internal/logging"
)

// Tracker renders a terminal progress bar for one migration job.
type Tracker struct {
	bar       *progressbar.ProgressBar
	total     int64
	current   atomic.Int64
	startTime time.Time
}

// New creates a new progress tracker
func New() *Tracker {
	return &Tracker{startTime: time.Now()}
}

// SetTotal sets the number of items the job will process.
func (t *Tracker) SetTotal(total int64) {
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription("Migrating"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Set moves the bar to an absolute item count.
func (t *Tracker) Set(n int64) {
	t.current.Store(n)
	if t.bar != nil {
		t.bar.Set64(n)
	}
}

// Describe updates the bar label with the active operation.
func (t *Tracker) Describe(operation string) {
	if t.bar != nil && operation != "" {
		t.bar.Describe(operation)
	}
}

// Current returns the current count
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Finish marks the progress as complete
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
	}

	elapsed := time.Since(t.startTime)
	itemsPerSec := float64(t.current.Load()) / elapsed.Seconds()

	fmt.Println()
	logging.Info("Migration pass complete: %d items in %s (%.0f items/sec)",
		t.current.Load(), elapsed.Round(time.Second), itemsPerSec)
}
