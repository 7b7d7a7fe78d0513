package entity

import (
	"path/filepath"
	"time"

	"github.com/jgivc/bookfetch/internal/util"
)

// Item represents one downloadable unit from the catalog. Items are created
// once at catalog-load time and live for the process lifetime; "removing" an
// item only disables it.
type Item struct {
	ID           uint64
	Name         string
	URL          string
	Enabled      bool
	CategoryName string
	// Transfer is present iff the item has been enabled since its last
	// disable. Disabling clears it; a restart replaces it.
	Transfer *TransferState
}

// Clone returns a deep copy safe to hand to another goroutine.
func (i Item) Clone() Item {
	c := i
	if i.Transfer != nil {
		t := *i.Transfer
		c.Transfer = &t
	}

	return c
}

// Category is a named grouping of items from the catalog. It has no identity
// beyond its name.
type Category struct {
	Name  string
	Items []*Item
}

// Job is the scheduler's queue entry: a snapshot of an item at the moment it
// was enabled, carrying everything a worker needs without aliasing the live
// table entry.
type Job struct {
	ID           uint64
	Name         string
	URL          string
	CategoryName string
	FileName     string
	Dir          string
}

// FinalPath is where the completed file ends up.
func (j Job) FinalPath() string {
	return filepath.Join(j.Dir, j.FileName)
}

// Retarget points the job at a new output root, keeping the per-category
// subdirectory.
func (j Job) Retarget(root string) Job {
	j.Dir = root
	if j.CategoryName != "" {
		j.Dir = filepath.Join(root, util.NameToDirName(j.CategoryName))
	}

	return j
}

// TransferState tracks the progress of one active or completed download.
type TransferState struct {
	BytesDone  int64
	BytesTotal int64 // 0 until the server reports a size
	Finished   bool
	OutputPath string

	// Sliding speed window. RecentBytes accumulates within the current
	// window; WindowBytes is the smoothed per-window figure speed is
	// derived from.
	RecentBytes     int64
	WindowBytes     int64
	WindowStartedAt time.Time
}

// NewTransferState returns a fresh state for an item that was just enabled.
func NewTransferState(outputPath string, now time.Time) *TransferState {
	return &TransferState{
		OutputPath:      outputPath,
		WindowStartedAt: now,
	}
}

// AddBytes applies a byte delta. It is a no-op once the transfer finished.
func (t *TransferState) AddBytes(n int64) {
	if t.Finished {
		return
	}

	t.BytesDone += n
	t.RecentBytes += n
	if t.BytesTotal > 0 && t.BytesDone > t.BytesTotal {
		t.BytesDone = t.BytesTotal
	}
}

// MarkFinished forces the terminal invariants: done equals total and no
// further increments are applied.
func (t *TransferState) MarkFinished() {
	t.Finished = true
	if t.BytesTotal > 0 {
		t.BytesDone = t.BytesTotal
	} else {
		t.BytesTotal = t.BytesDone
	}
	t.RecentBytes = 0
	t.WindowBytes = 0
}

// RollWindow advances the speed window once it has elapsed. The smoothed
// counter averages with the previous window instead of resetting so the
// displayed speed does not collapse to zero at every boundary.
func (t *TransferState) RollWindow(now time.Time, window time.Duration) {
	if now.Sub(t.WindowStartedAt) < window {
		return
	}

	t.WindowBytes = (t.WindowBytes + t.RecentBytes) / 2
	t.RecentBytes = 0
	t.WindowStartedAt = now
}

// Percentage reports completion in [0, 1].
func (t *TransferState) Percentage() float64 {
	total := t.BytesTotal
	if total < 1 {
		total = 1
	}

	p := float64(t.BytesDone) / float64(total)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}

	return p
}

// Speed reports the instantaneous transfer rate in bytes per second.
func (t *TransferState) Speed(window time.Duration) float64 {
	secs := window.Seconds()
	if secs <= 0 {
		return 0
	}

	return float64(t.WindowBytes) / secs
}

// etaSanityBound caps the largest remaining time worth displaying.
const etaSanityBound = 100 * 7 * 24 * time.Hour

// ETA renders the estimated remaining time for display.
func (t *TransferState) ETA(window time.Duration) string {
	switch {
	case t.BytesDone == 0 && t.BytesTotal == 0:
		return "N/A"
	case t.BytesTotal > 0 && t.BytesDone >= t.BytesTotal:
		return "Done."
	case t.BytesTotal == 0:
		return "∞"
	}

	speed := t.Speed(window)
	if speed <= 0 {
		return "∞"
	}

	remaining := time.Duration(float64(t.BytesTotal-t.BytesDone)/speed) * time.Second
	if remaining > etaSanityBound {
		return "∞"
	}

	return FormatDuration(remaining)
}
