package progress

import (
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// Phase is the stage an operation is currently in.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseValidating  Phase = "validating"
	PhaseDownloading Phase = "downloading"
	PhaseRepairing   Phase = "repairing"
)

const (
	speedWindow       = 10
	smoothing         = 0.7
	minSampleInterval = 100 * time.Millisecond
)

// Metrics is a point-in-time snapshot of a Tracker.
type Metrics struct {
	Phase Phase `json:"phase"`

	// Phase-scoped counters, reset by SetPhase.
	TotalBytes     int64 `json:"totalBytes"`
	ProcessedBytes int64 `json:"processedBytes"`
	TotalFiles     int   `json:"totalFiles"`
	ProcessedFiles int   `json:"processedFiles"`

	// Operation-scoped counters, reset only by Reset.
	DownloadedBytes int64    `json:"downloadedBytes"`
	CompletedFiles  int      `json:"completedFiles"`
	RepairedFiles   int      `json:"repairedFiles"`
	CorruptFiles    []string `json:"corruptFiles"`

	CurrentFile  string  `json:"currentFile"`
	Speed        float64 `json:"speed"`
	AverageSpeed float64 `json:"averageSpeed"`
	// ETA is only meaningful when ETAKnown is set.
	ETA        time.Duration `json:"-"`
	ETAKnown   bool          `json:"-"`
	Percentage float64       `json:"percentage"`
	StartedAt  time.Time     `json:"startedAt"`
}

// MarshalJSON renders the ETA in seconds, omitted when unknown, next to the
// formatted form used by progress events.
func (m Metrics) MarshalJSON() ([]byte, error) {
	type plain Metrics
	out := struct {
		plain
		ETASeconds   *float64 `json:"etaSeconds,omitempty"`
		ETAFormatted string   `json:"etaFormatted"`
	}{plain: plain(m), ETAFormatted: FormatETA(m.ETA, m.ETAKnown)}
	if m.ETAKnown {
		secs := m.ETA.Seconds()
		out.ETASeconds = &secs
	}
	return json.Marshal(out)
}

// Tracker aggregates byte and file counters for one operation and derives
// a smoothed throughput. It is safe for concurrent use by download workers.
type Tracker struct {
	mu  sync.Mutex
	now func() time.Time

	phase      Phase
	totalBytes int64
	phaseBytes int64
	totalFiles int
	phaseFiles int

	downloaded int64
	completed  int
	repaired   int
	corrupt    []string
	current    string
	startedAt  time.Time

	lastSampleAt    time.Time
	lastSampleBytes int64
	speed           float64
	samples         []float64
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	return NewTrackerWithNow(time.Now)
}

// NewTrackerWithNow returns a tracker with a custom time source (for tests).
func NewTrackerWithNow(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	t := &Tracker{now: now}
	t.Reset()
	return t
}

// Reset clears every counter at the start of an operation.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.phase = PhaseIdle
	t.totalBytes, t.phaseBytes = 0, 0
	t.totalFiles, t.phaseFiles = 0, 0
	t.downloaded, t.completed, t.repaired = 0, 0, 0
	t.corrupt = nil
	t.current = ""
	t.startedAt = now
	t.resetSpeedLocked(now)
}

// SetPhase starts a new phase with the given totals.
func (t *Tracker) SetPhase(phase Phase, totalBytes int64, totalFiles int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.totalBytes = totalBytes
	t.totalFiles = totalFiles
	t.phaseBytes = 0
	t.phaseFiles = 0
	t.current = ""
	t.resetSpeedLocked(t.now())
}

func (t *Tracker) resetSpeedLocked(now time.Time) {
	t.lastSampleAt = now
	t.lastSampleBytes = 0
	t.speed = 0
	t.samples = t.samples[:0]
}

// RecordValidation adds n hashed bytes.
func (t *Tracker) RecordValidation(n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phaseBytes += n
	t.sampleLocked()
}

// FileValidated counts one validated file. The corrupt list keeps each
// file's latest verdict.
func (t *Tracker) FileValidated(dest string, valid bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phaseFiles++
	t.current = dest

	i := slices.Index(t.corrupt, dest)
	switch {
	case !valid && i < 0:
		t.corrupt = append(t.corrupt, dest)
	case valid && i >= 0:
		t.corrupt = slices.Delete(t.corrupt, i, i+1)
	}
}

// RecordDownload adds n downloaded bytes.
func (t *Tracker) RecordDownload(n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phaseBytes += n
	t.downloaded += n
	t.sampleLocked()
}

// FileDownloaded counts one finalized download.
func (t *Tracker) FileDownloaded(dest string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phaseFiles++
	t.completed++
	t.current = dest
	if t.phase == PhaseRepairing {
		t.repaired++
	}
}

// SetCurrentFile records the file most recently started.
func (t *Tracker) SetCurrentFile(dest string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = dest
}

func (t *Tracker) sampleLocked() {
	now := t.now()
	elapsed := now.Sub(t.lastSampleAt)
	if elapsed < minSampleInterval {
		return
	}

	inst := float64(t.phaseBytes-t.lastSampleBytes) / elapsed.Seconds()
	if len(t.samples) == 0 {
		t.speed = inst
	} else {
		t.speed = smoothing*t.averageLocked() + (1-smoothing)*inst
	}

	t.samples = append(t.samples, t.speed)
	if len(t.samples) > speedWindow {
		t.samples = t.samples[len(t.samples)-speedWindow:]
	}
	t.lastSampleAt = now
	t.lastSampleBytes = t.phaseBytes
}

func (t *Tracker) averageLocked() float64 {
	if len(t.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range t.samples {
		sum += s
	}
	return sum / float64(len(t.samples))
}

// Snapshot returns the current metrics.
func (t *Tracker) Snapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := Metrics{
		Phase:           t.phase,
		TotalBytes:      t.totalBytes,
		ProcessedBytes:  t.phaseBytes,
		TotalFiles:      t.totalFiles,
		ProcessedFiles:  t.phaseFiles,
		DownloadedBytes: t.downloaded,
		CompletedFiles:  t.completed,
		RepairedFiles:   t.repaired,
		CorruptFiles:    append([]string(nil), t.corrupt...),
		CurrentFile:     t.current,
		Speed:           t.speed,
		AverageSpeed:    t.averageLocked(),
		StartedAt:       t.startedAt,
	}

	switch {
	case t.totalBytes > 0:
		m.Percentage = float64(t.phaseBytes) / float64(t.totalBytes) * 100
	case t.totalFiles > 0:
		m.Percentage = float64(t.phaseFiles) / float64(t.totalFiles) * 100
	}
	if m.Percentage > 100 {
		m.Percentage = 100
	}

	if m.AverageSpeed > 0 {
		remaining := t.totalBytes - t.phaseBytes
		if remaining < 0 {
			remaining = 0
		}
		m.ETA = time.Duration(float64(remaining) / m.AverageSpeed * float64(time.Second))
		m.ETAKnown = true
	}
	return m
}
