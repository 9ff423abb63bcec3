package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Status is the lifecycle state carried by an Event.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// DefaultInterval is the minimum spacing between throttled events.
const DefaultInterval = 50 * time.Millisecond

// Event is one progress frame delivered to the UI layer.
type Event struct {
	OperationID     string  `json:"operationId"`
	Kind            string  `json:"kind"`
	Phase           Phase   `json:"phase"`
	Percentage      float64 `json:"percentage"`
	Speed           float64 `json:"speed"`
	SpeedFormatted  string  `json:"speedFormatted"`
	ETAFormatted    string  `json:"etaFormatted"`
	CurrentFile     string  `json:"currentFile"`
	ProcessedBytes  int64   `json:"processedBytes"`
	TotalBytes      int64   `json:"totalBytes"`
	ProcessedFiles  int     `json:"processedFiles"`
	TotalFiles      int     `json:"totalFiles"`
	DownloadedBytes int64   `json:"downloadedBytes"`
	CorruptFiles    int     `json:"corruptFiles"`
	RepairedFiles   int     `json:"repairedFiles"`
	Status          Status  `json:"status"`
	Error           string  `json:"error,omitempty"`
}

// Terminal reports whether the event ends its operation.
func (e Event) Terminal() bool {
	return e.Status != StatusRunning
}

// Sink receives progress events. Publish must not block for long.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// MultiSink fans events out to several sinks.
type MultiSink []Sink

func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

// LogSink renders events as structured log lines.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(e Event) {
	if e.Terminal() {
		level := slog.LevelInfo
		if e.Status == StatusError {
			level = slog.LevelError
		}
		s.Logger.Log(context.Background(), level, "operation finished",
			"operation_id", e.OperationID,
			"kind", e.Kind,
			"status", e.Status,
			"downloaded", humanize.IBytes(uint64(e.DownloadedBytes)),
			"corrupt", e.CorruptFiles,
			"error", e.Error)
		return
	}
	s.Logger.Info("progress",
		"phase", e.Phase,
		"percent", fmt.Sprintf("%.1f", e.Percentage),
		"files", fmt.Sprintf("%d/%d", e.ProcessedFiles, e.TotalFiles),
		"bytes", humanize.IBytes(uint64(e.ProcessedBytes))+" / "+humanize.IBytes(uint64(e.TotalBytes)),
		"speed", e.SpeedFormatted,
		"eta", e.ETAFormatted)
}

// Reporter turns Tracker snapshots into throttled events for one operation.
type Reporter struct {
	tracker  *Tracker
	sink     Sink
	interval time.Duration
	opID     string
	kind     string
	now      func() time.Time

	mu        sync.Mutex
	lastEmit  time.Time
	lastPhase Phase
	finished  bool
}

// NewReporter creates a reporter. A zero interval uses DefaultInterval.
func NewReporter(tracker *Tracker, sink Sink, interval time.Duration, opID, kind string) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reporter{
		tracker:   tracker,
		sink:      sink,
		interval:  interval,
		opID:      opID,
		kind:      kind,
		now:       time.Now,
		lastPhase: PhaseIdle,
	}
}

// Update emits an event unless one was emitted within the interval.
// A phase change always emits.
func (r *Reporter) Update() {
	r.emit(false)
}

// ForceUpdate emits an event regardless of throttling.
func (r *Reporter) ForceUpdate() {
	r.emit(true)
}

func (r *Reporter) emit(force bool) {
	m := r.tracker.Snapshot()

	// Publishing under the lock keeps the terminal event last.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	now := r.now()
	due := force || m.Phase != r.lastPhase || r.lastEmit.IsZero() || now.Sub(r.lastEmit) >= r.interval
	if !due {
		return
	}
	r.lastEmit = now
	r.lastPhase = m.Phase
	r.sink.Publish(r.event(m, StatusRunning, nil))
}

// Finish emits the terminal event. Only the first call has an effect.
func (r *Reporter) Finish(status Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true

	m := r.tracker.Snapshot()
	if status == StatusCompleted {
		m.Percentage = 100
		m.ProcessedBytes = m.TotalBytes
		m.ProcessedFiles = m.TotalFiles
	}
	r.sink.Publish(r.event(m, status, err))
}

func (r *Reporter) event(m Metrics, status Status, err error) Event {
	e := Event{
		OperationID:     r.opID,
		Kind:            r.kind,
		Phase:           m.Phase,
		Percentage:      m.Percentage,
		Speed:           m.Speed,
		SpeedFormatted:  FormatSpeed(m.Speed),
		ETAFormatted:    FormatETA(m.ETA, m.ETAKnown),
		CurrentFile:     m.CurrentFile,
		ProcessedBytes:  m.ProcessedBytes,
		TotalBytes:      m.TotalBytes,
		ProcessedFiles:  m.ProcessedFiles,
		TotalFiles:      m.TotalFiles,
		DownloadedBytes: m.DownloadedBytes,
		CorruptFiles:    len(m.CorruptFiles),
		RepairedFiles:   m.RepairedFiles,
		Status:          status,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// FormatSpeed renders bytes per second, e.g. "1.5 MiB/s".
func FormatSpeed(bps float64) string {
	if bps <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bps)) + "/s"
}

// FormatETA renders a remaining duration as mm:ss or h:mm:ss, and "--:--"
// when the ETA cannot be computed.
func FormatETA(d time.Duration, known bool) string {
	if !known {
		return "--:--"
	}
	secs := int64(d.Round(time.Second) / time.Second)
	h, m, s := secs/3600, (secs/60)%60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
