package progress

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func newTestReporter(clock *fakeClock) (*Reporter, *Tracker, *recordingSink) {
	tr := NewTrackerWithNow(clock.Now)
	sink := &recordingSink{}
	r := NewReporter(tr, sink, 50*time.Millisecond, "op-1", "install")
	r.now = clock.Now
	return r, tr, sink
}

func TestReporter_Throttles(t *testing.T) {
	clock := newFakeClock()
	r, tr, sink := newTestReporter(clock)
	tr.SetPhase(PhaseDownloading, 100, 1)

	r.Update() // first frame of the phase
	for i := 0; i < 10; i++ {
		clock.Advance(4 * time.Millisecond)
		tr.RecordDownload(1)
		r.Update()
	}
	if got := len(sink.Events()); got != 1 {
		t.Fatalf("expected 1 event inside the throttle window, got %d", got)
	}

	clock.Advance(20 * time.Millisecond)
	r.Update()
	if got := len(sink.Events()); got != 2 {
		t.Fatalf("expected a second event after 50ms, got %d", got)
	}
}

func TestReporter_PhaseChangeAndForceBypassThrottle(t *testing.T) {
	clock := newFakeClock()
	r, tr, sink := newTestReporter(clock)

	tr.SetPhase(PhaseValidating, 100, 1)
	r.Update()
	tr.SetPhase(PhaseDownloading, 100, 1)
	r.Update()
	r.ForceUpdate()

	events := sink.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Phase != PhaseValidating || events[1].Phase != PhaseDownloading {
		t.Errorf("unexpected phases: %s, %s", events[0].Phase, events[1].Phase)
	}
	for _, e := range events {
		if e.OperationID != "op-1" || e.Kind != "install" || e.Status != StatusRunning {
			t.Errorf("unexpected event identity: %+v", e)
		}
	}
}

func TestReporter_FinishOnce(t *testing.T) {
	clock := newFakeClock()
	r, tr, sink := newTestReporter(clock)
	tr.SetPhase(PhaseDownloading, 100, 1)
	tr.RecordDownload(40)
	r.Update()

	// Finish inside the throttle window is never dropped.
	r.Finish(StatusCompleted, nil)
	r.Finish(StatusError, errors.New("late"))
	r.Update()

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	last := events[1]
	if last.Status != StatusCompleted || last.Percentage != 100 || last.ProcessedBytes != 100 {
		t.Errorf("expected final 100%% completed frame, got %+v", last)
	}
	if !last.Terminal() {
		t.Error("expected final event to be terminal")
	}
}

func TestReporter_FinishCarriesError(t *testing.T) {
	r, _, sink := newTestReporter(newFakeClock())
	r.Finish(StatusError, errors.New("integrity check failed"))

	events := sink.Events()
	if len(events) != 1 || events[0].Error != "integrity check failed" || events[0].Status != StatusError {
		t.Fatalf("unexpected terminal event: %+v", events)
	}
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		d     time.Duration
		known bool
		want  string
	}{
		{0, false, "--:--"},
		{0, true, "00:00"},
		{65 * time.Second, true, "01:05"},
		{3*time.Hour + 4*time.Minute + 5*time.Second, true, "3:04:05"},
	}
	for _, tt := range tests {
		if got := FormatETA(tt.d, tt.known); got != tt.want {
			t.Errorf("FormatETA(%s, %v) = %q, want %q", tt.d, tt.known, got, tt.want)
		}
	}
}

func TestFormatSpeed(t *testing.T) {
	if got := FormatSpeed(0); got != "0 B/s" {
		t.Errorf("FormatSpeed(0) = %q, want 0 B/s", got)
	}
	if got := FormatSpeed(1536 * 1024); got != "1.5 MiB/s" {
		t.Errorf("FormatSpeed(1.5MiB) = %q, want 1.5 MiB/s", got)
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	count := 0
	m := MultiSink{a, nil, b, SinkFunc(func(Event) { count++ })}
	m.Publish(Event{Status: StatusRunning})

	if len(a.Events()) != 1 || len(b.Events()) != 1 || count != 1 {
		t.Errorf("expected every sink to receive the event")
	}
}
