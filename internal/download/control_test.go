package download

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/schaermu/assetsync/internal/syncerr"
)

type closeCounter struct {
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestControl_PauseResume(t *testing.T) {
	ctl := NewControl(nil)

	if ctl.Resume() {
		t.Error("Resume on a running control should report false")
	}
	if !ctl.Pause() {
		t.Fatal("first Pause should report true")
	}
	if ctl.Pause() {
		t.Error("second Pause should report false")
	}
	if !ctl.Paused() {
		t.Error("expected Paused() after Pause")
	}

	woke := make(chan error, 1)
	go func() { woke <- ctl.Wait(context.Background()) }()

	select {
	case <-woke:
		t.Fatal("Wait returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	if !ctl.Resume() {
		t.Fatal("Resume after Pause should report true")
	}
	select {
	case err := <-woke:
		if err != nil {
			t.Errorf("Wait() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Resume")
	}
}

func TestControl_CancelWakesWaiters(t *testing.T) {
	cancelled := false
	ctl := NewControl(func() { cancelled = true })
	ctl.Pause()

	woke := make(chan error, 1)
	go func() { woke <- ctl.Wait(context.Background()) }()

	ctl.Cancel()
	select {
	case err := <-woke:
		if !errors.Is(err, syncerr.ErrCancelled) {
			t.Errorf("Wait() = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Cancel")
	}

	if !cancelled {
		t.Error("expected Cancel to invoke the cancel func")
	}
	if ctl.Paused() {
		t.Error("a cancelled control must not report paused")
	}
	if ctl.Pause() {
		t.Error("Pause after Cancel should report false")
	}
}

func TestControl_WaitHonoursContext(t *testing.T) {
	ctl := NewControl(nil)
	ctl.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := ctl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want deadline exceeded", err)
	}
}

func TestControl_TrackClosesStreamsOnCancel(t *testing.T) {
	ctl := NewControl(nil)

	open := &closeCounter{}
	finished := &closeCounter{}
	ctl.track(open)
	untrack := ctl.track(finished)
	untrack()

	if ctl.InFlight() != 1 {
		t.Fatalf("InFlight() = %d, want 1", ctl.InFlight())
	}

	ctl.Cancel()
	if open.closed != 1 {
		t.Errorf("expected in-flight stream to be closed once, got %d", open.closed)
	}
	if finished.closed != 0 {
		t.Errorf("expected untracked stream to be left alone, got %d closes", finished.closed)
	}

	late := &closeCounter{}
	ctl.track(late)
	if late.closed != 1 {
		t.Error("expected stream tracked after cancel to be closed immediately")
	}
}

func TestControl_MarkCompleted(t *testing.T) {
	ctl := NewControl(nil)

	if ctl.Completed("a.pak") {
		t.Error("nothing should be completed yet")
	}
	if !ctl.markCompleted("a.pak") {
		t.Error("first completion should report true")
	}
	if ctl.markCompleted("a.pak") {
		t.Error("duplicate completion should report false")
	}
	if !ctl.Completed("a.pak") {
		t.Error("expected a.pak to be completed")
	}
}

func TestControl_ClearCompleted(t *testing.T) {
	ctl := NewControl(nil)
	ctl.markCompleted("a.pak")
	ctl.ClearCompleted()
	if ctl.Completed("a.pak") {
		t.Error("expected completions to be forgotten")
	}
	if !ctl.markCompleted("a.pak") {
		t.Error("expected a fresh completion after ClearCompleted")
	}
}
