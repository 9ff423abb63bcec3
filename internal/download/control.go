package download

import (
	"context"
	"io"
	"sync"

	"github.com/schaermu/assetsync/internal/syncerr"
)

// Control is the run state shared between an operation's owner and its
// download workers: pause flag, cancellation, in-flight streams and the
// set of files already finalized in this run.
type Control struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
	paused    bool
	resume    chan struct{}
	streams   map[*stream]struct{}
	completed map[string]struct{}
}

type stream struct {
	c io.Closer
}

// NewControl creates run state for one operation. cancel is invoked by
// Cancel and should cancel the operation's context.
func NewControl(cancel context.CancelFunc) *Control {
	if cancel == nil {
		cancel = func() {}
	}
	return &Control{
		cancel:    cancel,
		streams:   make(map[*stream]struct{}),
		completed: make(map[string]struct{}),
	}
}

// Pause stops workers at their next read or before their next request.
// It returns false if the run is already paused or cancelled.
func (c *Control) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.cancelled {
		return false
	}
	c.paused = true
	c.resume = make(chan struct{})
	return true
}

// Resume wakes paused workers. It returns false if the run was not paused.
func (c *Control) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return false
	}
	c.paused = false
	close(c.resume)
	return true
}

// Cancel aborts the run: the operation context is cancelled, every
// in-flight response body is closed and paused workers are woken.
// It returns false if the run was already cancelled.
func (c *Control) Cancel() bool {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return false
	}
	c.cancelled = true
	if c.paused {
		c.paused = false
		close(c.resume)
	}
	streams := make([]*stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	c.cancel()
	for _, s := range streams {
		_ = s.c.Close()
	}
	return true
}

// Paused reports whether the run is paused.
func (c *Control) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Cancelled reports whether Cancel was called.
func (c *Control) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// InFlight returns the number of open response streams.
func (c *Control) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Wait blocks while the run is paused.
func (c *Control) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.cancelled {
			c.mu.Unlock()
			return syncerr.ErrCancelled
		}
		if !c.paused {
			c.mu.Unlock()
			return ctx.Err()
		}
		ch := c.resume
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// track registers an in-flight stream. A stream registered after Cancel is
// closed immediately.
func (c *Control) track(closer io.Closer) (untrack func()) {
	s := &stream{c: closer}
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		_ = closer.Close()
		return func() {}
	}
	c.streams[s] = struct{}{}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.streams, s)
		c.mu.Unlock()
	}
}

// markCompleted records dest as finalized and reports whether this was the
// first completion signal for it.
func (c *Control) markCompleted(dest string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, done := c.completed[dest]; done {
		return false
	}
	c.completed[dest] = struct{}{}
	return true
}

// ClearCompleted forgets every completion so a further repair round can
// download the same files again.
func (c *Control) ClearCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.completed)
}

// Completed reports whether dest was finalized in this run.
func (c *Control) Completed(dest string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, done := c.completed[dest]
	return done
}

// pausableReader applies backpressure: while the run is paused, reads
// block instead of draining the connection.
type pausableReader struct {
	ctx context.Context
	ctl *Control
	r   io.Reader
}

func (p *pausableReader) Read(b []byte) (int, error) {
	if err := p.ctl.Wait(p.ctx); err != nil {
		return 0, err
	}
	return p.r.Read(b)
}
