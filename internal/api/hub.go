package api

import (
	"sync"

	"github.com/schaermu/assetsync/internal/metrics"
	"github.com/schaermu/assetsync/internal/progress"
)

// subscriberBuffer bounds how far a subscriber may fall behind before it
// is disconnected.
const subscriberBuffer = 64

// Hub fans progress events out to websocket subscribers and remembers the
// most recent one for clients that connect mid-operation.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	last *progress.Event
}

type subscriber struct {
	events chan progress.Event
	closed bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Publish implements progress.Sink. It never blocks: a subscriber whose
// buffer is full is dropped and has to reconnect.
func (h *Hub) Publish(e progress.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &e
	for s := range h.subs {
		select {
		case s.events <- e:
		default:
			h.removeLocked(s)
		}
	}
}

func (h *Hub) lastEvent() (progress.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return progress.Event{}, false
	}
	return *h.last, true
}

// Subscribe registers a subscriber. The most recent event, if any, is
// queued first. The channel is closed on unsubscribe or when the
// subscriber falls too far behind.
func (h *Hub) Subscribe() (<-chan progress.Event, func()) {
	s := &subscriber{events: make(chan progress.Event, subscriberBuffer)}

	h.mu.Lock()
	if h.last != nil {
		s.events <- *h.last
	}
	h.subs[s] = struct{}{}
	metrics.SetEventSubscribers(len(h.subs))
	h.mu.Unlock()

	return s.events, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.removeLocked(s)
	}
}

func (h *Hub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) removeLocked(s *subscriber) {
	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s)
	close(s.events)
	metrics.SetEventSubscribers(len(h.subs))
}
