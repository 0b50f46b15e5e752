package rfid

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/banshee-data/rfidgeek/internal/inventory"
	"github.com/banshee-data/rfidgeek/internal/monitoring"
)

// hubBuffer is the number of events a subscriber may fall behind before
// events are dropped for it.
const hubBuffer = 64

// Hub fans decoder events out to channel subscribers. Each subscriber may
// restrict itself to a set of event kinds.
type Hub struct {
	subs    *xsync.MapOf[string, *subscription]
	closed  atomic.Bool
	dropped atomic.Uint64
	logger  *slog.Logger
}

type subscription struct {
	mu     sync.Mutex
	ch     chan inventory.Event
	kinds  map[inventory.EventKind]struct{}
	closed bool
}

func (s *subscription) wants(k inventory.EventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// send delivers e without blocking and reports whether it was delivered.
func (s *subscription) send(e inventory.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// NewHub returns an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = monitoring.Discard()
	}
	return &Hub{
		subs:   xsync.NewMapOf[string, *subscription](),
		logger: logger,
	}
}

// Subscribe returns a channel receiving every future event whose kind is in
// kinds, or every event when kinds is empty.
func (h *Hub) Subscribe(kinds ...inventory.EventKind) (string, <-chan inventory.Event) {
	sub := &subscription{ch: make(chan inventory.Event, hubBuffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[inventory.EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	id := uuid.NewString()
	if h.closed.Load() {
		sub.close()
		return id, sub.ch
	}
	h.subs.Store(id, sub)
	// Close may have drained the map between the check and the store.
	if h.closed.Load() {
		if s, ok := h.subs.LoadAndDelete(id); ok {
			s.close()
		}
	}
	return id, sub.ch
}

// Unsubscribe closes and removes the subscription with the given id.
func (h *Hub) Unsubscribe(id string) {
	if sub, ok := h.subs.LoadAndDelete(id); ok {
		sub.close()
	}
}

// Len returns the number of active subscriptions.
func (h *Hub) Len() int {
	return h.subs.Size()
}

// Dropped returns the number of events discarded for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Publish delivers e to every interested subscriber. Subscribers whose
// buffer is full miss the event.
func (h *Hub) Publish(e inventory.Event) {
	h.subs.Range(func(id string, sub *subscription) bool {
		if sub.wants(e.Kind) && !sub.send(e) {
			h.dropped.Add(1)
			h.logger.Warn("event subscriber not keeping up, event dropped", "subscriber", id, "kind", e.Kind.String())
		}
		return true
	})
}

// Close closes every subscription. Later subscriptions receive a closed
// channel.
func (h *Hub) Close() {
	if h.closed.Swap(true) {
		return
	}
	h.subs.Range(func(id string, _ *subscription) bool {
		h.Unsubscribe(id)
		return true
	})
}
