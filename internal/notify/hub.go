// Package notify delivers sync events to interested parties such as the
// websocket bridge. Publishing never blocks and never drops events; each
// subscriber has its own queue drained by a goroutine.
package notify

import (
	"sync"
	"time"

	"github.com/kimhsiao/studysync/internal/models"
)

// Event types.
const (
	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"
	EventSyncSkipped   = "sync.skipped"
	EventSyncFailed    = "sync.failed"
	EventStoreUpdated  = "store.updated"
	EventConflict      = "sync.conflict_detected"
)

// Event is one notification. Update is set for EventStoreUpdated.
type Event struct {
	Type      string         `json:"type"`
	Store     string         `json:"store,omitempty"`
	Update    *models.Update `json:"update,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Subscription receives events on C until it is unsubscribed.
type Subscription struct {
	C <-chan Event

	c       chan Event
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	done    chan struct{}
	closed  bool
}

// Hub fans events out to subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscription {
	c := make(chan Event)
	s := &Subscription{
		C:    c,
		c:    c,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	go s.run()
	return s
}

// Unsubscribe removes s and closes its channel. Undelivered events are
// discarded. Unsubscribing twice is harmless.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
}

// Publish queues ev for every subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		s.push(ev)
	}
}

// PublishUpdate announces the rows a sync pass changed in store. Empty
// updates are not published.
func (h *Hub) PublishUpdate(u models.Update) {
	if len(u.Changes) == 0 {
		return
	}
	h.Publish(Event{Type: EventStoreUpdated, Store: u.Store, Update: &u})
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.c)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.c <- ev:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
