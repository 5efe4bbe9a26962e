// Package stream fans admission events out to live subscribers such as the
// operator websocket.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeDecision = "decision"
	TypeDenial   = "denial"
	TypeDegraded = "degraded"
	TypePattern  = "abuse_pattern"
	TypeAlert    = "slo_alert"
	TypeBreaker  = "breaker"
)

const defaultBuffer = 32

type Event struct {
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals data as the payload. A zero at means now.
func NewEvent(eventType string, at time.Time, data any) Event {
	if at.IsZero() {
		at = time.Now()
	}
	evt := Event{Type: eventType, At: at.UTC()}
	if data != nil {
		evt.Data, _ = json.Marshal(data)
	}
	return evt
}

// Subscription receives events on C until it is unsubscribed or the hub
// closes, at which point C is closed.
type Subscription struct {
	C chan Event

	id      uint64
	types   map[string]bool
	dropped atomic.Int64
}

func (s *Subscription) accepts(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

// Dropped counts events this subscriber missed because C was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool

	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber for the given event types, or all types
// when none are given. Subscribing to a closed hub yields a closed channel.
func (h *Hub) Subscribe(buffer int, types ...string) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &Subscription{C: make(chan Event, buffer)}
	for _, t := range types {
		if sub.types == nil {
			sub.types = make(map[string]bool, len(types))
		}
		sub.types[t] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.C)
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sub.id] != sub {
		return
	}
	delete(h.subs, sub.id)
	close(sub.C)
}

// Publish never blocks. A subscriber whose buffer is full misses the event.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.accepts(evt.Type) {
			continue
		}
		select {
		case sub.C <- evt:
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// Close ends every subscription. Later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.C)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped is the total across all subscribers, past and present.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
