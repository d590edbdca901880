package fabricmodel

import "sync"

// EventRing is a bounded in-memory ring of the most recent NodeEvents,
// retained for diagnostics. Not persisted.
type EventRing struct {
	mu       sync.Mutex
	capacity int
	events   []NodeEvent
}

// NewEventRing creates a ring retaining at most capacity events.
func NewEventRing(capacity int) *EventRing {
	if capacity <= 0 {
		capacity = 25
	}
	return &EventRing{capacity: capacity}
}

// Append adds an event, evicting the oldest entry once at capacity.
func (r *EventRing) Append(e NodeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if len(r.events) > r.capacity {
		r.events = r.events[len(r.events)-r.capacity:]
	}
}

// Snapshot returns a copy of the ring's current contents, oldest first.
func (r *EventRing) Snapshot() []NodeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NodeEvent, len(r.events))
	copy(out, r.events)
	return out
}
