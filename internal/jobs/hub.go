package jobs

import (
	"sync"

	"github.com/google/uuid"

	"roof-segmenter/internal/domain"
)

// EventType classifies live-update messages pushed to subscribers.
type EventType string

const (
	EventTypeUpload     EventType = "upload"
	EventTypeProcessing EventType = "processing"
	EventTypeComplete   EventType = "complete"
)

// Event is one live-update message. Events are transient: they are
// broadcast to currently connected subscribers and never replayed.
type Event struct {
	Type      EventType        `json:"type"`
	Progress  int              `json:"progress"`
	Message   string           `json:"message,omitempty"`
	ResultID  string           `json:"resultId,omitempty"`
	InputURL  string           `json:"inputUrl,omitempty"`
	ResultURL string           `json:"resultUrl,omitempty"`
	Segments  []domain.Segment `json:"segments,omitempty"`
}

// subscriberBuffer bounds per-subscriber queueing. A subscriber that falls
// this far behind starts losing events rather than stalling broadcasts.
const subscriberBuffer = 64

// Subscriber is one live connection handle registered with the hub.
type Subscriber struct {
	ID     string
	events chan Event
}

// Events returns the channel delivering this subscriber's events. It is
// closed when the subscriber is removed or the hub shuts down.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Hub owns the subscriber registry and fans out job events to every
// registered subscriber. Delivery is best-effort by design: a broadcast
// never fails and never blocks on any one subscriber.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
}

// NewHub creates a hub with no subscribers.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber with a generated client ID.
// After Close, the returned subscriber's channel is already closed.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:     uuid.NewString(),
		events: make(chan Event, subscriberBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.events)
		return sub
	}

	h.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Unknown IDs
// are ignored so disconnect paths can call it unconditionally.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[id]
	if !ok {
		return
	}

	delete(h.subscribers, id)
	close(sub.events)
}

// Broadcast delivers an event to every registered subscriber. Events for a
// single job arrive at any one subscriber in broadcast order; a subscriber
// with a full buffer is skipped for that event.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}

	for _, sub := range h.subscribers {
		select {
		case sub.events <- event:
		default:
		}
	}
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close removes all subscribers and rejects further registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true
	for id, sub := range h.subscribers {
		delete(h.subscribers, id)
		close(sub.events)
	}
}
