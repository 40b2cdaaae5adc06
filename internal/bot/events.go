package bot

import (
	"sync"
	"time"
)

// EventType classifies generation lifecycle events.
type EventType string

const (
	EventGenerationStarted  EventType = "generation_started"
	EventGenerationChunk    EventType = "generation_chunk"
	EventGenerationFinished EventType = "generation_finished"
	EventGenerationFailed   EventType = "generation_failed"
)

// Event is a generation lifecycle notification, consumed by the admin
// console.
type Event struct {
	Type         EventType `json:"type"`
	GenerationID string    `json:"generation_id"`
	UserID       int64     `json:"user_id"`
	Content      string    `json:"content,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventHub fans generation events out to subscribers. Slow subscribers
// lose events instead of blocking generation.
type EventHub struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a new event channel.
func (h *EventHub) Subscribe() chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (h *EventHub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, exists := h.subscribers[ch]; exists {
		delete(h.subscribers, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *EventHub) publish(event Event) {
	event.Timestamp = time.Now()
	h.mu.Lock()
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	h.mu.Unlock()
}
