package queue

import (
	"sync"
)

// Event represents a run event
type Event struct {
	JobID    string    `json:"run_id"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// EventHub fans run events out to subscribers. Slow subscribers miss progress
// events rather than block the worker, but always receive the terminal event,
// after which their channel is closed.
type EventHub struct {
	subscribers map[string][]chan Event
	closed      bool
	mu          sync.Mutex
}

// NewEventHub creates a new event hub
func NewEventHub() *EventHub {
	return &EventHub{
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe creates a subscription for run events. After Close it returns a
// closed channel.
func (h *EventHub) Subscribe(jobID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 16)
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers[jobID] = append(h.subscribers[jobID], ch)
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Channels already
// closed by a terminal event are ignored.
func (h *EventHub) Unsubscribe(jobID string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[jobID]
	for i, sub := range subs {
		if sub == ch {
			h.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}

	if len(h.subscribers[jobID]) == 0 {
		delete(h.subscribers, jobID)
	}
}

// Emit sends an event to all subscribers of a run. A terminal event ends the
// subscriptions of that run.
func (h *EventHub) Emit(jobID string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	terminal := event.Status.IsTerminal()
	for _, ch := range h.subscribers[jobID] {
		if terminal {
			deliverLast(ch, event)
			close(ch)
			continue
		}
		select {
		case ch <- event:
		default:
			// Skip if channel is full
		}
	}

	if terminal {
		delete(h.subscribers, jobID)
	}
}

// deliverLast sends event, dropping the oldest buffered event when ch is full.
func deliverLast(ch chan Event, event Event) {
	for {
		select {
		case ch <- event:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Close closes all subscriptions
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for jobID, subs := range h.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subscribers, jobID)
	}
}
