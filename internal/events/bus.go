// Package events provides the in-process pub/sub bus for release
// lifecycle events. Delivery is asynchronous over buffered channels;
// a full subscriber drops events rather than blocking the publisher.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventPlanResolved is published when a resolution plan is produced.
	EventPlanResolved EventType = "plan_resolved"
	// EventApplyStarted is published when the write phase begins.
	EventApplyStarted EventType = "apply_started"
	// EventApplyCompleted is published after a successful apply.
	EventApplyCompleted EventType = "apply_completed"
	// EventApplyRolledBack is published after a rollback restored the workspace.
	EventApplyRolledBack EventType = "apply_rolled_back"
	// EventChangesetArchived is published for each changeset moved to history.
	EventChangesetArchived EventType = "changeset_archived"
)

// Event represents one release lifecycle event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Bus is a non-blocking publish/subscribe event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a bus with the given buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a channel receiving events of the given type.
func (b *Bus) Subscribe(t EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.bufferSize)
	b.subscribers[t] = append(b.subscribers[t], ch)
	return ch
}

// Publish delivers an event to every subscriber of its type. Full
// subscriber channels are skipped.
func (b *Bus) Publish(t EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev := Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
	for _, ch := range b.subscribers[t] {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; drop rather than block the release path.
		}
	}
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, chans := range b.subscribers {
		for _, ch := range chans {
			close(ch)
		}
		delete(b.subscribers, t)
	}
}
