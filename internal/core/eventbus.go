package core

import (
	"log"
	"sync"
)

// EventType defines the type of event being published.
type EventType string

const (
	DeviceAddedEvent    EventType = "DeviceAdded"
	DeviceRemovedEvent  EventType = "DeviceRemoved"
	CommandFailedEvent  EventType = "CommandFailed"
	PatternChangedEvent EventType = "PatternChanged"
)

// Event is the envelope for all system events. Payload is a DeviceInfo for
// device events, a CommandFailure for CommandFailed and the running pattern
// name (empty when idle) for PatternChanged.
type Event struct {
	Type    EventType
	Payload interface{}
}

// CommandFailure describes a command that returned an error.
type CommandFailure struct {
	Device  uint32 `json:"device"`
	Command string `json:"command"`
	Error   string `json:"error"`
}

// Subscriber is a channel that receives events.
type Subscriber chan Event

// EventBus fans events out to subscribers without ever blocking publishers.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	dropped     map[Subscriber]int
}

// NewEventBus creates a new EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		dropped:     make(map[Subscriber]int),
	}
}

// Subscribe returns a buffered channel receiving events of the given types.
func (eb *EventBus) Subscribe(eventTypes ...EventType) Subscriber {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(Subscriber, 100)
	for _, t := range eventTypes {
		eb.subscribers[t] = append(eb.subscribers[t], ch)
	}
	return ch
}

// Unsubscribe detaches ch from every event type and closes it.
func (eb *EventBus) Unsubscribe(ch Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	found := false
	for t, subs := range eb.subscribers {
		kept := subs[:0]
		for _, sub := range subs {
			if sub == ch {
				found = true
				continue
			}
			kept = append(kept, sub)
		}
		eb.subscribers[t] = kept
	}
	delete(eb.dropped, ch)
	if found {
		close(ch)
	}
}

// Publish delivers event to every subscriber of its type. Subscribers whose
// buffer is full miss the event.
func (eb *EventBus) Publish(event Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, sub := range eb.subscribers[event.Type] {
		select {
		case sub <- event:
		default:
			eb.dropped[sub]++
			if n := eb.dropped[sub]; n == 1 || n%100 == 0 {
				log.Printf("[EventBus] Subscriber is not keeping up, %d %s events dropped so far", n, event.Type)
			}
		}
	}
}

// ReportedError wraps an error that has already been published as a
// CommandFailed event, so front-ends do not report it twice.
type ReportedError struct {
	Err error
}

func (e *ReportedError) Error() string { return e.Err.Error() }

func (e *ReportedError) Unwrap() error { return e.Err }
