// Package events provides an in-memory progress event bus for pipeline runs.
//
// Thread-safe fan-out to multiple subscribers for single-process deployments.
// Subscriber panics or slowness never affect the pipeline: publishing is
// synchronous fan-out with per-subscriber isolation, and an event with no
// subscribers is a no-op.
package events

import (
	"sync"
	"time"
)

// Event is a pipeline progress notification.
type Event interface {
	EventType() string
}

// RunStarted is published when execute begins a run.
type RunStarted struct {
	RunID       string
	Requirement string
}

func (RunStarted) EventType() string { return "RunStarted" }

// StageStarted is published when a stage begins.
type StageStarted struct {
	RunID string
	Stage string
}

func (StageStarted) EventType() string { return "StageStarted" }

// StageCompleted is published when a stage finishes, success or failure.
type StageCompleted struct {
	RunID    string
	Stage    string
	Status   string // "success" or "error"
	Err      string
	Duration time.Duration
}

func (StageCompleted) EventType() string { return "StageCompleted" }

// RunCompleted is published when execute returns.
type RunCompleted struct {
	RunID      string
	Status     string
	Iterations int
	Duration   time.Duration
}

func (RunCompleted) EventType() string { return "RunCompleted" }

// Handler receives published events.
type Handler func(Event)

// Bus is an in-memory event bus. The zero value is not usable; construct
// with NewBus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription
	nextID      int
}

type subscription struct {
	id      int
	handler Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string][]subscription)}
}

// Subscribe registers a handler for an event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(eventType string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// SubscribeAll registers a handler for every event type published so far and
// in the future. Implemented as a wildcard subscription.
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.Subscribe("*", handler)
}

// Publish delivers the event to all matching subscribers. Handler panics are
// swallowed so a misbehaving subscriber cannot abort the pipeline.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subscribers[event.EventType()])+len(b.subscribers["*"]))
	subs = append(subs, b.subscribers[event.EventType()]...)
	subs = append(subs, b.subscribers["*"]...)
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s.handler, event)
	}
}

func deliver(h Handler, e Event) {
	defer func() { _ = recover() }()
	h(e)
}
