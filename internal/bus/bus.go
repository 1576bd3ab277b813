// Package bus provides the in-process event fabric. Components publish
// named events; the gateway fans them out to connected clients, and
// internal consumers (scheduler, swarm) subscribe to control signals.
package bus

import (
	"log/slog"
	"sync"
)

// Event is a server-side event broadcast to subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and runtime to decouple from the concrete bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus is a simple fan-out event bus. Broadcast never blocks the caller:
// each subscriber gets a buffered queue drained by its own goroutine, and
// events are dropped (with a log line) when a subscriber falls behind.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

const subscriberBuffer = 256

// New creates an event bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers a handler under an id, replacing any previous
// subscription with the same id.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	sub := &subscriber{
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if old, ok := b.subs[id]; ok {
		close(old.done)
	}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.ch:
				handler(ev)
			case <-sub.done:
				return
			}
		}
	}()
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.done)
		delete(b.subs, id)
	}
}

// Broadcast delivers an event to every subscriber without blocking.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			slog.Warn("bus: subscriber queue full, dropping event", "subscriber", id, "event", event.Name)
		}
	}
}
