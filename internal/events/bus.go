// Package events provides the in-process typed publish/subscribe bus
// that ties the trading components together.
//
// Handlers are isolated: a failing handler is logged and the remaining
// handlers still run. Ordering-critical consumers (fill → portfolio
// update) subscribe synchronously; fan-out consumers use PublishAsync.
// The bus keeps a small ring of recent events for the audit tap and for
// test assertions.
package events

import (
	"log/slog"
	"sync"
	"time"
)

const ringSize = 256

// Handler consumes one event. A non-nil error is logged by the bus and
// never propagated to the publisher.
type Handler func(Event) error

// Subscription identifies a registered handler for Unsubscribe.
type Subscription struct {
	id    int
	topic Type
	all   bool
}

// Bus is the typed pub/sub dispatcher.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[Type][]entry // per-topic, in subscription order
	taps     []entry          // catch-all handlers, invoked after typed ones

	ring    []Event
	ringPos int

	logger *slog.Logger
}

type entry struct {
	id int
	h  Handler
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[Type][]entry),
		ring:     make([]Event, 0, ringSize),
		logger:   logger.With("component", "bus"),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(topic Type, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], entry{id: b.nextID, h: h})
	return Subscription{id: b.nextID, topic: topic}
}

// SubscribeAll registers a catch-all handler. Catch-all handlers run
// after the type-matched ones for every published event.
func (b *Bus) SubscribeAll(h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.taps = append(b.taps, entry{id: b.nextID, h: h})
	return Subscription{id: b.nextID, all: true}
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.all {
		b.taps = remove(b.taps, sub.id)
		return
	}
	b.handlers[sub.topic] = remove(b.handlers[sub.topic], sub.id)
}

// Publish delivers the event synchronously: type-matched handlers in
// subscription order, then catch-all handlers. The caller observes all
// synchronous side effects before Publish returns.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.record(ev)

	for _, e := range b.snapshot(ev.Type) {
		if err := e.h(ev); err != nil {
			b.logger.Error("event handler failed", "type", ev.Type, "error", err)
		}
	}
}

// PublishAsync dispatches to all handlers concurrently and waits for
// completion. Handler errors are captured and logged, never returned.
func (b *Bus) PublishAsync(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.record(ev)

	handlers := b.snapshot(ev.Type)
	var wg sync.WaitGroup
	wg.Add(len(handlers))
	for _, e := range handlers {
		go func(e entry) {
			defer wg.Done()
			if err := e.h(ev); err != nil {
				b.logger.Error("async event handler failed", "type", ev.Type, "error", err)
			}
		}(e)
	}
	wg.Wait()
}

// Recent returns the ring of recently published events, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.ring))
	if len(b.ring) < ringSize {
		return append(out, b.ring...)
	}
	out = append(out, b.ring[b.ringPos:]...)
	return append(out, b.ring[:b.ringPos]...)
}

// snapshot copies the handler list under the read lock so handlers can
// subscribe/unsubscribe from within a callback without deadlocking.
func (b *Bus) snapshot(topic Type) []entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]entry, 0, len(b.handlers[topic])+len(b.taps))
	out = append(out, b.handlers[topic]...)
	out = append(out, b.taps...)
	return out
}

func (b *Bus) record(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ring) < ringSize {
		b.ring = append(b.ring, ev)
		return
	}
	b.ring[b.ringPos] = ev
	b.ringPos = (b.ringPos + 1) % ringSize
}

func remove(list []entry, id int) []entry {
	out := list[:0]
	for _, e := range list {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}
