package engine

import (
	"sync"
	"time"
)

// EventBus delivers engine events to subscribers synchronously, in
// subscription order. Handlers must not block; slow consumers (SSE,
// websockets) should buffer on their own side.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
	order  []int
}

type subscription struct {
	fn    func(Event)
	types map[EventType]bool // nil means all types
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[int]*subscription),
	}
}

// Subscribe registers a handler for every event. Returns an id for
// Unsubscribe.
func (b *EventBus) Subscribe(fn func(Event)) int {
	return b.subscribe(fn, nil)
}

// SubscribeTypes registers a handler that only receives the listed
// event types.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) int {
	filter := make(map[EventType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	return b.subscribe(fn, filter)
}

func (b *EventBus) subscribe(fn func(Event), types map[EventType]bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[id] = &subscription{fn: fn, types: types}
	b.order = append(b.order, id)
	return id
}

// Unsubscribe removes a handler. Unknown ids are a no-op.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	for i, n := range b.order {
		if n == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Emit stamps the event and delivers it to all matching subscribers.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		sub, ok := b.subs[id]
		if !ok {
			continue
		}
		if sub.types != nil && !sub.types[e.Type] {
			continue
		}
		handlers = append(handlers, sub.fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
}
