package resource

import (
	"context"
	"sync"
)

// Observer receives the sender of an Event.
type Observer[T any] func(ctx context.Context, sender T)

// Event is a fan-out notification point. Observers run synchronously, in
// subscription order, on the goroutine that fires the event.
type Event[T any] struct {
	mu        sync.RWMutex
	observers []Observer[T]
}

// Subscribe registers fn to be called on every Fire.
func (e *Event[T]) Subscribe(fn Observer[T]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// Fire notifies all observers.
func (e *Event[T]) Fire(ctx context.Context, sender T) {
	e.mu.RLock()
	observers := append([]Observer[T](nil), e.observers...)
	e.mu.RUnlock()

	for _, fn := range observers {
		fn(ctx, sender)
	}
}
