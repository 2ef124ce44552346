package event

import (
	"log/slog"
	"sync"
)

// Topic is a typed publish/subscribe list for one event kind.
// Handlers run synchronously in subscription order. A panicking handler is
// logged and does not prevent delivery to the remaining handlers.
type Topic[T any] struct {
	name string

	mu       sync.RWMutex
	nextID   uint64
	handlers []subscription[T]
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// NewTopic creates a topic. name is used only for logging.
func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{name: name}
}

// Name returns the topic name.
func (t *Topic[T]) Name() string {
	return t.name
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is idempotent.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.handlers = append(t.handlers, subscription[T]{id: id, fn: fn})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.handlers {
			if s.id == id {
				t.handlers = append(t.handlers[:i:i], t.handlers[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every current subscriber.
func (t *Topic[T]) Publish(ev T) {
	t.mu.RLock()
	if len(t.handlers) == 0 {
		t.mu.RUnlock()
		return
	}
	handlers := make([]subscription[T], len(t.handlers))
	copy(handlers, t.handlers)
	t.mu.RUnlock()

	for _, s := range handlers {
		t.deliver(s.fn, ev)
	}
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// Reset drops all subscribers.
func (t *Topic[T]) Reset() {
	t.mu.Lock()
	t.handlers = nil
	t.mu.Unlock()
}

func (t *Topic[T]) deliver(fn func(T), ev T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "topic", t.name, "panic", r)
		}
	}()
	fn(ev)
}
