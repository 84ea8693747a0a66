// Package pubsub provides a typed, synchronous publish/subscribe topic.
package pubsub

import (
	"context"
	"errors"
	"sync"
)

// Handler consumes one event.
type Handler[T any] func(ctx context.Context, event T) error

// Topic fans events out to its subscribers in subscription order.
// Publish runs handlers on the caller's goroutine, so a publisher observes
// back-pressure from slow subscribers. The zero value is ready to use.
type Topic[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[T]
}

type subscription[T any] struct {
	id      uint64
	handler Handler[T]
}

// Subscribe registers h and returns a function that removes it.
// The returned function is idempotent.
func (t *Topic[T]) Subscribe(h Handler[T]) (unsubscribe func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscription[T]{id: id, handler: h})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id) })
	}
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every current subscriber. A failing handler
// does not stop delivery to the others; all errors are joined.
func (t *Topic[T]) Publish(ctx context.Context, event T) error {
	t.mu.RLock()
	subs := make([]subscription[T], len(t.subs))
	copy(subs, t.subs)
	t.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := s.handler(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
