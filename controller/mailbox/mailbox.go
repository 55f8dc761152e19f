// Package mailbox provides an unbounded FIFO with a single blocking
// consumer. Producers never block, so two loops can post into each other
// without deadlocking.
package mailbox

import (
	"context"
	"sync"
	"time"
)

type Mailbox[T any] struct {
	mutex  sync.Mutex
	items  []T
	signal chan struct{}
}

func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{signal: make(chan struct{}, 1)}
}

func (m *Mailbox[T]) Push(item T) {
	m.mutex.Lock()
	m.items = append(m.items, item)
	m.mutex.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// PushAfter pushes item once delay has passed. It is dropped if ctx is
// done first.
func (m *Mailbox[T]) PushAfter(ctx context.Context, item T, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			m.Push(item)
		}
	}()
}

// Pop blocks until an item is available or ctx is done.
func (m *Mailbox[T]) Pop(ctx context.Context) (T, error) {
	for {
		m.mutex.Lock()
		if len(m.items) > 0 {
			item := m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			m.mutex.Unlock()
			return item, nil
		}
		m.mutex.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-m.signal:
		}
	}
}

func (m *Mailbox[T]) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.items)
}
