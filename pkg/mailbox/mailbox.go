// Package mailbox provides bounded single-consumer channels with explicit
// delivery policies: FIFO (blocking send, order preserved), DropOldest
// (never blocks, evicts the oldest item when full) and Latest (only the most
// recent value is kept).
package mailbox

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Receive once a mailbox is closed and drained.
var ErrClosed = errors.New("mailbox: closed")

// FIFO is a bounded queue. Send blocks while the queue is full.
type FIFO[T any] struct {
	ch        chan T
	closeOnce sync.Once
}

// NewFIFO returns a FIFO holding at most capacity items.
func NewFIFO[T any](capacity int) *FIFO[T] {
	return &FIFO[T]{ch: make(chan T, capacity)}
}

// Send enqueues v, blocking until there is room or ctx is done.
func (m *FIFO[T]) Send(ctx context.Context, v T) error {
	select {
	case m.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive dequeues the oldest item.
func (m *FIFO[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-m.ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// C exposes the underlying channel for select loops.
func (m *FIFO[T]) C() <-chan T { return m.ch }

// Len returns the number of queued items.
func (m *FIFO[T]) Len() int { return len(m.ch) }

// Close ends the stream. Only the producer may call it, and it must not
// Send afterwards.
func (m *FIFO[T]) Close() {
	m.closeOnce.Do(func() { close(m.ch) })
}

// DropOldest is a bounded queue whose Send never blocks: when full, the
// oldest queued item is discarded to make room.
type DropOldest[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int
	size     int
	dropped  uint64
	closed   bool
	notEmpty chan struct{}
}

// NewDropOldest returns a DropOldest holding at most capacity items.
func NewDropOldest[T any](capacity int) *DropOldest[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &DropOldest[T]{items: make([]T, capacity), notEmpty: make(chan struct{}, 1)}
}

// Send enqueues v and reports whether an older item was evicted. Sends
// after Close are discarded.
func (m *DropOldest[T]) Send(v T) (evicted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if m.size == len(m.items) {
		var zero T
		m.items[m.head] = zero
		m.head = (m.head + 1) % len(m.items)
		m.size--
		m.dropped++
		evicted = true
	}
	m.items[(m.head+m.size)%len(m.items)] = v
	m.size++
	m.signal()
	return evicted
}

// Receive dequeues the oldest retained item, waiting until one is available.
func (m *DropOldest[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	for {
		m.mu.Lock()
		if m.size > 0 {
			v := m.items[m.head]
			m.items[m.head] = zero
			m.head = (m.head + 1) % len(m.items)
			m.size--
			if m.size > 0 {
				m.signal()
			}
			m.mu.Unlock()
			return v, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-m.notEmpty:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (m *DropOldest[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Dropped returns how many items were evicted.
func (m *DropOldest[T]) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close ends the stream; queued items can still be received.
func (m *DropOldest[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.signal()
}

func (m *DropOldest[T]) signal() {
	select {
	case m.notEmpty <- struct{}{}:
	default:
	}
}

// Latest holds a single value. Publishing overwrites any value the
// consumer has not yet received.
type Latest[T any] struct {
	mu      sync.Mutex
	value   T
	has     bool
	unseen  bool
	closed  bool
	updated chan struct{}
}

// NewLatest returns an empty Latest.
func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{updated: make(chan struct{}, 1)}
}

// Publish replaces the held value.
func (m *Latest[T]) Publish(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.value = v
	m.has = true
	m.unseen = true
	select {
	case m.updated <- struct{}{}:
	default:
	}
}

// Load returns the held value without consuming it.
func (m *Latest[T]) Load() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, m.has
}

// Receive waits for a value published since the last Receive and returns
// it. Intermediate values published in between are skipped.
func (m *Latest[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	for {
		m.mu.Lock()
		if m.unseen {
			m.unseen = false
			v := m.value
			m.mu.Unlock()
			return v, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-m.updated:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close wakes any waiting consumer; further values are ignored.
func (m *Latest[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	select {
	case m.updated <- struct{}{}:
	default:
	}
}
