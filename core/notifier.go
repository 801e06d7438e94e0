package core

import (
	"sync"
	"sync/atomic"
)

// DefaultNotifyBuffer is the channel capacity used when Listen is given a
// non-positive buffer.
const DefaultNotifyBuffer = 16

// Notifier fans values out to listener channels. Notify never blocks: a
// listener whose buffer is full misses the value and the drop is counted.
// The zero value is ready to use.
type Notifier[T any] struct {
	mu        sync.RWMutex
	listeners map[uint64]chan T
	next      uint64
	closed    bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Listen registers a listener and returns its channel and a function that
// removes it and closes the channel.
func (n *Notifier[T]) Listen(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultNotifyBuffer
	}
	ch := make(chan T, buffer)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		close(ch)
		return ch, func() {}
	}
	if n.listeners == nil {
		n.listeners = make(map[uint64]chan T)
	}
	key := n.next
	n.next++
	n.listeners[key] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if c, ok := n.listeners[key]; ok {
				delete(n.listeners, key)
				close(c)
			}
		})
	}
}

// Notify delivers v to every listener with room in its buffer.
func (n *Notifier[T]) Notify(v T) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.listeners {
		select {
		case ch <- v:
			n.sent.Add(1)
		default:
			n.dropped.Add(1)
		}
	}
}

// Listeners returns the number of registered listeners.
func (n *Notifier[T]) Listeners() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}

// Dropped returns how many deliveries were skipped on full buffers.
func (n *Notifier[T]) Dropped() uint64 {
	return n.dropped.Load()
}

// Delivered returns how many deliveries succeeded.
func (n *Notifier[T]) Delivered() uint64 {
	return n.sent.Load()
}

// Close closes every listener channel. Later listeners get a closed channel.
func (n *Notifier[T]) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for key, ch := range n.listeners {
		delete(n.listeners, key)
		close(ch)
	}
}
