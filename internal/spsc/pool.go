// Package spsc provides a fixed-capacity lock-free ring shared by exactly one
// producer and one consumer. The engine sizes each pool to the maximum number
// of outstanding items, so the producer can never overrun the consumer and
// Append needs no overrun check.
package spsc

import (
	"runtime"
	"sync/atomic"
)

// popHotSpins bounds the busy-wait in Pop before the goroutine starts
// yielding, so a blocked consumer cannot starve the transport poller on an
// oversubscribed host.
const popHotSpins = 256

// Pool is a single-producer/single-consumer ring of T.
type Pool[T any] struct {
	readHead  atomic.Uint64
	writeHead atomic.Uint64
	queue     []T
}

// New returns an empty pool with the given fixed capacity.
func New[T any](capacity int) *Pool[T] {
	return &Pool[T]{queue: make([]T, capacity)}
}

// Cap returns the fixed capacity.
func (p *Pool[T]) Cap() int { return len(p.queue) }

// Len returns the number of items currently queued.
func (p *Pool[T]) Len() int {
	return int(p.writeHead.Load() - p.readHead.Load())
}

// FillAppend adds an item during single-threaded population, before the pool
// is shared.
func (p *Pool[T]) FillAppend(t T) {
	w := p.writeHead.Load()
	p.queue[w%uint64(len(p.queue))] = t
	p.writeHead.Store(w + 1)
}

// FillFunc populates the first n slots from fn during single-threaded setup.
func (p *Pool[T]) FillFunc(n int, fn func(i int) T) {
	for i := 0; i < n; i++ {
		p.FillAppend(fn(i))
	}
}

// Append publishes an item. Producer side only.
func (p *Pool[T]) Append(t T) {
	w := p.writeHead.Load()
	p.queue[w%uint64(len(p.queue))] = t
	// The store above must be visible before the head advances.
	p.writeHead.Store(w + 1)
}

// TryPop removes the next item if one is ready. Consumer side only.
func (p *Pool[T]) TryPop() (T, bool) {
	r := p.readHead.Load()
	if r == p.writeHead.Load() {
		var zero T
		return zero, false
	}
	t := p.queue[r%uint64(len(p.queue))]
	p.readHead.Store(r + 1)
	return t, true
}

// Pop removes the next item, spinning until one is ready. Consumer side only.
func (p *Pool[T]) Pop() T {
	r := p.readHead.Load()
	spins := 0
	for r == p.writeHead.Load() {
		spins++
		if spins >= popHotSpins {
			runtime.Gosched()
			spins = 0
		}
	}
	t := p.queue[r%uint64(len(p.queue))]
	p.readHead.Store(r + 1)
	return t
}
