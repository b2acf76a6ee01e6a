package buffer

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/wsbridge/errors"
)

// circularBuffer is a fixed-size ring. head indexes the oldest item.
type circularBuffer[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	size   int
	closed bool

	// space is closed and replaced whenever an item leaves a full buffer,
	// waking writers blocked under the Block policy.
	space   chan struct{}
	waiting int

	policy  OverflowPolicy
	onDrop  DropCallback[T]
	stats   *Statistics
	metrics *bufferMetrics
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "buffer", "NewCircularBuffer",
			fmt.Sprintf("capacity must be positive, got %d", capacity))
	}
	if opts.overflowPolicy < DropOldest || opts.overflowPolicy > Block {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "buffer", "NewCircularBuffer",
			fmt.Sprintf("unknown overflow policy %d", opts.overflowPolicy))
	}

	cb := &circularBuffer[T]{
		items:  make([]T, capacity),
		space:  make(chan struct{}),
		policy: opts.overflowPolicy,
		onDrop: opts.dropCallback,
		stats:  NewStatistics(),
	}

	if opts.metricsReg != nil {
		m, err := newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.Wrap(err, "buffer", "NewCircularBuffer", "register metrics")
		}
		cb.metrics = m
	}

	return cb, nil
}

func (cb *circularBuffer[T]) Write(item T) error {
	return cb.WriteContext(context.Background(), item)
}

func (cb *circularBuffer[T]) WriteContext(ctx context.Context, item T) error {
	cb.mu.Lock()
	for {
		if cb.closed {
			cb.mu.Unlock()
			return errors.WrapFatal(errors.ErrShuttingDown, "buffer", "Write", "buffer closed")
		}

		if cb.size < len(cb.items) {
			cb.push(item)
			cb.mu.Unlock()
			return nil
		}

		cb.stats.overflow()

		switch cb.policy {
		case DropOldest:
			evicted := cb.pop()
			cb.push(item)
			cb.stats.drop()
			cb.mu.Unlock()
			if cb.metrics != nil {
				cb.metrics.drops.Inc()
			}
			cb.dropped(evicted)
			return nil

		case DropNewest:
			cb.stats.reject()
			cb.mu.Unlock()
			if cb.metrics != nil {
				cb.metrics.drops.Inc()
				cb.metrics.rejects.Inc()
			}
			cb.dropped(item)
			return errors.WrapInvalid(errors.ErrBufferFull, "buffer", "Write",
				fmt.Sprintf("capacity %d reached", len(cb.items)))

		default: // Block
			wait := cb.space
			cb.waiting++
			cb.mu.Unlock()

			select {
			case <-wait:
			case <-ctx.Done():
				cb.mu.Lock()
				cb.waiting--
				cb.mu.Unlock()
				return ctx.Err()
			}

			cb.mu.Lock()
			cb.waiting--
		}
	}
}

// push requires cb.mu and free space.
func (cb *circularBuffer[T]) push(item T) {
	tail := (cb.head + cb.size) % len(cb.items)
	cb.items[tail] = item
	cb.size++
	cb.stats.write()
	cb.stats.updateSize(cb.size)
	if cb.metrics != nil {
		cb.metrics.writes.Inc()
		cb.metrics.size.Set(float64(cb.size))
	}
}

// pop requires cb.mu and a non-empty buffer.
func (cb *circularBuffer[T]) pop() T {
	var zero T
	item := cb.items[cb.head]
	cb.items[cb.head] = zero
	cb.head = (cb.head + 1) % len(cb.items)
	cb.size--
	return item
}

func (cb *circularBuffer[T]) dropped(item T) {
	if cb.onDrop != nil {
		cb.onDrop(item)
	}
}

// signalSpace requires cb.mu.
func (cb *circularBuffer[T]) signalSpace() {
	if cb.waiting > 0 {
		close(cb.space)
		cb.space = make(chan struct{})
	}
}

func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	item := cb.pop()
	cb.afterRead(1)
	return item, true
}

func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := min(max, cb.size)
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	for i := range out {
		out[i] = cb.pop()
	}
	cb.afterRead(n)
	return out
}

// afterRead requires cb.mu.
func (cb *circularBuffer[T]) afterRead(n int) {
	cb.stats.read(n)
	cb.stats.updateSize(cb.size)
	if cb.metrics != nil {
		cb.metrics.reads.Add(float64(n))
		cb.metrics.size.Set(float64(cb.size))
	}
	cb.signalSpace()
}

func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	return cb.items[cb.head], true
}

func (cb *circularBuffer[T]) Snapshot() []T {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make([]T, cb.size)
	for i := range out {
		out[i] = cb.items[(cb.head+i)%len(cb.items)]
	}
	return out
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return len(cb.items)
}

func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == len(cb.items)
}

func (cb *circularBuffer[T]) IsEmpty() bool {
	return cb.Size() == 0
}

func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	for i := range cb.items {
		cb.items[i] = zero
	}
	cb.head = 0
	cb.size = 0
	cb.stats.updateSize(0)
	if cb.metrics != nil {
		cb.metrics.size.Set(0)
	}
	cb.signalSpace()
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	close(cb.space)
	cb.space = make(chan struct{})
	return nil
}
