// Package buffer provides a bounded, thread-safe FIFO ring with configurable
// overflow policies. The device SDK uses it to hold outbound messages while
// the connection is down.
package buffer

import (
	"context"
)

// Buffer is a bounded FIFO of T.
type Buffer[T any] interface {
	// Write appends item. When the buffer is full the overflow policy decides:
	// DropOldest evicts the head, DropNewest rejects item with ErrBufferFull,
	// Block waits for space.
	Write(item T) error

	// WriteContext is Write with a bound on how long Block may wait.
	WriteContext(ctx context.Context, item T) error

	// Read removes and returns the head.
	Read() (T, bool)

	// ReadBatch removes up to max items from the head, oldest first.
	ReadBatch(max int) []T

	// Peek returns the head without removing it.
	Peek() (T, bool)

	// Snapshot returns the contents oldest first without removing them.
	Snapshot() []T

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear removes all items. Dropped items are not reported.
	Clear()

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close releases blocked writers. Later writes fail; reads drain what is left.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest rejects the incoming item and keeps the contents.
	DropNewest

	// Block causes Write operations to block until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// ParseOverflowPolicy accepts the config spellings drop_oldest, drop_newest
// and block. Empty means DropOldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "", "drop_oldest", "DropOldest":
		return DropOldest, true
	case "drop_newest", "DropNewest":
		return DropNewest, true
	case "block", "Block":
		return Block, true
	default:
		return DropOldest, false
	}
}

// DropCallback is called with each item that is evicted or rejected.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a ring of the given capacity.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	cb, err := newCircularBuffer(capacity, applyOptions(options...))
	if err != nil {
		return nil, err
	}
	return cb, nil
}
