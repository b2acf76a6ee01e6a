package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks buffer activity with atomic counters.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64
	rejects   atomic.Int64

	currentSize atomic.Int64
	maxSize     atomic.Int64
	startTime   time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) write() { s.writes.Add(1) }

func (s *Statistics) read(n int) { s.reads.Add(int64(n)) }

func (s *Statistics) overflow() { s.overflows.Add(1) }

func (s *Statistics) drop() { s.drops.Add(1) }

func (s *Statistics) reject() {
	s.rejects.Add(1)
	s.drops.Add(1)
}

func (s *Statistics) updateSize(size int) {
	v := int64(size)
	s.currentSize.Store(v)
	for {
		m := s.maxSize.Load()
		if v <= m || s.maxSize.CompareAndSwap(m, v) {
			return
		}
	}
}

// Writes returns the number of items accepted.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of items removed by Read or ReadBatch.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Overflows returns how many writes found the buffer full.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// Drops returns how many items were evicted or rejected.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// CurrentSize returns the current number of items in the buffer.
func (s *Statistics) CurrentSize() int64 { return s.currentSize.Load() }

// MaxSize returns the high-water mark.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// Rejects returns how many incoming items DropNewest turned away.
func (s *Statistics) Rejects() int64 { return s.rejects.Load() }

// DropRate returns drops per attempted write (0.0 to 1.0).
func (s *Statistics) DropRate() float64 {
	attempts := s.Writes() + s.Rejects()
	if attempts == 0 {
		return 0.0
	}
	return float64(s.Drops()) / float64(attempts)
}

// Utilization returns size / capacity.
func (s *Statistics) Utilization(capacity int) float64 {
	if capacity == 0 {
		return 0.0
	}
	return float64(s.CurrentSize()) / float64(capacity)
}

// Uptime returns how long the buffer has existed.
func (s *Statistics) Uptime() time.Duration {
	return time.Since(s.startTime)
}
