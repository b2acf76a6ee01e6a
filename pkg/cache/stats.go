package cache

import (
	"sync/atomic"
	"time"
)

// Statistics tracks cache activity. All methods are safe for concurrent use.
type Statistics struct {
	hits        atomic.Int64
	misses      atomic.Int64
	sets        atomic.Int64
	deletes     atomic.Int64
	evictions   atomic.Int64
	currentSize atomic.Int64
	startTime   time.Time
}

// NewStatistics creates a statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) hit()      { s.hits.Add(1) }
func (s *Statistics) miss()     { s.misses.Add(1) }
func (s *Statistics) set()      { s.sets.Add(1) }
func (s *Statistics) delete()   { s.deletes.Add(1) }
func (s *Statistics) eviction() { s.evictions.Add(1) }

func (s *Statistics) updateSize(n int) { s.currentSize.Store(int64(n)) }

// Hits returns the number of cache hits.
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the number of cache misses.
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Sets returns the number of Set calls.
func (s *Statistics) Sets() int64 { return s.sets.Load() }

// Deletes returns the number of successful Delete calls.
func (s *Statistics) Deletes() int64 { return s.deletes.Load() }

// Evictions returns the number of capacity evictions.
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }

// CurrentSize returns the last recorded entry count.
func (s *Statistics) CurrentSize() int64 { return s.currentSize.Load() }

// HitRatio returns hits / (hits + misses), or 0 before any lookup.
func (s *Statistics) HitRatio() float64 {
	hits := s.Hits()
	total := hits + s.Misses()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Uptime returns the time since the tracker was created.
func (s *Statistics) Uptime() time.Duration {
	return time.Since(s.startTime)
}
