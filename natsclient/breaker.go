package natsclient

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Circuit breaker gauge values reported to metrics.
const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
)

const (
	defaultCircuitThreshold = 5
	defaultMaxBackoff       = time.Minute
	initialBackoff          = time.Second
)

// breaker counts consecutive NATS failures. After threshold failures in one
// round it opens for the current backoff, then half-opens via onHalfOpen.
// Every further round that trips while open doubles the backoff up to max.
type breaker struct {
	clock      clock.Clock
	threshold  int32
	maxBackoff time.Duration
	onHalfOpen func()

	mu          sync.Mutex
	failures    int32
	round       int32
	backoff     time.Duration
	lastFailure time.Time
	open        bool
	timer       *clock.Timer
}

func newBreaker(c clock.Clock, threshold int32, maxBackoff time.Duration, onHalfOpen func()) *breaker {
	return &breaker{
		clock:      c,
		threshold:  threshold,
		maxBackoff: maxBackoff,
		onHalfOpen: onHalfOpen,
		backoff:    initialBackoff,
	}
}

// trip records one failure. opened is true only for the call that moved
// the breaker from closed to open; wait is the backoff it opened for.
func (b *breaker) trip() (opened bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.round++
	b.lastFailure = b.clock.Now()
	if b.round < b.threshold {
		return false, 0
	}
	b.round = 0

	if b.open {
		b.backoff = b.next(b.backoff)
		return false, b.backoff
	}

	b.open = true
	wait = b.backoff
	b.backoff = b.next(b.backoff)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = b.clock.AfterFunc(wait, b.halfOpen)
	return true, wait
}

func (b *breaker) next(d time.Duration) time.Duration {
	if d *= 2; d > b.maxBackoff {
		return b.maxBackoff
	}
	return d
}

func (b *breaker) halfOpen() {
	b.mu.Lock()
	wasOpen := b.open
	b.open = false
	b.timer = nil
	b.mu.Unlock()

	if wasOpen && b.onHalfOpen != nil {
		b.onHalfOpen()
	}
}

// reset closes the breaker and forgets every failure.
func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.open = false
	b.failures = 0
	b.round = 0
	b.backoff = initialBackoff
	b.lastFailure = time.Time{}
}

type breakerState struct {
	failures    int32
	backoff     time.Duration
	lastFailure time.Time
	open        bool
}

func (b *breaker) snapshot() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return breakerState{
		failures:    b.failures,
		backoff:     b.backoff,
		lastFailure: b.lastFailure,
		open:        b.open,
	}
}
