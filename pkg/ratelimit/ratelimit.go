// Package ratelimit provides per-identity token-bucket admission control.
package ratelimit

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Default policy: 100 operations per second with an equal burst. Idle
// buckets are dropped after ten minutes.
const (
	DefaultRate    = 100
	DefaultBurst   = 100
	DefaultIdleTTL = 10 * time.Minute
)

// Config holds the bucket policy applied to every identity.
type Config struct {
	// RefillPerSecond is the number of tokens added back per second.
	RefillPerSecond float64
	// Capacity is the bucket size (burst).
	Capacity int
	// IdleTTL is how long an unused bucket is kept. It never drops below
	// the time an empty bucket needs to refill, so eviction cannot hand an
	// identity tokens it would not otherwise have.
	IdleTTL time.Duration
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{RefillPerSecond: DefaultRate, Capacity: DefaultBurst, IdleTTL: DefaultIdleTTL}
}

type bucket struct {
	lim      *rate.Limiter
	lastUsed atomic.Int64 // unix nanos
}

// Limiter keeps one token bucket per key. Buckets are created lazily and are
// never shared between keys; each bucket serializes only its own callers.
// Buckets outlive the sessions that use them and are dropped only once idle
// for the TTL.
type Limiter struct {
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	clock   clock.Clock
	buckets sync.Map // key -> *bucket

	pruneMu   sync.Mutex
	lastPrune time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source. Tests use clock.NewMock().
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// New creates a Limiter. Non-positive values fall back to the defaults.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = DefaultRate
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultBurst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if fill := refillTime(cfg); cfg.IdleTTL < fill {
		cfg.IdleTTL = fill
	}

	l := &Limiter{
		limit: rate.Limit(cfg.RefillPerSecond),
		burst: cfg.Capacity,
		ttl:   cfg.IdleTTL,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastPrune = l.clock.Now()
	return l
}

// refillTime is how long an empty bucket takes to fill.
func refillTime(cfg Config) time.Duration {
	secs := float64(cfg.Capacity) / cfg.RefillPerSecond
	if secs*float64(time.Second) >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

// Allow consumes one token from key's bucket if one is available. It never
// blocks.
func (l *Limiter) Allow(key string) bool {
	now := l.clock.Now()
	return l.bucket(key, now).lim.AllowN(now, 1)
}

// Tokens returns the tokens currently available to key.
func (l *Limiter) Tokens(key string) float64 {
	now := l.clock.Now()
	return l.bucket(key, now).lim.TokensAt(now)
}

// TTL returns the effective idle TTL.
func (l *Limiter) TTL() time.Duration { return l.ttl }

// Prune drops buckets unused for the TTL and reports how many it dropped.
// A dropped bucket was full, so recreating it changes nothing.
func (l *Limiter) Prune() int {
	now := l.clock.Now()
	l.pruneMu.Lock()
	l.lastPrune = now
	l.pruneMu.Unlock()

	cutoff := now.Add(-l.ttl).UnixNano()
	n := 0
	l.buckets.Range(func(k, v any) bool {
		if v.(*bucket).lastUsed.Load() <= cutoff {
			if l.buckets.CompareAndDelete(k, v) {
				n++
			}
		}
		return true
	})
	return n
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (l *Limiter) bucket(key string, now time.Time) *bucket {
	if v, ok := l.buckets.Load(key); ok {
		b := v.(*bucket)
		b.lastUsed.Store(now.UnixNano())
		return b
	}
	l.maybePrune(now)

	fresh := &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
	fresh.lastUsed.Store(now.UnixNano())
	v, loaded := l.buckets.LoadOrStore(key, fresh)
	b := v.(*bucket)
	if loaded {
		b.lastUsed.Store(now.UnixNano())
	}
	return b
}

// maybePrune runs Prune at most once per TTL, on the path that grows the
// map.
func (l *Limiter) maybePrune(now time.Time) {
	l.pruneMu.Lock()
	due := now.Sub(l.lastPrune) >= l.ttl
	l.pruneMu.Unlock()
	if due {
		l.Prune()
	}
}
