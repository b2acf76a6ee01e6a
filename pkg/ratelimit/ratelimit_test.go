package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstThenDeny(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{RefillPerSecond: 10, Capacity: 5}, WithClock(mock))

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("dev1"), "token %d", i)
	}
	assert.False(t, l.Allow("dev1"), "bucket should be empty")

	// 100ms refills exactly one token at 10/s
	mock.Add(100 * time.Millisecond)
	assert.True(t, l.Allow("dev1"))
	assert.False(t, l.Allow("dev1"))
}

func TestLimiter_RefillCapsAtCapacity(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{RefillPerSecond: 100, Capacity: 3}, WithClock(mock))

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("dev1"))
	}
	mock.Add(time.Hour)

	admitted := 0
	for i := 0; i < 10; i++ {
		if l.Allow("dev1") {
			admitted++
		}
	}
	assert.Equal(t, 3, admitted)
	assert.InDelta(t, 0, l.Tokens("dev1"), 0.0001)
}

func TestLimiter_BucketsAreIndependent(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{RefillPerSecond: 1, Capacity: 1}, WithClock(mock))

	assert.True(t, l.Allow("dev1"))
	assert.False(t, l.Allow("dev1"))
	assert.True(t, l.Allow("dev2"), "a different identity has its own bucket")
	assert.Equal(t, 2, l.Len())
}

func TestLimiter_IdleBucketsPruned(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{RefillPerSecond: 1, Capacity: 2, IdleTTL: time.Minute}, WithClock(mock))
	require.Equal(t, time.Minute, l.TTL())

	require.True(t, l.Allow("dev1"))
	require.True(t, l.Allow("dev1"))
	require.False(t, l.Allow("dev1"))
	require.True(t, l.Allow("dev2"))

	mock.Add(30 * time.Second)
	assert.Zero(t, l.Prune(), "nothing idle for the TTL yet")
	assert.Equal(t, 2, l.Len())

	mock.Add(time.Minute)
	assert.Equal(t, 2, l.Prune())
	assert.Zero(t, l.Len())
	assert.True(t, l.Allow("dev1"))
}

func TestLimiter_TTLCoversRefill(t *testing.T) {
	mock := clock.NewMock()
	// An empty bucket needs 50s to refill, so a 1s TTL would leak tokens.
	l := New(Config{RefillPerSecond: 2, Capacity: 100, IdleTTL: time.Second}, WithClock(mock))
	assert.Equal(t, 50*time.Second, l.TTL())

	for l.Allow("dev1") {
	}
	mock.Add(10 * time.Second)
	assert.Zero(t, l.Prune(), "a draining bucket is not dropped")
	assert.InDelta(t, 20, l.Tokens("dev1"), 0.0001)
}

func TestLimiter_PrunesOnGrowth(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{RefillPerSecond: 10, Capacity: 10, IdleTTL: time.Minute}, WithClock(mock))

	for i := 0; i < 5; i++ {
		l.Allow(fmt.Sprintf("dev-%d", i))
	}
	require.Equal(t, 5, l.Len())

	mock.Add(2 * time.Minute)
	l.Allow("newcomer")
	assert.Equal(t, 1, l.Len(), "idle buckets dropped when a new one is created")
}

func TestLimiter_WindowBound(t *testing.T) {
	tests := []struct {
		refill   float64
		capacity int
	}{
		{100, 100},
		{10, 50},
		{50, 1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("rate=%v,burst=%d", tt.refill, tt.capacity), func(t *testing.T) {
			mock := clock.NewMock()
			l := New(Config{RefillPerSecond: tt.refill, Capacity: tt.capacity}, WithClock(mock))

			// Hammer the bucket for three seconds in 1ms steps, recording the
			// time of every admission.
			var admissions []time.Time
			for step := 0; step < 3000; step++ {
				for i := 0; i < 5; i++ {
					if l.Allow("dev") {
						admissions = append(admissions, mock.Now())
					}
				}
				mock.Add(time.Millisecond)
			}

			bound := tt.capacity + int(tt.refill)
			start := 0
			for end := range admissions {
				for admissions[end].Sub(admissions[start]) >= time.Second {
					start++
				}
				count := end - start + 1
				require.LessOrEqual(t, count, bound,
					"window ending at %v admitted %d", admissions[end], count)
			}
		})
	}
}

func TestLimiter_Defaults(t *testing.T) {
	l := New(Config{})

	admitted := 0
	for i := 0; i < DefaultBurst*2; i++ {
		if l.Allow("dev") {
			admitted++
		}
	}
	// Real clock: a few tokens may refill during the loop.
	assert.GreaterOrEqual(t, admitted, DefaultBurst)
	assert.Less(t, admitted, DefaultBurst+DefaultRate)
}

func TestLimiter_ConcurrentIdentities(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{RefillPerSecond: 1, Capacity: 10}, WithClock(mock))

	var wg sync.WaitGroup
	var total atomic.Int64
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("dev-%d", id%4)
			for i := 0; i < 100; i++ {
				if l.Allow(key) {
					total.Add(1)
				}
			}
		}(g)
	}
	wg.Wait()

	// Four identities, ten tokens each, clock frozen.
	assert.Equal(t, int64(40), total.Load())
}
