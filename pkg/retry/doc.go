// Package retry provides exponential backoff with jitter.
//
// # Backoff
//
// Backoff computes min(InitialDelay * Multiplier^(attempt-1), MaxDelay) and
// applies multiplicative jitter so the result lies within ±Jitter of that base.
// The device SDK uses DefaultBackoff (1s, x2, 30s cap, ±25%) for reconnects:
//
//	b := retry.DefaultBackoff()
//	b.Base(1) // 1s
//	b.Base(6) // 30s
//	b.Delay(3) // somewhere in [3s, 5s]
//
// # Do
//
// Do retries a function with the same backoff until it succeeds, the attempts
// run out, the context ends, or the function returns an error wrapped with
// NonRetryable:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    return client.Connect(ctx)
//	})
package retry
