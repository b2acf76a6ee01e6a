package cache

import (
	"fmt"

	"github.com/c360/wsbridge/errors"
)

// Cache is a thread-safe string-keyed cache.
type Cache[V any] interface {
	// Get returns the value for key and marks it recently used.
	Get(key string) (V, bool)

	// Set stores value under key. It reports whether a new entry was created.
	Set(key string, value V) (bool, error)

	// Delete removes key and reports whether it existed.
	Delete(key string) bool

	// Purge removes every entry.
	Purge()

	// Size returns the number of entries.
	Size() int

	// Stats returns the always-on statistics.
	Stats() *Statistics
}

// EvictCallback is called when an entry leaves the cache, whether by
// eviction, Delete or Purge.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: empty cache key", errors.ErrInvalidData),
			"cache", "Set", "key validation")
	}
	return nil
}
