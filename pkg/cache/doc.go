// Package cache provides a generic thread-safe LRU cache with always-on
// statistics and optional Prometheus metrics.
//
//	c, err := cache.NewLRU[*auth.Identity](1024,
//	    cache.WithMetrics[*auth.Identity](registry, "auth"))
//
// Entries beyond the size limit are evicted least recently used first and
// counted in Statistics.Evictions. Delete and Purge also run the eviction
// callback but are not counted as evictions.
package cache
