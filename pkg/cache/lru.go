package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/c360/wsbridge/errors"
)

// lruCache wraps hashicorp's LRU with statistics and optional metrics.
type lruCache[V any] struct {
	inner   *lru.Cache[string, V]
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
}

// NewLRU creates a cache holding at most maxSize entries, evicting the least
// recently used entry beyond that.
func NewLRU[V any](maxSize int, options ...Option[V]) (Cache[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU", "size validation")
	}
	opts := applyOptions(options...)

	c := &lruCache[V]{
		stats:   NewStatistics(),
		evictFn: opts.evictCallback,
	}
	if opts.metricsReg != nil {
		m, err := newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
		c.metrics = m
	}

	inner, err := lru.NewWithEvict[string, V](maxSize, c.onEvict)
	if err != nil {
		return nil, errors.WrapInvalid(err, "cache", "NewLRU", "lru construction")
	}
	c.inner = inner
	return c, nil
}

func (c *lruCache[V]) onEvict(key string, value V) {
	if c.evictFn != nil {
		c.evictFn(key, value)
	}
}

func (c *lruCache[V]) Get(key string) (V, bool) {
	v, ok := c.inner.Get(key)
	if ok {
		c.stats.hit()
		if c.metrics != nil {
			c.metrics.hits.Inc()
		}
	} else {
		c.stats.miss()
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
	}
	return v, ok
}

func (c *lruCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	existed := c.inner.Contains(key)
	if evicted := c.inner.Add(key, value); evicted {
		c.stats.eviction()
		if c.metrics != nil {
			c.metrics.evictions.Inc()
		}
	}
	c.stats.set()
	c.recordSize()
	return !existed, nil
}

func (c *lruCache[V]) Delete(key string) bool {
	ok := c.inner.Remove(key)
	if ok {
		c.stats.delete()
		c.recordSize()
	}
	return ok
}

func (c *lruCache[V]) Purge() {
	c.inner.Purge()
	c.recordSize()
}

func (c *lruCache[V]) Size() int {
	return c.inner.Len()
}

func (c *lruCache[V]) Stats() *Statistics {
	return c.stats
}

func (c *lruCache[V]) recordSize() {
	n := c.inner.Len()
	c.stats.updateSize(n)
	if c.metrics != nil {
		c.metrics.size.Set(float64(n))
	}
}
