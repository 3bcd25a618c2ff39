package multisettle

import (
	"context"
	"sync"
	"time"
)

// SettleCache provides idempotent replay for settle requests that carry a
// client idempotency key. It caches terminal outcomes and tracks in-flight
// requests so a retry after a timeout waits for the original attempt instead
// of reserving a second time. Reservation remains the sole correctness gate;
// the cache only prevents accidental duplicate draws from retries.
type SettleCache struct {
	mu       sync.Mutex
	results  map[string]*SettleOutcome
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewSettleCache creates a cache with the given result TTL. Typical values
// are 5-15 minutes, balancing the deduplication window against memory usage.
func NewSettleCache(ttl time.Duration) *SettleCache {
	return &SettleCache{
		results:  make(map[string]*SettleOutcome),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// CacheStatus is the result of checking the cache.
type CacheStatus int

const (
	// CacheMiss means no cached outcome and no in-flight request.
	CacheMiss CacheStatus = iota
	// CacheHit means a cached outcome was found.
	CacheHit
	// CacheInFlight means another request is currently processing this key.
	CacheInFlight
)

// CheckAndMark atomically checks the cache and marks the key as in-flight if
// needed. Returns:
//   - CacheHit + outcome if a cached outcome exists
//   - CacheInFlight + wait channel if another request is processing
//   - CacheMiss + done channel if this request should proceed (now marked in-flight)
func (c *SettleCache) CheckAndMark(key string) (CacheStatus, *SettleOutcome, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if time.Now().Before(expiry) {
			if result, ok := c.results[key]; ok {
				return CacheHit, result, nil
			}
		}
		// Expired - clean it up
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return CacheInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return CacheMiss, nil, done
}

// WaitForResult waits for an in-flight request to complete, respecting context
// cancellation. Returns nil if the in-flight request failed without caching.
func (c *SettleCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*SettleOutcome, error) {
	select {
	case <-done:
		return c.get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *SettleCache) get(key string) *SettleOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if time.Now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// Complete caches the outcome and signals any waiting goroutines.
func (c *SettleCache) Complete(key string, outcome *SettleOutcome, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = outcome
	c.expiry[key] = time.Now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail removes the in-flight marker without caching a result, allowing the
// settle to be retried.
func (c *SettleCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *SettleCache) cleanupExpiredLocked() {
	now := time.Now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
