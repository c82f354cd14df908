package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DEKCache memoizes unwrapped data keys so repeat reads of the same
// record skip the KMS round trip. Entries expire on a jittered TTL and
// are wiped on Stop. Concurrent unwraps of the same key collapse into
// one KMS call via singleflight.
type DEKCache struct {
	cache    sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedDEK struct {
	dek       []byte
	expiresAt time.Time
	mu        sync.RWMutex
}

func NewDEKCache(adapter *Adapter, ttl time.Duration) *DEKCache {
	c := &DEKCache{
		ttl:      ttl,
		adapter:  adapter,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// Unwrap returns the plaintext DEK for a wrapped blob. The slug is part
// of the cache key and the KMS encryption context, so the same wrapped
// bytes presented under another slug miss the cache and fail at the KMS.
func (c *DEKCache) Unwrap(ctx context.Context, wrappedDEK []byte, slug string) ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrProviderUnavailable
	}
	c.mu.Unlock()

	cacheKey := cacheKeyFor(wrappedDEK, slug)

	result, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		if cached, ok := c.cache.Load(cacheKey); ok {
			entry := cached.(*cachedDEK)
			entry.mu.RLock()
			expired := time.Now().After(entry.expiresAt)
			entry.mu.RUnlock()

			if !expired {
				entry.mu.RLock()
				defer entry.mu.RUnlock()
				dek := make([]byte, len(entry.dek))
				copy(dek, entry.dek)
				return dek, nil
			}
			c.cache.Delete(cacheKey)
		}

		dek, err := c.adapter.DecryptWithContext(ctx, wrappedDEK, RecordContext(slug))
		if err != nil {
			return nil, err
		}

		jitter := hashToJitter(cacheKey, int64(c.ttl/10))
		entry := &cachedDEK{
			dek:       make([]byte, len(dek)),
			expiresAt: time.Now().Add(c.ttl).Add(jitter),
		}
		copy(entry.dek, dek)
		c.cache.Store(cacheKey, entry)

		out := make([]byte, len(dek))
		copy(out, dek)
		return out, nil
	})

	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Forget drops a cached DEK, used when the record it belongs to is gone.
func (c *DEKCache) Forget(wrappedDEK []byte, slug string) {
	key := cacheKeyFor(wrappedDEK, slug)
	if cached, ok := c.cache.Load(key); ok {
		entry := cached.(*cachedDEK)
		entry.mu.Lock()
		wipeBytes(entry.dek)
		entry.dek = nil
		entry.mu.Unlock()
		c.cache.Delete(key)
	}
}

func cacheKeyFor(wrappedDEK []byte, slug string) string {
	h := sha256.New()
	h.Write(wrappedDEK)
	h.Write([]byte{0})
	h.Write([]byte(slug))
	return hex.EncodeToString(h.Sum(nil))
}

func hashToJitter(hashStr string, maxJitter int64) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(hashStr) && i < 16; i++ {
		sum += int64(hashStr[i])
	}
	jitterNanos := (sum % maxJitter) * int64(time.Millisecond)
	return time.Duration(jitterNanos)
}

func (c *DEKCache) evictionLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *DEKCache) evictExpired() {
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedDEK)
		entry.mu.RLock()
		expired := now.After(entry.expiresAt)
		entry.mu.RUnlock()

		if expired {
			c.cache.Delete(key)
		}
		return true
	})
}

func (c *DEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedDEK)
		entry.mu.Lock()
		wipeBytes(entry.dek)
		entry.dek = nil
		entry.mu.Unlock()
		c.cache.Delete(key)
		return true
	})
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

type CacheStats struct {
	Entries int
	Expired int
}

func (c *DEKCache) Stats() CacheStats {
	var stats CacheStats
	c.cache.Range(func(key, value interface{}) bool {
		stats.Entries++
		entry := value.(*cachedDEK)
		entry.mu.RLock()
		if time.Now().After(entry.expiresAt) {
			stats.Expired++
		}
		entry.mu.RUnlock()
		return true
	})
	return stats
}
