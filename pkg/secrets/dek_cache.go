package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DEKCache memoizes unwrapped distribution DEKs so repeated bundle and copy
// downloads don't round-trip to the provider. Entries expire after a TTL and
// are wiped on shutdown.
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

func (c *DEKCache) Decrypt(ctx context.Context, encryptedDEK []byte) ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrProviderUnavailable
	}
	c.mu.Unlock()

	key := cacheKey(encryptedDEK)
	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		if cached, ok := c.cache.Load(key); ok {
			entry := cached.(*cachedDEK)
			entry.mu.RLock()
			expired := time.Now().After(entry.expiresAt)
			if !expired {
				dek := make([]byte, len(entry.dek))
				copy(dek, entry.dek)
				entry.mu.RUnlock()
				return dek, nil
			}
			entry.mu.RUnlock()
			c.cache.Delete(key)
		}
		dek, err := c.adapter.Decrypt(ctx, encryptedDEK)
		if err != nil {
			return nil, err
		}
		entry := &cachedDEK{
			dek:       make([]byte, len(dek)),
			expiresAt: time.Now().Add(c.ttl),
		}
		copy(entry.dek, dek)
		c.cache.Store(key, entry)
		out := make([]byte, len(dek))
		copy(out, dek)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func cacheKey(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func (c *DEKCache) evictionLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
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
	}
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
		for i := range entry.dek {
			entry.dek[i] = 0
		}
		entry.dek = nil
		entry.mu.Unlock()
		c.cache.Delete(key)
		return true
	})
}
