// Package cache holds the bundle archive cache. Bundles are deterministic for
// a given distribution, so a TTL only bounds memory held for cold entries.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type LRU struct {
	c  *lru.Cache[int64, item]
	mu sync.Mutex
}
type item struct {
	data []byte
	exp  time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[int64, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

func (l *LRU) Get(ctx context.Context, id int64) []byte {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(id)
	if !ok {
		return nil
	}
	if time.Now().After(it.exp) {
		l.c.Remove(id)
		return nil
	}
	return it.data
}

func (l *LRU) Set(ctx context.Context, id int64, data []byte, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(id, item{
		data: data,
		exp:  time.Now().Add(ttl),
	})
}

func (l *LRU) Delete(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(id)
}
