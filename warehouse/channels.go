package warehouse

import (
	"context"
	"sync"
	"time"

	"github.com/ybhmedia/compilation-api/log"
)

// Channels rarely change, so the list is cached for a day. The admin API can
// invalidate it after adding a channel.
const channelCacheTTL = 24 * time.Hour

type CacheStatus struct {
	Cached    bool          `json:"cached"`
	Count     int           `json:"channels_count"`
	Age       time.Duration `json:"-"`
	Remaining time.Duration `json:"-"`
	Expired   bool          `json:"is_expired"`
}

// channelCache is a process-local TTL cache. Expired entries are kept so a
// failed refresh can fall back to stale data instead of an empty list.
type channelCache struct {
	fetch func(ctx context.Context) ([]string, error)

	mu        sync.Mutex
	data      []string
	fetchedAt time.Time
}

func newChannelCache(fetch func(ctx context.Context) ([]string, error)) *channelCache {
	return &channelCache{fetch: fetch}
}

func (c *channelCache) Get(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if c.data != nil && time.Since(c.fetchedAt) < channelCacheTTL {
		data := c.data
		c.mu.Unlock()
		return data, nil
	}
	stale := c.data
	c.mu.Unlock()

	fresh, err := c.fetch(ctx)
	if err != nil {
		if stale != nil {
			log.LogNoJobID("channel fetch failed, serving stale cache", "err", err)
			return stale, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.data = fresh
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return fresh, nil
}

func (c *channelCache) Invalidate() {
	c.mu.Lock()
	c.data = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func (c *channelCache) Status() CacheStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		return CacheStatus{}
	}
	age := time.Since(c.fetchedAt)
	remaining := channelCacheTTL - age
	if remaining < 0 {
		remaining = 0
	}
	return CacheStatus{
		Cached:    true,
		Count:     len(c.data),
		Age:       age,
		Remaining: remaining,
		Expired:   age >= channelCacheTTL,
	}
}
