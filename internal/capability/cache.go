package capability

import (
	"context"
	"sync"
	"time"
)

// RefreshFunc reloads a capability by id from the durable store, used to
// repopulate a cache entry before it expires.
type RefreshFunc func(ctx context.Context, id string) (Capability, bool, error)

// Cache is a read-through, proactively-refreshed in-memory cache in front
// of the Store: a Get within the last 20% of an entry's TTL triggers a
// background refresh rather than waiting for the entry to expire and fall
// back to a cold store read.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration

	refreshFunc     RefreshFunc
	refreshCooldown time.Duration
	refreshCtx      context.Context
	refreshCancel   context.CancelFunc
	refreshWg       sync.WaitGroup
	refreshCh       chan string
}

type cacheEntry struct {
	capability Capability
	expiresAt  time.Time
}

// NewCache creates a capability cache with the given TTL and refresh
// function. ttl defaults to one hour if zero.
func NewCache(ttl time.Duration, refresh RefreshFunc) *Cache {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Cache{
		entries:         make(map[string]*cacheEntry),
		ttl:             ttl,
		refreshFunc:     refresh,
		refreshCooldown: 10 * time.Second,
		refreshCh:       make(chan string, 100),
	}
}

// Get returns a cached capability, or (Capability{}, false) on a miss or
// expiry. An entry within 20% of expiring triggers an async refresh.
func (c *Cache) Get(id string) (Capability, bool) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return Capability{}, false
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, id)
		c.mu.Unlock()
		return Capability{}, false
	}

	if c.refreshFunc != nil {
		threshold := entry.expiresAt.Add(-c.ttl / 5)
		if now.After(threshold) {
			c.triggerRefresh(id)
		}
	}
	return entry.capability, true
}

// Put stores or refreshes a cache entry.
func (c *Cache) Put(capability Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[capability.ID] = &cacheEntry{capability: capability, expiresAt: time.Now().Add(c.ttl)}
}

// Invalidate drops a cached entry, forcing the next Get to miss.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

func (c *Cache) triggerRefresh(id string) {
	if c.refreshCtx == nil {
		return
	}
	select {
	case c.refreshCh <- id:
	case <-c.refreshCtx.Done():
	default:
	}
}

// StartRefresh starts the background refresh loop; a no-op if no
// RefreshFunc was configured.
func (c *Cache) StartRefresh(ctx context.Context) {
	if c.refreshFunc == nil {
		return
	}
	c.refreshCtx, c.refreshCancel = context.WithCancel(ctx)
	c.refreshWg.Add(1)
	go c.refreshLoop()
}

// StopRefresh stops the background refresh loop and waits for it to exit.
func (c *Cache) StopRefresh() {
	if c.refreshCancel == nil {
		return
	}
	c.refreshCancel()
	c.refreshWg.Wait()
	c.refreshCancel = nil
}

func (c *Cache) refreshLoop() {
	defer c.refreshWg.Done()
	refreshed := make(map[string]time.Time)

	for {
		select {
		case <-c.refreshCtx.Done():
			return
		case id := <-c.refreshCh:
			if last, ok := refreshed[id]; ok && time.Since(last) < c.refreshCooldown {
				continue
			}
			capability, found, err := c.refreshFunc(c.refreshCtx, id)
			if err != nil || !found {
				continue
			}
			c.Put(capability)
			refreshed[id] = time.Now()
			if len(refreshed) > 1000 {
				now := time.Now()
				for k, t := range refreshed {
					if now.Sub(t) > time.Minute {
						delete(refreshed, k)
					}
				}
			}
		}
	}
}
