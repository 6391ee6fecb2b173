package executor

import (
	"sync"
	"time"
)

// ResultCache is a content-addressed, LRU-by-last-use cache of task
// results keyed by hash(task): identical pure tasks executed again within a
// layer or across a replan reuse the cached output instead of re-running.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	maxSize int
	ttl     time.Duration

	stop chan struct{}
	once sync.Once
}

type cacheEntry struct {
	result    TaskResult
	expiresAt time.Time
	lastUsed  time.Time
}

// NewResultCache starts the background eviction loop and returns a ready
// cache. Callers must call Close when the executor shuts down.
func NewResultCache(maxSize int, ttl time.Duration) *ResultCache {
	rc := &ResultCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go rc.cleanup()
	return rc
}

func (rc *ResultCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rc.stop:
			return
		case <-ticker.C:
			rc.mu.Lock()
			now := time.Now()
			for key, entry := range rc.entries {
				if now.After(entry.expiresAt) {
					delete(rc.entries, key)
				}
			}
			rc.mu.Unlock()
		}
	}
}

// Get returns the cached result for key, if present and unexpired.
func (rc *ResultCache) Get(key string) (TaskResult, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	entry, ok := rc.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return TaskResult{}, false
	}
	entry.lastUsed = time.Now()
	return entry.result, true
}

// Put records result under key, evicting the least-recently-used entry
// first if the cache is at capacity.
func (rc *ResultCache) Put(key string, result TaskResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if len(rc.entries) >= rc.maxSize {
		rc.evictOldest()
	}
	now := time.Now()
	rc.entries[key] = &cacheEntry{result: result, expiresAt: now.Add(rc.ttl), lastUsed: now}
}

func (rc *ResultCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range rc.entries {
		if oldestKey == "" || entry.lastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastUsed
		}
	}
	if oldestKey != "" {
		delete(rc.entries, oldestKey)
	}
}

// Close stops the background cleanup loop.
func (rc *ResultCache) Close() {
	rc.once.Do(func() { close(rc.stop) })
}
