package market

import (
	"strings"
	"sync"
	"time"

	"github.com/signals-back/pkg/models"
)

type taEntry struct {
	recs     models.RecommendationMap
	storedAt time.Time
}

// TACache is a TTL cache for per-symbol technical analysis summaries.
// TA moves slowly relative to price, so it carries a much longer TTL.
type TACache struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.RWMutex
	entries map[string]*taEntry

	now func() time.Time
}

// NewTACache creates a TA cache with the given TTL and capacity
func NewTACache(ttl time.Duration, maxEntries int) *TACache {
	return &TACache{
		ttl:     ttl,
		maxEntries: maxEntries,
		entries: make(map[string]*taEntry),
		now:     time.Now,
	}
}

func taKey(symbol, screener, exchange string) string {
	return strings.ToUpper(symbol) + "|" + strings.ToLower(screener) + "|" + strings.ToUpper(exchange)
}

// Get returns the cached recommendations for a symbol, or false on a miss
// or expired entry.
func (c *TACache) Get(symbol, screener, exchange string) (models.RecommendationMap, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[taKey(symbol, screener, exchange)]
	if !ok || c.now().Sub(entry.storedAt) > c.ttl {
		return nil, false
	}
	return entry.recs.Clone(), true
}

// Put stores recommendations for a symbol, evicting oldest entries when
// the cache is over capacity.
func (c *TACache) Put(symbol, screener, exchange string, recs models.RecommendationMap) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[taKey(symbol, screener, exchange)] = &taEntry{
		recs:     recs.Clone(),
		storedAt: c.now(),
	}
	for len(c.entries) > c.maxEntries {
		oldestKey := ""
		var oldestAt time.Time
		for key, entry := range c.entries {
			if oldestKey == "" || entry.storedAt.Before(oldestAt) {
				oldestKey = key
				oldestAt = entry.storedAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Len reports the number of stored entries
func (c *TACache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
