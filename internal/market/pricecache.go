package market

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signals-back/pkg/models"
)

// PriceFetchFunc produces a fresh price context for one symbol
type PriceFetchFunc func(ctx context.Context) (*models.PriceContext, error)

type priceEntry struct {
	ctx      *models.PriceContext
	storedAt time.Time
}

type inflightFetch struct {
	done   chan struct{}
	result *models.PriceContext
	err    error
}

// PriceCache is a TTL cache for price contexts with stale-entry fallback
// and in-flight request coalescing. Entries are stored under asset-class
// qualified keys so a hinted lookup and an unhinted lookup for the same
// symbol both hit after one fetch.
type PriceCache struct {
	ttl        time.Duration
	maxEntries int
	logger     *logrus.Entry

	mu       sync.Mutex
	entries  map[string]*priceEntry
	inflight map[string]*inflightFetch

	now func() time.Time
}

// NewPriceCache creates a price cache with the given TTL and capacity
func NewPriceCache(ttl time.Duration, maxEntries int, logger *logrus.Logger) *PriceCache {
	return &PriceCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		logger:     logger.WithField("component", "price-cache"),
		entries:    make(map[string]*priceEntry),
		inflight:   make(map[string]*inflightFetch),
		now:        time.Now,
	}
}

func priceKey(symbol string, class models.AssetClass) string {
	suffix := "auto"
	if class != "" {
		suffix = string(class)
	}
	return strings.ToUpper(symbol) + ":" + suffix
}

// lookupKeys returns the keys consulted for a symbol, hinted key first
func (c *PriceCache) lookupKeys(symbol string, hint models.AssetClass) []string {
	keys := make([]string, 0, 2)
	if hint != "" {
		keys = append(keys, priceKey(symbol, hint))
	}
	keys = append(keys, priceKey(symbol, ""))
	return keys
}

// Get returns the cached price context for symbol, fetching on a miss.
// A fresh entry is returned immediately. A stale entry is retained as a
// fallback: if the fetch fails the stale data is returned rather than an
// error. Concurrent callers for the same symbol share a single fetch.
func (c *PriceCache) Get(ctx context.Context, symbol string, hint models.AssetClass, fetch PriceFetchFunc) (*models.PriceContext, error) {
	keys := c.lookupKeys(symbol, hint)

	c.mu.Lock()
	var stale *models.PriceContext
	for _, key := range keys {
		entry, ok := c.entries[key]
		if !ok {
			continue
		}
		if c.now().Sub(entry.storedAt) <= c.ttl {
			c.mu.Unlock()
			return entry.ctx.Clone(), nil
		}
		if stale == nil {
			stale = entry.ctx
		}
	}

	// Join an in-flight fetch for the same symbol if one exists
	for _, key := range keys {
		if pending, ok := c.inflight[key]; ok {
			c.mu.Unlock()
			return c.await(ctx, pending, stale)
		}
	}

	// First caller: register the fetch under every lookup key so hinted
	// and unhinted callers coalesce onto it
	pending := &inflightFetch{done: make(chan struct{})}
	for _, key := range keys {
		c.inflight[key] = pending
	}
	c.mu.Unlock()

	result, err := fetch(ctx)

	c.mu.Lock()
	for _, key := range keys {
		delete(c.inflight, key)
	}
	if err == nil && result != nil {
		c.storeLocked(symbol, hint, result)
	}
	c.mu.Unlock()

	pending.result = result
	pending.err = err
	close(pending.done)

	if err != nil || result == nil {
		if stale != nil {
			c.logger.WithFields(logrus.Fields{
				"symbol": symbol,
				"age":    c.now().Sub(stale.FetchedAt),
			}).Warn("Price fetch failed, serving stale cache entry")
			return stale.Clone(), nil
		}
		return nil, err
	}
	return result.Clone(), nil
}

// await blocks until a fetch started by another caller completes
func (c *PriceCache) await(ctx context.Context, pending *inflightFetch, stale *models.PriceContext) (*models.PriceContext, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pending.done:
	}
	if pending.err != nil || pending.result == nil {
		if stale != nil {
			return stale.Clone(), nil
		}
		return nil, pending.err
	}
	return pending.result.Clone(), nil
}

// storeLocked writes a price context under the hinted, resolved-class and
// auto keys, evicting the oldest entries when over capacity. Caller holds
// the mutex.
func (c *PriceCache) storeLocked(symbol string, hint models.AssetClass, ctx *models.PriceContext) {
	entry := &priceEntry{ctx: ctx, storedAt: c.now()}
	keys := map[string]struct{}{
		priceKey(symbol, ""): {},
	}
	if hint != "" {
		keys[priceKey(symbol, hint)] = struct{}{}
	}
	if ctx.AssetClass != "" {
		keys[priceKey(symbol, ctx.AssetClass)] = struct{}{}
	}
	for key := range keys {
		c.entries[key] = entry
	}
	c.evictLocked()
}

// evictLocked drops oldest-stored entries until the cache fits its cap
func (c *PriceCache) evictLocked() {
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

// Len reports the number of stored keys
func (c *PriceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
