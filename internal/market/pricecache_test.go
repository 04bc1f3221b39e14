package market

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signals-back/pkg/models"
)

func samplePrice(symbol string, class models.AssetClass, price float64) *models.PriceContext {
	return &models.PriceContext{
		Symbol:       symbol,
		AssetClass:   class,
		CurrentPrice: price,
		Pivots:       models.EmptyPivots(),
		FetchedAt:    time.Now(),
	}
}

func TestPriceCacheFreshHitSkipsFetch(t *testing.T) {
	cache := NewPriceCache(60*time.Second, 400, testLogger())
	ctx := context.Background()

	var calls int32
	fetch := func(context.Context) (*models.PriceContext, error) {
		atomic.AddInt32(&calls, 1)
		return samplePrice("AAPL", models.AssetClassEquity, 190.25), nil
	}

	first, err := cache.Get(ctx, "AAPL", models.AssetClassEquity, fetch)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	second, err := cache.Get(ctx, "AAPL", models.AssetClassEquity, fetch)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 fetch, got %d", calls)
	}
	if first.CurrentPrice != second.CurrentPrice {
		t.Fatalf("cache returned different prices: %v vs %v", first.CurrentPrice, second.CurrentPrice)
	}
	// Results are clones; mutating one must not leak into the cache
	second.CurrentPrice = 0
	third, _ := cache.Get(ctx, "AAPL", models.AssetClassEquity, fetch)
	if third.CurrentPrice != 190.25 {
		t.Fatalf("cached entry was mutated through a returned clone")
	}
}

func TestPriceCacheHintedAndAutoKeysShareEntry(t *testing.T) {
	cache := NewPriceCache(60*time.Second, 400, testLogger())
	ctx := context.Background()

	var calls int32
	fetch := func(context.Context) (*models.PriceContext, error) {
		atomic.AddInt32(&calls, 1)
		return samplePrice("BTC-USD", models.AssetClassCrypto, 64250.0), nil
	}

	if _, err := cache.Get(ctx, "BTC-USD", models.AssetClassCrypto, fetch); err != nil {
		t.Fatalf("hinted get: %v", err)
	}
	// Unhinted lookup for the same symbol must hit the auto key
	if _, err := cache.Get(ctx, "BTC-USD", "", fetch); err != nil {
		t.Fatalf("unhinted get: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected unhinted lookup to hit cache, got %d fetches", calls)
	}
}

func TestPriceCacheTTLExpiry(t *testing.T) {
	cache := NewPriceCache(60*time.Second, 400, testLogger())
	ctx := context.Background()

	base := time.Now()
	cache.now = func() time.Time { return base }

	var calls int32
	fetch := func(context.Context) (*models.PriceContext, error) {
		atomic.AddInt32(&calls, 1)
		return samplePrice("MSFT", models.AssetClassEquity, 420.10), nil
	}

	if _, err := cache.Get(ctx, "MSFT", models.AssetClassEquity, fetch); err != nil {
		t.Fatalf("initial get: %v", err)
	}

	// 59s in: still fresh
	cache.now = func() time.Time { return base.Add(59 * time.Second) }
	if _, err := cache.Get(ctx, "MSFT", models.AssetClassEquity, fetch); err != nil {
		t.Fatalf("fresh get: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected fresh hit at 59s, got %d fetches", calls)
	}

	// 61s in: expired, refetch
	cache.now = func() time.Time { return base.Add(61 * time.Second) }
	if _, err := cache.Get(ctx, "MSFT", models.AssetClassEquity, fetch); err != nil {
		t.Fatalf("expired get: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected refetch at 61s, got %d fetches", calls)
	}
}

func TestPriceCacheStaleFallbackOnFetchFailure(t *testing.T) {
	cache := NewPriceCache(60*time.Second, 400, testLogger())
	ctx := context.Background()

	base := time.Now()
	cache.now = func() time.Time { return base }

	good := func(context.Context) (*models.PriceContext, error) {
		return samplePrice("NVDA", models.AssetClassEquity, 118.50), nil
	}
	if _, err := cache.Get(ctx, "NVDA", models.AssetClassEquity, good); err != nil {
		t.Fatalf("seed get: %v", err)
	}

	cache.now = func() time.Time { return base.Add(2 * time.Minute) }
	failing := func(context.Context) (*models.PriceContext, error) {
		return nil, errors.New("upstream down")
	}
	got, err := cache.Get(ctx, "NVDA", models.AssetClassEquity, failing)
	if err != nil {
		t.Fatalf("expected stale fallback, got error %v", err)
	}
	if got.CurrentPrice != 118.50 {
		t.Fatalf("expected stale price 118.50, got %v", got.CurrentPrice)
	}
}

func TestPriceCacheMissAndFailureReturnsError(t *testing.T) {
	cache := NewPriceCache(60*time.Second, 400, testLogger())

	wantErr := errors.New("upstream down")
	failing := func(context.Context) (*models.PriceContext, error) {
		return nil, wantErr
	}
	if _, err := cache.Get(context.Background(), "TSLA", "", failing); !errors.Is(err, wantErr) {
		t.Fatalf("expected fetch error with no stale entry, got %v", err)
	}
}

func TestPriceCacheCoalescesConcurrentFetches(t *testing.T) {
	cache := NewPriceCache(60*time.Second, 400, testLogger())
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	fetch := func(context.Context) (*models.PriceContext, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return samplePrice("AMD", models.AssetClassEquity, 162.30), nil
	}

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]*models.PriceContext, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Get(ctx, "AMD", models.AssetClassEquity, fetch)
		}(i)
	}

	// Give all goroutines a chance to join the in-flight fetch
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected 1 coalesced fetch, got %d", calls)
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("waiter %d: %v", i, errs[i])
		}
		if results[i].CurrentPrice != 162.30 {
			t.Fatalf("waiter %d got price %v", i, results[i].CurrentPrice)
		}
	}
}

func TestPriceCacheEvictsOldestWhenFull(t *testing.T) {
	cache := NewPriceCache(60*time.Second, 3, testLogger())
	ctx := context.Background()

	base := time.Now()
	step := 0
	cache.now = func() time.Time { return base.Add(time.Duration(step) * time.Millisecond) }

	symbols := []string{"A", "B", "C", "D"}
	for _, sym := range symbols {
		step++
		sym := sym
		_, err := cache.Get(ctx, sym, models.AssetClassEquity, func(context.Context) (*models.PriceContext, error) {
			return samplePrice(sym, models.AssetClassEquity, 1.0), nil
		})
		if err != nil {
			t.Fatalf("get %s: %v", sym, err)
		}
	}

	if got := cache.Len(); got > 3 {
		t.Fatalf("expected at most 3 keys after eviction, got %d", got)
	}

	// The oldest symbol should have been evicted; a lookup triggers a fetch
	var refetched int32
	_, err := cache.Get(ctx, "A", models.AssetClassEquity, func(context.Context) (*models.PriceContext, error) {
		atomic.AddInt32(&refetched, 1)
		return samplePrice("A", models.AssetClassEquity, 2.0), nil
	})
	if err != nil {
		t.Fatalf("refetch A: %v", err)
	}
	if refetched != 1 {
		t.Fatalf("expected evicted symbol to refetch")
	}
}

func TestTACacheTTLAndEviction(t *testing.T) {
	cache := NewTACache(time.Hour, 2)

	base := time.Now()
	cache.now = func() time.Time { return base }

	recs := models.RecommendationMap{
		"5m": models.Buy,
		"1d": models.StrongBuy,
	}
	cache.Put("AAPL", "america", "NASDAQ", recs)

	got, ok := cache.Get("AAPL", "america", "NASDAQ")
	if !ok {
		t.Fatal("expected fresh TA hit")
	}
	if got["1d"] != models.StrongBuy {
		t.Fatalf("unexpected recommendation %v", got["1d"])
	}

	// Returned map is a clone
	got["1d"] = models.Sell
	again, _ := cache.Get("AAPL", "america", "NASDAQ")
	if again["1d"] != models.StrongBuy {
		t.Fatal("cached TA map was mutated through a returned clone")
	}

	cache.now = func() time.Time { return base.Add(61 * time.Minute) }
	if _, ok := cache.Get("AAPL", "america", "NASDAQ"); ok {
		t.Fatal("expected TA entry to expire after TTL")
	}

	cache.now = func() time.Time { return base }
	cache.Put("MSFT", "america", "NASDAQ", recs)
	cache.now = func() time.Time { return base.Add(time.Minute) }
	cache.Put("BTCUSDT", "crypto", "BINANCE", recs)
	if got := cache.Len(); got > 2 {
		t.Fatalf("expected eviction to cap entries at 2, got %d", got)
	}
}
