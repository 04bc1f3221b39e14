package provider

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/signals-back/internal/market"
	"github.com/signals-back/pkg/models"
)

// stubScanner implements ScanSource
type stubScanner struct {
	recs  map[string]models.Recommendation
	err   error
	calls int
}

func (s *stubScanner) GetRecommendation(ctx context.Context, symbol, exchange, screener, timeframe string) (models.Recommendation, error) {
	s.calls++
	if s.err != nil {
		return models.Neutral, s.err
	}
	return s.recs[timeframe], nil
}

func testCandidate() models.Candidate {
	return models.Candidate{
		Symbol:      "AAPL",
		PriceSymbol: "AAPL",
		TASymbol:    "AAPL",
		Exchange:    "NASDAQ",
		Screener:    "america",
		AssetClass:  models.AssetClassEquity,
	}
}

func newTestTAProvider(scanner ScanSource, equity EquitySource) (*TAProvider, *market.TACache) {
	cfg := testMarketConfig()
	gw := market.NewGateway(cfg, testLogger())
	cache := market.NewTACache(cfg.TACacheTTL, cfg.TACacheMaxEntries)
	p := NewTAProvider(scanner, equity, gw, cache, cfg, testLogger())
	p.sleep = noSleep
	return p, cache
}

func TestTAProviderScansAllTimeframes(t *testing.T) {
	scanner := &stubScanner{recs: map[string]models.Recommendation{
		"5m":  models.Buy,
		"15m": models.Buy,
		"1h":  models.Neutral,
		"1d":  models.StrongBuy,
	}}
	p, cache := newTestTAProvider(scanner, &stubEquity{})

	recs, err := p.GetRecommendations(context.Background(), testCandidate())
	if err != nil {
		t.Fatalf("GetRecommendations: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("expected 4 timeframes, got %d", len(recs))
	}
	if recs["1d"] != models.StrongBuy || recs["1h"] != models.Neutral {
		t.Fatalf("unexpected recs: %v", recs)
	}
	if scanner.calls != 4 {
		t.Fatalf("expected 4 scanner calls, got %d", scanner.calls)
	}

	// Second lookup must come from cache
	if _, err := p.GetRecommendations(context.Background(), testCandidate()); err != nil {
		t.Fatalf("cached lookup: %v", err)
	}
	if scanner.calls != 4 {
		t.Fatalf("expected cache hit, scanner called %d times", scanner.calls)
	}
	if _, ok := cache.Get("AAPL", "america", "NASDAQ"); !ok {
		t.Fatal("expected cache entry after scan")
	}
}

func TestTAProviderFallsBackAfterRetries(t *testing.T) {
	scanner := &stubScanner{err: errors.New("scanner down")}

	// 30 days of steady gains: momentum and moving averages all bullish
	bars := make([]models.Bar, 30)
	price := 100.0
	day := time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		price *= 1.01
		bars[i] = models.Bar{Timestamp: day.Add(time.Duration(i) * 24 * time.Hour), Close: price}
	}
	equity := &stubEquity{daily: map[string][]models.Bar{"1mo": bars}}

	p, _ := newTestTAProvider(scanner, equity)

	recs, err := p.GetRecommendations(context.Background(), testCandidate())
	if err != nil {
		t.Fatalf("expected local fallback, got %v", err)
	}
	// Each failed pass aborts on its first timeframe; three passes total
	if scanner.calls != 3 {
		t.Fatalf("expected 3 scanner attempts, got %d", scanner.calls)
	}
	if recs["1d"] != models.StrongBuy {
		t.Fatalf("1d = %v, want STRONG_BUY from rising closes", recs["1d"])
	}
	// Short timeframes are softened on locally derived data
	if recs["5m"] != models.Buy || recs["15m"] != models.Buy {
		t.Fatalf("expected softened 5m/15m, got %v / %v", recs["5m"], recs["15m"])
	}
}

func TestTAProviderFallbackNeedsEnoughBars(t *testing.T) {
	scanner := &stubScanner{err: errors.New("scanner down")}
	bars := make([]models.Bar, 10)
	for i := range bars {
		bars[i] = models.Bar{Close: 100}
	}
	equity := &stubEquity{daily: map[string][]models.Bar{"1mo": bars}}
	p, _ := newTestTAProvider(scanner, equity)

	_, err := p.GetRecommendations(context.Background(), testCandidate())
	if !errors.Is(err, models.ErrNoData) {
		t.Fatalf("expected ErrNoData with 10 bars, got %v", err)
	}
}

func TestTAProviderBreakerOpenUsesFallback(t *testing.T) {
	scanner := &stubScanner{recs: map[string]models.Recommendation{"1d": models.Buy}}

	bars := make([]models.Bar, 30)
	price := 100.0
	for i := range bars {
		price *= 1.01
		bars[i] = models.Bar{Close: price}
	}
	equity := &stubEquity{daily: map[string][]models.Bar{"1mo": bars}}

	cfg := testMarketConfig()
	gw := market.NewGateway(cfg, testLogger())
	cache := market.NewTACache(cfg.TACacheTTL, cfg.TACacheMaxEntries)
	p := NewTAProvider(scanner, equity, gw, cache, cfg, testLogger())
	p.sleep = noSleep

	for i := 0; i < 5; i++ {
		gw.RecordFailure(market.ProviderTradingView)
	}

	recs, err := p.GetRecommendations(context.Background(), testCandidate())
	if err != nil {
		t.Fatalf("expected fallback while breaker open, got %v", err)
	}
	if scanner.calls != 0 {
		t.Fatal("scanner called while breaker open")
	}
	if recs["1d"] != models.StrongBuy {
		t.Fatalf("1d = %v, want locally derived STRONG_BUY", recs["1d"])
	}
}

func TestRecommendFromCloses(t *testing.T) {
	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 100 + math.Sin(float64(i))*0.2
	}
	if got := recommendFromCloses(flat); got == models.StrongBuy || got == models.StrongSell {
		t.Fatalf("flat series produced extreme verdict %v", got)
	}

	rising := make([]float64, 30)
	price := 100.0
	for i := range rising {
		price *= 1.01
		rising[i] = price
	}
	if got := recommendFromCloses(rising); got != models.StrongBuy {
		t.Fatalf("rising series = %v, want STRONG_BUY", got)
	}

	// A steady decline pins RSI at the floor, so the oversold vote caps
	// the verdict at BUY despite every trend measure pointing down
	falling := make([]float64, 30)
	price = 100.0
	for i := range falling {
		price *= 0.99
		falling[i] = price
	}
	if got := recommendFromCloses(falling); got != models.Buy {
		t.Fatalf("falling series = %v, want BUY (oversold bounce)", got)
	}
}

func TestRecommendFromClosesAbstainsWithoutFullRSI(t *testing.T) {
	// 14 closes is one short of a 14-period RSI. The unset RSI must not
	// vote as oversold, leaving the trend measures to call the decline.
	short := make([]float64, 14)
	price := 100.0
	for i := range short {
		price *= 0.99
		short[i] = price
	}
	if got := recommendFromCloses(short); got != models.Sell {
		t.Fatalf("short falling series = %v, want SELL", got)
	}
}
