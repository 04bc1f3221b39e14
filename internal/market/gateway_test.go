package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

func testMarketConfig() *config.MarketConfig {
	return &config.MarketConfig{
		PriceCacheTTL:         60 * time.Second,
		PriceCacheMaxEntries:  400,
		TACacheTTL:            time.Hour,
		TACacheMaxEntries:     200,
		BreakerThreshold:      5,
		BreakerCooldown:       300 * time.Second,
		GeneralRequestSpacing: 10 * time.Millisecond,
		TARequestSpacing:      10 * time.Millisecond,
		MaxRetries:            3,
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestGatewayBreakerTripsAtThreshold(t *testing.T) {
	gw := NewGateway(testMarketConfig(), testLogger())

	for i := 0; i < 4; i++ {
		gw.RecordFailure(ProviderPriceAPI)
		if err := gw.Guard(ProviderPriceAPI); err != nil {
			t.Fatalf("breaker tripped after %d failures", i+1)
		}
	}

	gw.RecordFailure(ProviderPriceAPI)
	err := gw.Guard(ProviderPriceAPI)
	if !errors.Is(err, models.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after 5 failures, got %v", err)
	}

	_, _, trips := gw.Metrics()
	if trips != 1 {
		t.Fatalf("expected 1 trip, got %d", trips)
	}
}

func TestGatewayBreakerResetsAfterCooldown(t *testing.T) {
	gw := NewGateway(testMarketConfig(), testLogger())

	base := time.Now()
	gw.now = func() time.Time { return base }
	for i := 0; i < 5; i++ {
		gw.RecordFailure(ProviderTradingView)
	}
	if err := gw.Guard(ProviderTradingView); !errors.Is(err, models.ErrCircuitOpen) {
		t.Fatalf("expected tripped breaker, got %v", err)
	}

	// Still inside the cooldown window
	gw.now = func() time.Time { return base.Add(299 * time.Second) }
	if err := gw.Guard(ProviderTradingView); !errors.Is(err, models.ErrCircuitOpen) {
		t.Fatalf("expected breaker to hold during cooldown, got %v", err)
	}

	// Past the cooldown the breaker auto-resets and the counter zeroes
	gw.now = func() time.Time { return base.Add(301 * time.Second) }
	if err := gw.Guard(ProviderTradingView); err != nil {
		t.Fatalf("expected breaker reset after cooldown, got %v", err)
	}
	if got := gw.Failures(ProviderTradingView); got != 0 {
		t.Fatalf("expected failure counter reset, got %d", got)
	}
}

func TestGatewaySuccessZeroesFailures(t *testing.T) {
	gw := NewGateway(testMarketConfig(), testLogger())

	for i := 0; i < 4; i++ {
		gw.RecordFailure(ProviderPriceAPI)
	}
	gw.RecordSuccess(ProviderPriceAPI)
	if got := gw.Failures(ProviderPriceAPI); got != 0 {
		t.Fatalf("expected 0 failures after success, got %d", got)
	}

	// A fresh run of failures is needed before the breaker trips
	for i := 0; i < 4; i++ {
		gw.RecordFailure(ProviderPriceAPI)
	}
	if err := gw.Guard(ProviderPriceAPI); err != nil {
		t.Fatalf("breaker tripped on non-consecutive failures: %v", err)
	}
}

func TestGatewayThrottleEnforcesSpacing(t *testing.T) {
	cfg := testMarketConfig()
	cfg.GeneralRequestSpacing = 30 * time.Millisecond
	gw := NewGateway(cfg, testLogger())

	ctx := context.Background()
	if err := gw.Throttle(ctx, ProviderPriceAPI); err != nil {
		t.Fatalf("first throttle: %v", err)
	}
	start := time.Now()
	if err := gw.Throttle(ctx, ProviderPriceAPI); err != nil {
		t.Fatalf("second throttle: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("expected ~30ms spacing, waited only %v", elapsed)
	}
}

func TestGatewayThrottleHonorsContext(t *testing.T) {
	cfg := testMarketConfig()
	cfg.GeneralRequestSpacing = 5 * time.Second
	gw := NewGateway(cfg, testLogger())

	if err := gw.Throttle(context.Background(), ProviderPriceAPI); err != nil {
		t.Fatalf("first throttle: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := gw.Throttle(ctx, ProviderPriceAPI); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
