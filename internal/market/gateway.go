package market

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

// Provider identifies an upstream data source for pacing and breaker state
type Provider string

const (
	ProviderTradingView Provider = "tradingview"
	ProviderPriceAPI    Provider = "price_api"
)

// breakerState tracks consecutive failures for one provider
type breakerState struct {
	failures  int
	tripped   bool
	trippedAt time.Time
}

// Gateway owns the per-provider circuit breakers and request pacing shared
// by every concurrent candidate analysis. One instance per process; passed
// by reference to whichever components need it.
type Gateway struct {
	cfg    *config.MarketConfig
	logger *logrus.Entry

	mu          sync.Mutex
	breakers    map[Provider]*breakerState
	lastRequest map[Provider]time.Time

	// Metrics
	successTotal uint64
	failureTotal uint64
	tripsTotal   uint64

	now func() time.Time
}

// NewGateway creates the process-wide market data gateway
func NewGateway(cfg *config.MarketConfig, logger *logrus.Logger) *Gateway {
	return &Gateway{
		cfg:         cfg,
		logger:      logger.WithField("component", "market-gateway"),
		breakers:    make(map[Provider]*breakerState),
		lastRequest: make(map[Provider]time.Time),
		now:         time.Now,
	}
}

// spacing returns the minimum inter-request gap for a provider. The TA
// scanner is rate limited far more aggressively than general APIs.
func (g *Gateway) spacing(provider Provider) time.Duration {
	if provider == ProviderTradingView {
		return g.cfg.TARequestSpacing
	}
	return g.cfg.GeneralRequestSpacing
}

// Throttle suspends the caller until the minimum inter-request spacing for
// the provider has elapsed since its last request.
func (g *Gateway) Throttle(ctx context.Context, provider Provider) error {
	g.mu.Lock()
	last := g.lastRequest[provider]
	wait := g.spacing(provider) - g.now().Sub(last)
	if wait <= 0 {
		g.lastRequest[provider] = g.now()
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	g.mu.Lock()
	g.lastRequest[provider] = g.now()
	g.mu.Unlock()
	return nil
}

// Guard fails fast with ErrCircuitOpen while the provider's breaker is
// tripped and its cooldown has not elapsed. Once the cooldown elapses the
// breaker auto-resets and the failure counter zeroes.
func (g *Gateway) Guard(provider Provider) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.breakers[provider]
	if state == nil || !state.tripped {
		return nil
	}
	if g.now().Sub(state.trippedAt) > g.cfg.BreakerCooldown {
		state.tripped = false
		state.failures = 0
		g.logger.WithField("provider", provider).Info("Circuit breaker reset, resuming normal operations")
		return nil
	}
	return fmt.Errorf("%s: %w", provider, models.ErrCircuitOpen)
}

// RecordSuccess zeroes the provider's consecutive failure counter
func (g *Gateway) RecordSuccess(provider Provider) {
	atomic.AddUint64(&g.successTotal, 1)

	g.mu.Lock()
	defer g.mu.Unlock()
	if state := g.breakers[provider]; state != nil {
		state.failures = 0
	}
}

// RecordFailure increments the provider's consecutive failure counter and
// trips the breaker once the threshold is reached.
func (g *Gateway) RecordFailure(provider Provider) {
	atomic.AddUint64(&g.failureTotal, 1)

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.breakers[provider]
	if state == nil {
		state = &breakerState{}
		g.breakers[provider] = state
	}
	state.failures++
	g.logger.WithFields(logrus.Fields{
		"provider": provider,
		"failures": state.failures,
	}).Warn("Provider API failure")

	if !state.tripped && state.failures >= g.cfg.BreakerThreshold {
		state.tripped = true
		state.trippedAt = g.now()
		atomic.AddUint64(&g.tripsTotal, 1)
		g.logger.WithFields(logrus.Fields{
			"provider": provider,
			"failures": state.failures,
			"cooldown": g.cfg.BreakerCooldown,
		}).Warn("Circuit breaker tripped")
	}
}

// Failures returns the current consecutive failure count for a provider
func (g *Gateway) Failures(provider Provider) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if state := g.breakers[provider]; state != nil {
		return state.failures
	}
	return 0
}

// Metrics returns cumulative success/failure/trip counters
func (g *Gateway) Metrics() (success, failure, trips uint64) {
	return atomic.LoadUint64(&g.successTotal),
		atomic.LoadUint64(&g.failureTotal),
		atomic.LoadUint64(&g.tripsTotal)
}
