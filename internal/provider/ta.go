package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/sirupsen/logrus"

	"github.com/signals-back/internal/market"
	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

// TAProvider produces per-timeframe recommendations for a candidate.
// Primary source is the TradingView scanner; when the scanner is down or
// its breaker is open, recommendations are derived locally from a month
// of daily closes.
type TAProvider struct {
	scanner ScanSource
	yahoo   EquitySource
	gateway *market.Gateway
	cache   *market.TACache
	cfg     *config.MarketConfig
	logger  *logrus.Entry

	sleep func(ctx context.Context, d time.Duration) error
}

// ScanSource is the slice of the TradingView client the TA provider needs
type ScanSource interface {
	GetRecommendation(ctx context.Context, symbol, exchange, screener, timeframe string) (models.Recommendation, error)
}

// NewTAProvider creates the TA provider
func NewTAProvider(scanner ScanSource, yahoo EquitySource, gateway *market.Gateway, cache *market.TACache, cfg *config.MarketConfig, logger *logrus.Logger) *TAProvider {
	return &TAProvider{
		scanner: scanner,
		yahoo:   yahoo,
		gateway: gateway,
		cache:   cache,
		cfg:     cfg,
		logger:  logger.WithField("component", "ta-provider"),
		sleep:   sleepCtx,
	}
}

// GetRecommendations returns the candidate's recommendation per analysis
// timeframe, preferring the cache, then the scanner, then the local
// fallback.
func (p *TAProvider) GetRecommendations(ctx context.Context, c models.Candidate) (models.RecommendationMap, error) {
	if recs, ok := p.cache.Get(c.TASymbol, c.Screener, c.Exchange); ok {
		return recs, nil
	}

	if err := p.gateway.Guard(market.ProviderTradingView); err != nil {
		p.logger.WithField("symbol", c.TASymbol).Warn("TA breaker open, using local fallback")
		return p.localFallback(ctx, c)
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		recs, err := p.scanAllTimeframes(ctx, c)
		if err == nil {
			p.gateway.RecordSuccess(market.ProviderTradingView)
			p.cache.Put(c.TASymbol, c.Screener, c.Exchange, recs)
			return recs, nil
		}
		lastErr = err
		p.gateway.RecordFailure(market.ProviderTradingView)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < p.cfg.MaxRetries {
			delay := retryBackoff(attempt)
			p.logger.WithFields(logrus.Fields{
				"symbol":  c.TASymbol,
				"attempt": attempt,
				"delay":   delay,
				"error":   err,
			}).Warn("TA scan failed, retrying")
			if err := p.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	p.logger.WithFields(logrus.Fields{
		"symbol": c.TASymbol,
		"error":  lastErr,
	}).Warn("TA scan exhausted retries, using local fallback")
	return p.localFallback(ctx, c)
}

// scanAllTimeframes queries the scanner once per timeframe, pausing
// between requests. The whole pass fails if any timeframe fails, so a
// retry never mixes ratings from different passes.
func (p *TAProvider) scanAllTimeframes(ctx context.Context, c models.Candidate) (models.RecommendationMap, error) {
	recs := make(models.RecommendationMap, len(models.Timeframes))
	for i, timeframe := range models.Timeframes {
		if i > 0 {
			if err := p.sleep(ctx, p.cfg.TATimeframePause); err != nil {
				return nil, err
			}
		}
		if err := p.gateway.Throttle(ctx, market.ProviderTradingView); err != nil {
			return nil, err
		}
		rec, err := p.scanner.GetRecommendation(ctx, c.TASymbol, c.Exchange, c.Screener, timeframe)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", c.TASymbol, timeframe, err)
		}
		recs[timeframe] = rec
	}
	return recs, nil
}

// localFallback derives one recommendation from 30 days of daily closes
// and applies it to every timeframe, softened on the short ones.
func (p *TAProvider) localFallback(ctx context.Context, c models.Candidate) (models.RecommendationMap, error) {
	bars, err := p.yahoo.GetDailyBars(ctx, c.PriceSymbol, "1mo")
	if err != nil {
		return nil, fmt.Errorf("local TA fallback for %s: %w", c.PriceSymbol, err)
	}
	if len(bars) < 14 {
		return nil, fmt.Errorf("local TA fallback for %s: %d bars: %w", c.PriceSymbol, len(bars), models.ErrNoData)
	}

	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}

	base := recommendFromCloses(closes)

	recs := make(models.RecommendationMap, len(models.Timeframes))
	for _, timeframe := range models.Timeframes {
		recs[timeframe] = base
	}
	// Short timeframes stay conservative on locally derived data
	if base == models.StrongBuy {
		recs["5m"], recs["15m"] = models.Buy, models.Buy
	} else if base == models.StrongSell {
		recs["5m"], recs["15m"] = models.Sell, models.Sell
	}

	p.logger.WithFields(logrus.Fields{
		"symbol": c.PriceSymbol,
		"bars":   len(bars),
		"base":   base,
	}).Info("Derived TA locally from daily closes")

	p.cache.Put(c.TASymbol, c.Screener, c.Exchange, recs)
	return recs, nil
}

// recommendFromCloses votes buy/sell signals from RSI, moving averages
// and momentum over a daily close series
func recommendFromCloses(closes []float64) models.Recommendation {
	n := len(closes)
	current := closes[n-1]

	// A 14-period RSI needs 15 closes; below that talib leaves the tail
	// at zero, which must not vote as oversold.
	hasRSI := n > 14
	rsi := 0.0
	if hasRSI {
		rsi = talib.Rsi(closes, 14)[n-1]
	}

	sma20 := mean(closes)
	if n >= 20 {
		sma20 = talib.Sma(closes, 20)[n-1]
	}
	sma50 := mean(closes)
	if n >= 50 {
		sma50 = talib.Sma(closes, 50)[n-1]
	}

	momentum5 := 0.0
	if n >= 5 {
		momentum5 = (current - closes[n-5]) / closes[n-5] * 100
	}
	momentum20 := 0.0
	if n >= 20 {
		momentum20 = (current - closes[n-20]) / closes[n-20] * 100
	}

	buySignals, sellSignals := 0, 0

	if hasRSI {
		switch {
		case rsi < 30: // oversold
			buySignals += 2
		case rsi > 70: // overbought
			sellSignals += 2
		case rsi < 50:
			buySignals++
		default:
			sellSignals++
		}
	}

	if current > sma20 {
		buySignals++
	} else {
		sellSignals++
	}
	if current > sma50 {
		buySignals++
	} else {
		sellSignals++
	}

	if momentum5 > 2 {
		buySignals++
	} else if momentum5 < -2 {
		sellSignals++
	}
	if momentum20 > 5 {
		buySignals++
	} else if momentum20 < -5 {
		sellSignals++
	}

	switch {
	case buySignals >= 4:
		return models.StrongBuy
	case buySignals >= 2:
		return models.Buy
	case sellSignals >= 4:
		return models.StrongSell
	case sellSignals >= 2:
		return models.Sell
	default:
		return models.Neutral
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
