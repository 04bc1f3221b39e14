package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signals-back/internal/external"
	"github.com/signals-back/internal/market"
	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

// EquitySource is the slice of the Yahoo client the price provider needs
type EquitySource interface {
	GetQuote(ctx context.Context, symbol string) (*external.Quote, error)
	GetIntradayBars(ctx context.Context, symbol string) ([]models.Bar, error)
	GetDailyBars(ctx context.Context, symbol, dataRange string) ([]models.Bar, error)
}

// CryptoSource is the slice of the CoinGecko client the price provider needs
type CryptoSource interface {
	GetCoinDetail(ctx context.Context, symbol string) (*external.CoinDetail, error)
	GetOHLC(ctx context.Context, symbol string, days int) ([]models.Bar, error)
	KnownBases() map[string]struct{}
}

// PriceProvider resolves a symbol to a price context, routing crypto
// symbols to CoinGecko and everything else to Yahoo. All lookups flow
// through the shared price cache and the gateway's breaker.
type PriceProvider struct {
	yahoo   EquitySource
	gecko   CryptoSource
	gateway *market.Gateway
	cache   *market.PriceCache
	cfg     *config.MarketConfig
	logger  *logrus.Entry

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPriceProvider creates the price provider
func NewPriceProvider(yahoo EquitySource, gecko CryptoSource, gateway *market.Gateway, cache *market.PriceCache, cfg *config.MarketConfig, logger *logrus.Logger) *PriceProvider {
	return &PriceProvider{
		yahoo:   yahoo,
		gecko:   gecko,
		gateway: gateway,
		cache:   cache,
		cfg:     cfg,
		logger:  logger.WithField("component", "price-provider"),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryBackoff is the delay before retry attempt n (1-based): exponential
// with a fraction of a second of jitter
func retryBackoff(attempt int) time.Duration {
	base := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return base + jitter
}

// GetPriceContext returns the price context for a symbol, served from
// cache when fresh. hint may be empty, in which case the asset class is
// inferred from the symbol's shape.
func (p *PriceProvider) GetPriceContext(ctx context.Context, symbol string, hint models.AssetClass) (*models.PriceContext, error) {
	return p.cache.Get(ctx, symbol, hint, func(ctx context.Context) (*models.PriceContext, error) {
		return p.fetch(ctx, symbol, hint)
	})
}

// fetch performs the guarded, throttled, retried upstream fetch
func (p *PriceProvider) fetch(ctx context.Context, symbol string, hint models.AssetClass) (*models.PriceContext, error) {
	if err := p.gateway.Guard(market.ProviderPriceAPI); err != nil {
		return nil, err
	}

	routes := p.routes(symbol, hint)

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := p.gateway.Throttle(ctx, market.ProviderPriceAPI); err != nil {
			return nil, err
		}

		for _, class := range routes {
			var (
				result *models.PriceContext
				err    error
			)
			if class == models.AssetClassCrypto {
				result, err = p.fetchCrypto(ctx, symbol)
			} else {
				result, err = p.fetchEquity(ctx, symbol)
			}
			if err == nil {
				p.gateway.RecordSuccess(market.ProviderPriceAPI)
				return result, nil
			}
			lastErr = err
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
		}

		// Nothing usable for a resolved symbol is a skip, not a retry
		if errors.Is(lastErr, models.ErrNoData) {
			p.gateway.RecordFailure(market.ProviderPriceAPI)
			return nil, lastErr
		}

		p.gateway.RecordFailure(market.ProviderPriceAPI)
		if attempt < p.cfg.MaxRetries {
			delay := retryBackoff(attempt)
			p.logger.WithFields(logrus.Fields{
				"symbol":  symbol,
				"attempt": attempt,
				"delay":   delay,
				"error":   lastErr,
			}).Warn("Price fetch failed, retrying")
			if err := p.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("price fetch for %s exhausted retries: %w", symbol, lastErr)
}

// routes returns the asset classes to try, in order. Crypto symbols fall
// back to the equity path when the crypto provider comes up empty.
func (p *PriceProvider) routes(symbol string, hint models.AssetClass) []models.AssetClass {
	switch {
	case hint == models.AssetClassCrypto:
		return []models.AssetClass{models.AssetClassCrypto, models.AssetClassEquity}
	case hint == models.AssetClassEquity:
		return []models.AssetClass{models.AssetClassEquity}
	case p.looksLikeCrypto(symbol):
		return []models.AssetClass{models.AssetClassCrypto, models.AssetClassEquity}
	default:
		return []models.AssetClass{models.AssetClassEquity}
	}
}

// looksLikeCrypto applies a shape heuristic for unhinted symbols: a known
// coin base, or a crypto-style pairing suffix
func (p *PriceProvider) looksLikeCrypto(symbol string) bool {
	upper := strings.ToUpper(symbol)
	base := upper
	for _, suffix := range []string{"-USD", "USDT", "USD"} {
		if strings.HasSuffix(base, suffix) && len(base) > len(suffix) {
			base = strings.TrimSuffix(base, suffix)
			if _, known := p.gecko.KnownBases()[base]; known {
				return true
			}
			return suffix != "USD" || strings.HasSuffix(upper, "-USD")
		}
	}
	_, known := p.gecko.KnownBases()[base]
	return known
}

// fetchEquity builds a price context from Yahoo: quote for the headline
// numbers, intraday bars for high of day, daily bars for pivots
func (p *PriceProvider) fetchEquity(ctx context.Context, symbol string) (*models.PriceContext, error) {
	quote, err := p.yahoo.GetQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}

	result := &models.PriceContext{
		Symbol:       strings.ToUpper(symbol),
		AssetClass:   models.AssetClassEquity,
		CurrentPrice: quote.Price,
		HighOfDay:    quote.Price,
		CompanyName:  quote.Name,
		Pivots:       models.EmptyPivots(),
		FetchedAt:    time.Now().UTC(),
	}
	if quote.PreviousClose > 0 {
		result.PreviousClose = quote.PreviousClose
		result.DayChangePct = models.PercentChange(quote.Price, quote.PreviousClose)
	}

	if intraday, err := p.yahoo.GetIntradayBars(ctx, symbol); err == nil {
		for _, bar := range intraday {
			if bar.High > result.HighOfDay {
				result.HighOfDay = bar.High
			}
		}
	}

	// Pivots come from the last completed trading day
	if daily, err := p.yahoo.GetDailyBars(ctx, symbol, "5d"); err == nil && len(daily) >= 2 {
		prev := daily[len(daily)-2]
		result.Pivots = models.ComputePivots(prev.High, prev.Low, prev.Close)
	}

	return result, nil
}

// fetchCrypto builds a price context from CoinGecko: coin detail for the
// headline numbers, two days of OHLC for pivots
func (p *PriceProvider) fetchCrypto(ctx context.Context, symbol string) (*models.PriceContext, error) {
	detail, err := p.gecko.GetCoinDetail(ctx, symbol)
	if err != nil {
		return nil, err
	}

	price := detail.MarketData.CurrentPrice["usd"]
	if price == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, models.ErrNoData)
	}

	result := &models.PriceContext{
		Symbol:       strings.ToUpper(symbol),
		AssetClass:   models.AssetClassCrypto,
		CurrentPrice: price,
		HighOfDay:    detail.MarketData.High24h["usd"],
		DayChangePct: detail.MarketData.PriceChangePercentage24h,
		CompanyName:  detail.Name,
		LogoURL:      detail.Image.Large,
		Pivots:       models.EmptyPivots(),
		FetchedAt:    time.Now().UTC(),
	}
	if result.HighOfDay == 0 {
		result.HighOfDay = price
	}
	if result.DayChangePct != 0 {
		result.PreviousClose = price / (1 + result.DayChangePct/100)
	}

	if bars, err := p.gecko.GetOHLC(ctx, symbol, 2); err == nil {
		if high, low, close, ok := previousDayHLC(bars); ok {
			result.Pivots = models.ComputePivots(high, low, close)
		}
	}

	return result, nil
}

// previousDayHLC aggregates intraday candles into the previous UTC day's
// high, low and close
func previousDayHLC(bars []models.Bar) (high, low, close float64, ok bool) {
	if len(bars) == 0 {
		return 0, 0, 0, false
	}
	lastDay := bars[len(bars)-1].Timestamp.Truncate(24 * time.Hour)
	prevDay := lastDay.Add(-24 * time.Hour)

	for _, bar := range bars {
		if !bar.Timestamp.Truncate(24 * time.Hour).Equal(prevDay) {
			continue
		}
		if !ok {
			high, low = bar.High, bar.Low
			ok = true
		}
		if bar.High > high {
			high = bar.High
		}
		if bar.Low < low {
			low = bar.Low
		}
		close = bar.Close
	}
	return high, low, close, ok
}
