package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signals-back/pkg/models"
)

// CoinGeckoClient handles CoinGecko API interactions
type CoinGeckoClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *logrus.Entry

	// Rate limiting
	rateLimiter chan struct{}
	done        chan struct{}
	closeOnce   sync.Once

	// Symbol mapping cache
	symbolMap map[string]string // base symbol -> CoinGecko ID
	mapMutex  sync.RWMutex
}

// CoinDetail is the subset of the /coins/{id} response we consume
type CoinDetail struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Image  struct {
		Large string `json:"large"`
		Small string `json:"small"`
	} `json:"image"`
	MarketData struct {
		CurrentPrice             map[string]float64 `json:"current_price"`
		High24h                  map[string]float64 `json:"high_24h"`
		Low24h                   map[string]float64 `json:"low_24h"`
		PriceChangePercentage24h float64            `json:"price_change_percentage_24h"`
	} `json:"market_data"`
}

// NewCoinGeckoClient creates a new CoinGecko client
func NewCoinGeckoClient(apiKey string, logger *logrus.Logger) *CoinGeckoClient {
	client := &CoinGeckoClient{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseURL:     "https://api.coingecko.com/api/v3",
		apiKey:      apiKey,
		logger:      logger.WithField("component", "coingecko"),
		rateLimiter: make(chan struct{}, 1), // 1 request at a time
		done:        make(chan struct{}),
		symbolMap:   initializeSymbolMap(),
	}

	// Start rate limiter
	go client.rateLimitWorker()

	return client
}

// rateLimitWorker ensures we don't exceed rate limits (30 calls/min for free tier)
func (c *CoinGeckoClient) rateLimitWorker() {
	ticker := time.NewTicker(2 * time.Second) // 30 calls/min = 1 call per 2 seconds
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			select {
			case c.rateLimiter <- struct{}{}:
			default:
			}
		}
	}
}

// Close stops the rate limiter goroutine
func (c *CoinGeckoClient) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *CoinGeckoClient) get(ctx context.Context, url string, out interface{}) error {
	// Rate limit
	select {
	case <-c.rateLimiter:
	case <-ctx.Done():
		return ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetCoinDetail fetches a coin's current market data, name and logo
func (c *CoinGeckoClient) GetCoinDetail(ctx context.Context, symbol string) (*CoinDetail, error) {
	coinID := c.ResolveCoinID(symbol)
	if coinID == "" {
		return nil, fmt.Errorf("unsupported symbol %s: %w", symbol, models.ErrNoData)
	}

	url := fmt.Sprintf("%s/coins/%s?localization=false&tickers=false&market_data=true&community_data=false&developer_data=false",
		c.baseURL, coinID)

	var detail CoinDetail
	if err := c.get(ctx, url, &detail); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"symbol":  symbol,
		"coin_id": coinID,
		"price":   detail.MarketData.CurrentPrice["usd"],
	}).Debug("Fetched coin detail from CoinGecko")

	return &detail, nil
}

// GetOHLC fetches recent OHLC candles for a coin in USD. CoinGecko picks
// the candle granularity from the day range (30m candles for 1-2 days,
// 4h for up to 30, daily beyond).
func (c *CoinGeckoClient) GetOHLC(ctx context.Context, symbol string, days int) ([]models.Bar, error) {
	coinID := c.ResolveCoinID(symbol)
	if coinID == "" {
		return nil, fmt.Errorf("unsupported symbol %s: %w", symbol, models.ErrNoData)
	}

	url := fmt.Sprintf("%s/coins/%s/ohlc?vs_currency=usd&days=%d", c.baseURL, coinID, days)

	// Rows are [timestamp_ms, open, high, low, close]
	var rows [][]float64
	if err := c.get(ctx, url, &rows); err != nil {
		return nil, err
	}

	bars := make([]models.Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		bars = append(bars, models.Bar{
			Symbol:    strings.ToUpper(symbol),
			Timestamp: time.UnixMilli(int64(row[0])).UTC(),
			Open:      row[1],
			High:      row[2],
			Low:       row[3],
			Close:     row[4],
		})
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s ohlc: %w", symbol, models.ErrNoData)
	}
	return bars, nil
}

// ResolveCoinID converts a trading symbol to a CoinGecko coin ID
func (c *CoinGeckoClient) ResolveCoinID(symbol string) string {
	c.mapMutex.RLock()
	defer c.mapMutex.RUnlock()

	base := strings.ToUpper(symbol)

	// Strip pairing suffixes: BTC-USD, BTCUSDT, ETHUSD all map to their base
	suffixes := []string{"-USD", "USDT", "BUSD", "USDC", "USD"}
	for _, suffix := range suffixes {
		if strings.HasSuffix(base, suffix) && len(base) > len(suffix) {
			base = strings.TrimSuffix(base, suffix)
			break
		}
	}

	base = strings.ToLower(base)

	if id, exists := c.symbolMap[base]; exists {
		return id
	}

	// Most coin IDs match the lowercase base symbol
	return base
}

// initializeSymbolMap seeds the base-symbol to CoinGecko ID mapping for
// coins whose ID differs from their ticker
func initializeSymbolMap() map[string]string {
	return map[string]string{
		"btc":   "bitcoin",
		"eth":   "ethereum",
		"bnb":   "binancecoin",
		"xrp":   "ripple",
		"ada":   "cardano",
		"doge":  "dogecoin",
		"sol":   "solana",
		"dot":   "polkadot",
		"matic": "matic-network",
		"shib":  "shiba-inu",
		"avax":  "avalanche-2",
		"link":  "chainlink",
		"atom":  "cosmos",
		"ltc":   "litecoin",
		"uni":   "uniswap",
		"xlm":   "stellar",
		"vet":   "vechain",
		"icp":   "internet-computer",
		"fil":   "filecoin",
		"etc":   "ethereum-classic",
		"near":  "near",
		"arb":   "arbitrum",
		"op":    "optimism",
	}
}

// UpdateSymbolMapping allows updating the symbol mapping at runtime
func (c *CoinGeckoClient) UpdateSymbolMapping(symbol, coinGeckoID string) {
	c.mapMutex.Lock()
	defer c.mapMutex.Unlock()

	base := strings.ToLower(symbol)
	for _, suffix := range []string{"-usd", "usdt", "usd"} {
		if strings.HasSuffix(base, suffix) && len(base) > len(suffix) {
			base = strings.TrimSuffix(base, suffix)
			break
		}
	}
	c.symbolMap[base] = coinGeckoID
}

// KnownBases returns the set of base symbols with a curated CoinGecko
// mapping, used for crypto symbol detection.
func (c *CoinGeckoClient) KnownBases() map[string]struct{} {
	c.mapMutex.RLock()
	defer c.mapMutex.RUnlock()

	out := make(map[string]struct{}, len(c.symbolMap))
	for base := range c.symbolMap {
		out[strings.ToUpper(base)] = struct{}{}
	}
	return out
}
