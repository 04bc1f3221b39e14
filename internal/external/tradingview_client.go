package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signals-back/pkg/models"
)

// TradingViewClient queries the TradingView scanner for aggregate
// technical-analysis ratings per timeframe.
type TradingViewClient struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	logger     *logrus.Entry
}

// scanner column suffixes per timeframe; daily is the unsuffixed default
var tvIntervalSuffix = map[string]string{
	"5m":  "|5",
	"15m": "|15",
	"1h":  "|60",
	"1d":  "",
}

type tvScanRequest struct {
	Symbols struct {
		Tickers []string `json:"tickers"`
	} `json:"symbols"`
	Columns []string `json:"columns"`
}

type tvScanResponse struct {
	TotalCount int `json:"totalCount"`
	Data       []struct {
		Symbol string    `json:"s"`
		Values []float64 `json:"d"`
	} `json:"data"`
}

// NewTradingViewClient creates a new TradingView scanner client
func NewTradingViewClient(logger *logrus.Logger) *TradingViewClient {
	return &TradingViewClient{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		baseURL:   "https://scanner.tradingview.com",
		userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
		logger:    logger.WithField("component", "tradingview"),
	}
}

// GetRecommendation returns the aggregate rating for one symbol on one
// timeframe. screener is e.g. "america" or "crypto"; exchange and symbol
// form the scanner ticker, e.g. NASDAQ:AAPL or BINANCE:BTCUSDT.
func (c *TradingViewClient) GetRecommendation(ctx context.Context, symbol, exchange, screener, timeframe string) (models.Recommendation, error) {
	suffix, ok := tvIntervalSuffix[timeframe]
	if !ok {
		return models.Neutral, fmt.Errorf("unsupported timeframe %q", timeframe)
	}

	reqBody := tvScanRequest{
		Columns: []string{"Recommend.All" + suffix},
	}
	reqBody.Symbols.Tickers = []string{
		strings.ToUpper(exchange) + ":" + strings.ToUpper(symbol),
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return models.Neutral, fmt.Errorf("failed to encode scan request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/scan", c.baseURL, strings.ToLower(screener))
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(payload))
	if err != nil {
		return models.Neutral, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Neutral, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Neutral, fmt.Errorf("scanner returned status %d", resp.StatusCode)
	}

	var scan tvScanResponse
	if err := json.NewDecoder(resp.Body).Decode(&scan); err != nil {
		return models.Neutral, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(scan.Data) == 0 || len(scan.Data[0].Values) == 0 {
		return models.Neutral, fmt.Errorf("%s %s: %w", symbol, timeframe, models.ErrNoData)
	}

	rec := ratingToRecommendation(scan.Data[0].Values[0])

	c.logger.WithFields(logrus.Fields{
		"symbol":    symbol,
		"timeframe": timeframe,
		"rating":    scan.Data[0].Values[0],
		"rec":       rec,
	}).Debug("Fetched TA rating")

	return rec, nil
}

// ratingToRecommendation maps the scanner's [-1, 1] aggregate rating onto
// the five-way categorical scale
func ratingToRecommendation(rating float64) models.Recommendation {
	switch {
	case rating >= 0.5:
		return models.StrongBuy
	case rating >= 0.1:
		return models.Buy
	case rating > -0.1:
		return models.Neutral
	case rating > -0.5:
		return models.Sell
	default:
		return models.StrongSell
	}
}
