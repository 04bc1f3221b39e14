package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signals-back/pkg/models"
)

// YahooClient fetches quotes and historical bars from the Yahoo Finance
// chart API. No API key is required, but Yahoo rejects requests without a
// browser-looking User-Agent.
type YahooClient struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	logger     *logrus.Entry
}

// yahooChartResponse mirrors the v8 chart endpoint envelope
type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string  `json:"symbol"`
				Currency           string  `json:"currency"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				RegularMarketTime  int64   `json:"regularMarketTime"`
				PreviousClose      float64 `json:"previousClose"`
				ChartPreviousClose float64 `json:"chartPreviousClose"`
				ShortName          string  `json:"shortName"`
				LongName           string  `json:"longName"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Quote is a point-in-time market snapshot derived from chart metadata
type Quote struct {
	Symbol        string
	Price         float64
	PreviousClose float64
	Name          string
	AsOf          time.Time
}

// NewYahooClient creates a new Yahoo Finance client
func NewYahooClient(logger *logrus.Logger) *YahooClient {
	return &YahooClient{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		baseURL:   "https://query1.finance.yahoo.com/v8/finance/chart",
		userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
		logger:    logger.WithField("component", "yahoo"),
	}
}

func (c *YahooClient) fetchChart(ctx context.Context, symbol, interval, dataRange string) (*yahooChartResponse, error) {
	endpoint := fmt.Sprintf("%s/%s?interval=%s&range=%s",
		c.baseURL, url.PathEscape(strings.ToUpper(symbol)), interval, dataRange)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", symbol, models.ErrNoData)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	var chart yahooChartResponse
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("chart API error %s: %s", chart.Chart.Error.Code, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, models.ErrNoData)
	}
	return &chart, nil
}

// GetQuote returns the latest market snapshot for a symbol
func (c *YahooClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	chart, err := c.fetchChart(ctx, symbol, "1m", "1d")
	if err != nil {
		return nil, err
	}

	meta := chart.Chart.Result[0].Meta
	if meta.RegularMarketPrice == 0 {
		return nil, fmt.Errorf("%s quote: %w", symbol, models.ErrNoData)
	}

	prevClose := meta.PreviousClose
	if prevClose == 0 {
		prevClose = meta.ChartPreviousClose
	}
	name := meta.LongName
	if name == "" {
		name = meta.ShortName
	}

	return &Quote{
		Symbol:        meta.Symbol,
		Price:         meta.RegularMarketPrice,
		PreviousClose: prevClose,
		Name:          name,
		AsOf:          time.Unix(meta.RegularMarketTime, 0).UTC(),
	}, nil
}

// GetBars returns historical bars for a symbol at the given interval over
// the given range (Yahoo range strings: 1d, 5d, 1mo, 3mo, ...). Rows with
// a missing close are dropped.
func (c *YahooClient) GetBars(ctx context.Context, symbol, interval, dataRange string) ([]models.Bar, error) {
	chart, err := c.fetchChart(ctx, symbol, interval, dataRange)
	if err != nil {
		return nil, err
	}

	result := chart.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("%s bars: %w", symbol, models.ErrNoData)
	}
	quote := result.Indicators.Quote[0]

	bars := make([]models.Bar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) || quote.Close[i] == 0 {
			continue
		}
		bar := models.Bar{
			Symbol:    strings.ToUpper(symbol),
			Timestamp: time.Unix(ts, 0).UTC(),
			Close:     quote.Close[i],
		}
		if i < len(quote.Open) {
			bar.Open = quote.Open[i]
		}
		if i < len(quote.High) {
			bar.High = quote.High[i]
		}
		if i < len(quote.Low) {
			bar.Low = quote.Low[i]
		}
		if i < len(quote.Volume) {
			bar.Volume = quote.Volume[i]
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s bars: %w", symbol, models.ErrNoData)
	}

	c.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"interval": interval,
		"range":    dataRange,
		"bars":     len(bars),
	}).Debug("Fetched bars from Yahoo")

	return bars, nil
}

// GetIntradayBars returns today's 1-minute bars, falling back to 5-minute
// resolution when the finer series is unavailable.
func (c *YahooClient) GetIntradayBars(ctx context.Context, symbol string) ([]models.Bar, error) {
	bars, err := c.GetBars(ctx, symbol, "1m", "1d")
	if err == nil {
		return bars, nil
	}
	return c.GetBars(ctx, symbol, "5m", "1d")
}

// GetDailyBars returns daily bars over the given range, e.g. "5d" for
// pivot derivation or "1mo" for local technical analysis.
func (c *YahooClient) GetDailyBars(ctx context.Context, symbol, dataRange string) ([]models.Bar, error) {
	return c.GetBars(ctx, symbol, "1d", dataRange)
}
