package tickers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

// cryptoBases is the curated set of liquid pairs scanned each cycle,
// roughly ordered by market cap. Every pair prices as {base}-USD and
// scans as {base}USDT on Binance.
var cryptoBases = []string{
	"BTC", "ETH", "SOL", "BNB", "AVAX", "LINK", "DOT", "XRP", "ADA", "DOGE",
	"MATIC", "ATOM", "LTC", "SHIB", "TRX", "TON", "APT", "ARB", "OP", "SUI",
	"NEAR", "ALGO", "FIL", "INJ", "RUNE", "AAVE", "UNI", "MKR", "COMP", "STX",
	"SEI", "PYTH", "IMX",
}

// fallbackGainers is used when the gainers page cannot be scraped
var fallbackGainers = []string{"AAPL", "TSLA", "NVDA", "AMD", "MSFT", "AMZN"}

var nasdaqPopular = map[string]struct{}{
	"AAPL": {}, "MSFT": {}, "NVDA": {}, "AMD": {}, "TSLA": {}, "AMZN": {},
	"META": {}, "NFLX": {}, "INTC": {}, "GOOG": {}, "GOOGL": {},
}

var nysePopular = map[string]struct{}{
	"SPY": {}, "QQQ": {}, "BA": {}, "KO": {}, "DIS": {}, "NKE": {},
	"JPM": {}, "V": {}, "MA": {}, "MCD": {},
}

// Provider sources scan candidates: scraped equity gainers plus the
// curated crypto pairs
type Provider struct {
	httpClient *http.Client
	cfg        *config.TickersConfig
	logger     *logrus.Entry
}

// NewProvider creates a candidate provider
func NewProvider(cfg *config.TickersConfig, logger *logrus.Logger) *Provider {
	return &Provider{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger.WithField("component", "tickers"),
	}
}

// Gainers scrapes the day's top equity gainers. Any scrape failure falls
// back to a small static list so a cycle always has equity candidates.
func (p *Provider) Gainers(ctx context.Context, max int) []models.Candidate {
	symbols, err := p.scrapeGainers(ctx, max)
	if err != nil {
		p.logger.WithError(err).Warn("Falling back to default tickers")
		symbols = fallbackGainers
		if max > 0 && max < len(symbols) {
			symbols = symbols[:max]
		}
	}

	candidates := make([]models.Candidate, 0, len(symbols))
	for _, symbol := range symbols {
		candidates = append(candidates, equityCandidate(symbol))
	}
	return candidates
}

func (p *Provider) scrapeGainers(ctx context.Context, max int) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.GainersURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gainers page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gainers page returned status %d", resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse gainers page: %w", err)
	}

	table := findFirst(doc, "table")
	if table == nil {
		return nil, fmt.Errorf("could not find gainers table")
	}

	var tickers []string
	for _, row := range findAll(table, "tr") {
		cells := findAll(row, "td")
		if len(cells) == 0 {
			continue
		}
		symbol := strings.TrimSpace(nodeText(cells[0]))
		if symbol != "" && isUpperAlpha(symbol) {
			tickers = append(tickers, symbol)
		}
		if max > 0 && len(tickers) >= max {
			break
		}
	}

	if len(tickers) == 0 {
		return nil, fmt.Errorf("no tickers parsed from table")
	}

	return tickers, nil
}

// CryptoPairs returns the curated crypto candidates, strongest first
func (p *Provider) CryptoPairs(max int) []models.Candidate {
	bases := cryptoBases
	if max > 0 && max < len(bases) {
		bases = bases[:max]
	}

	candidates := make([]models.Candidate, 0, len(bases))
	for _, base := range bases {
		candidates = append(candidates, cryptoCandidate(base))
	}
	return candidates
}

// Candidates assembles one cycle's full candidate set
func (p *Provider) Candidates(ctx context.Context, maxStocks, maxCrypto int) []models.Candidate {
	out := p.Gainers(ctx, maxStocks)
	return append(out, p.CryptoPairs(maxCrypto)...)
}

// ResolveSymbol maps free-form user input onto a candidate: curated
// crypto aliases first, otherwise a US equity assumption
func (p *Provider) ResolveSymbol(symbol string) (models.Candidate, error) {
	upper := strings.ToUpper(strings.TrimSpace(symbol))
	if upper == "" {
		return models.Candidate{}, fmt.Errorf("symbol is required: %w", models.ErrValidation)
	}
	normalized := strings.ReplaceAll(upper, "/", "-")

	for _, base := range cryptoBases {
		c := cryptoCandidate(base)
		switch normalized {
		case c.Symbol, c.PriceSymbol, c.TASymbol, base:
			return c, nil
		}
	}

	return equityCandidate(normalized), nil
}

func cryptoCandidate(base string) models.Candidate {
	return models.Candidate{
		Symbol:      base + "-USD",
		Display:     base + " / USD",
		PriceSymbol: base + "-USD",
		TASymbol:    base + "USDT",
		Exchange:    "BINANCE",
		Screener:    "crypto",
		AssetClass:  models.AssetClassCrypto,
	}
}

func equityCandidate(symbol string) models.Candidate {
	symbol = strings.ToUpper(symbol)
	return models.Candidate{
		Symbol:      symbol,
		Display:     symbol,
		PriceSymbol: symbol,
		TASymbol:    symbol,
		Exchange:    guessExchange(symbol),
		Screener:    "america",
		AssetClass:  models.AssetClassEquity,
	}
}

// guessExchange picks the scanner exchange for a US equity. Unlisted
// symbols default to NASDAQ, which the scanner tolerates for most
// small caps.
func guessExchange(symbol string) string {
	if _, ok := nasdaqPopular[symbol]; ok {
		return "NASDAQ"
	}
	if _, ok := nysePopular[symbol]; ok {
		return "NYSE"
	}
	return "NASDAQ"
}

func isUpperAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// findFirst returns the first element with the given tag in depth-first
// order
func findFirst(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func findAll(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return out
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
