package models

// AssetClass identifies what market a symbol trades on
type AssetClass string

const (
	AssetClassEquity AssetClass = "equity"
	AssetClassCrypto AssetClass = "crypto"
)

// Normalize maps arbitrary input to a known asset class, defaulting to equity
func (a AssetClass) Normalize() AssetClass {
	if a == AssetClassCrypto {
		return AssetClassCrypto
	}
	return AssetClassEquity
}

// Candidate is a resolved tradeable symbol considered during a scan cycle.
// Constructed fresh each cycle from the tickers provider; never persisted.
type Candidate struct {
	Symbol      string     `json:"symbol"`       // canonical symbol, e.g. BTC-USD or AAPL
	Display     string     `json:"display"`      // human-readable label
	PriceSymbol string     `json:"price_symbol"` // symbol used by the price provider
	TASymbol    string     `json:"ta_symbol"`    // symbol used by the TA scanner
	Exchange    string     `json:"exchange"`     // scanner exchange, e.g. NASDAQ, BINANCE
	Screener    string     `json:"screener"`     // scanner screener, e.g. america, crypto
	AssetClass  AssetClass `json:"asset_class"`
}
