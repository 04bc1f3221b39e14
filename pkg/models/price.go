package models

import (
	"math"
	"time"
)

// Bar represents OHLCV candlestick data
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// PivotLevels holds classic floor-trader pivot levels derived from the
// prior trading day's high/low/close. All values are NaN when fewer than
// two prior daily bars were available.
type PivotLevels struct {
	PP float64 `json:"pp"`
	R1 float64 `json:"r1"`
	R2 float64 `json:"r2"`
	R3 float64 `json:"r3"`
	S1 float64 `json:"s1"`
	S2 float64 `json:"s2"`
	S3 float64 `json:"s3"`
}

// ComputePivots derives pivot levels from the previous period's high, low
// and close using the standard floor-trader formula.
func ComputePivots(prevHigh, prevLow, prevClose float64) PivotLevels {
	pp := (prevHigh + prevLow + prevClose) / 3.0
	return PivotLevels{
		PP: pp,
		R1: 2*pp - prevLow,
		S1: 2*pp - prevHigh,
		R2: pp + (prevHigh - prevLow),
		S2: pp - (prevHigh - prevLow),
		R3: prevHigh + 2*(pp-prevLow),
		S3: prevLow - 2*(prevHigh-pp),
	}
}

// EmptyPivots returns pivot levels with every field NaN.
func EmptyPivots() PivotLevels {
	nan := math.NaN()
	return PivotLevels{PP: nan, R1: nan, R2: nan, R3: nan, S1: nan, S2: nan, S3: nan}
}

// Valid reports whether the pivot levels carry usable values.
func (p PivotLevels) Valid() bool {
	return !math.IsNaN(p.PP)
}

// PriceContext is the price snapshot produced by the price provider.
// Immutable after creation; cache hits hand out copies.
type PriceContext struct {
	Symbol        string      `json:"symbol"`       // symbol actually used for the fetch
	AssetClass    AssetClass  `json:"asset_class"`  // resolved asset class
	CurrentPrice  float64     `json:"current_price"`
	HighOfDay     float64     `json:"high_of_day"`
	PreviousClose float64     `json:"previous_close,omitempty"`
	DayChangePct  float64     `json:"day_change_pct,omitempty"`
	Pivots        PivotLevels `json:"pivots"`
	CompanyName   string      `json:"company_name,omitempty"`
	LogoURL       string      `json:"logo_url,omitempty"`
	FetchedAt     time.Time   `json:"fetched_at"`
}

// Clone returns a shallow copy so callers cannot mutate cached entries.
func (p *PriceContext) Clone() *PriceContext {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// PercentChange returns the percentage move from reference to target,
// or NaN when the reference is unusable.
func PercentChange(target, reference float64) float64 {
	if reference == 0 || math.IsNaN(target) || math.IsNaN(reference) {
		return math.NaN()
	}
	return ((target - reference) / reference) * 100.0
}
