package signal

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/signals-back/pkg/models"
)

// round4 trims a price to four decimals, returning NaN untouched
func round4(v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	return math.Round(v*1e4) / 1e4
}

func usable(v float64) bool {
	return !math.IsNaN(v) && v != 0
}

// ChartPageURL is the public chart page linked from every signal
func ChartPageURL(c models.Candidate) string {
	symbol := c.Symbol
	if c.AssetClass == models.AssetClassCrypto {
		symbol = c.TASymbol
	}
	return fmt.Sprintf("https://www.tradingview.com/symbols/%s-%s/",
		strings.ToUpper(c.Exchange), strings.ToUpper(symbol))
}

// BuildDetails assembles the persisted payload for a new signal: entry
// zone between the support pivots, targets at the resistance pivots, stop
// under S2, and an open performance snapshot seeded at the current price.
func BuildDetails(c models.Candidate, price *models.PriceContext, recs models.RecommendationMap, score int, now time.Time) models.SignalDetails {
	entryPrice := round4(price.CurrentPrice)
	direction := DirectionFromScore(score)

	details := models.SignalDetails{
		DisplaySymbol: c.Display,
		AssetClass:    c.AssetClass,
		Score:         score,
		Strength:      Strength(score),
		Confidence:    Confidence(score),
		CurrentPrice:  entryPrice,
		HighOfDay:     round4(price.HighOfDay),
		CompanyName:   price.CompanyName,
		LogoURL:       price.LogoURL,
		Timeframes:    recs.Clone(),
		ChartURL:      ChartPageURL(c),
		PriceSymbol:   c.PriceSymbol,
		Exchange:      c.Exchange,
		Screener:      c.Screener,
		Direction:     direction,
		PostedAt:      now.UTC(),
	}

	pivots := price.Pivots
	if usable(pivots.PP) {
		details.Pivot = round4(pivots.PP)
	}

	// Entry zone brackets the two nearest supports
	s1, s2 := round4(pivots.S1), round4(pivots.S2)
	if usable(s1) && usable(s2) {
		details.Entry = &models.EntryZone{
			Low:  math.Min(s1, s2),
			High: math.Max(s1, s2),
		}
	}

	// Targets sit at the resistance pivots, nearest first
	for i, level := range []float64{round4(pivots.R1), round4(pivots.R2)} {
		if !usable(level) {
			continue
		}
		target := models.Target{
			Label: fmt.Sprintf("Target %d", i+1),
			Price: level,
		}
		if pct := models.PercentChange(level, entryPrice); !math.IsNaN(pct) {
			target.Pct = pct
		}
		details.Targets = append(details.Targets, target)
	}

	if usable(s2) {
		stop := &models.Stop{Price: s2}
		if pct := models.PercentChange(s2, entryPrice); !math.IsNaN(pct) {
			stop.Pct = pct
		}
		details.Stop = stop
	}

	perf := &models.Performance{
		Status:       models.PerformanceOpen,
		Direction:    direction,
		EntryPrice:   entryPrice,
		LastPrice:    entryPrice,
		TargetsTotal: len(details.Targets),
		CreatedAt:    now.UTC(),
		EvaluatedAt:  now.UTC(),
	}
	if len(details.Targets) > 0 {
		perf.NextTargetLabel = details.Targets[0].Label
		perf.NextTargetPrice = details.Targets[0].Price
	}
	if details.Stop != nil {
		perf.StopPrice = details.Stop.Price
	}
	details.Performance = perf

	return details
}
