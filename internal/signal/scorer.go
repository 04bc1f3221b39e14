package signal

import (
	"github.com/signals-back/pkg/models"
)

// Strength labels, ordered by conviction
const (
	StrengthStrongBuy = "STRONG BUY"
	StrengthBuy       = "BUY"
	StrengthWatch     = "WATCH"
	StrengthWeak      = "WEAK"
)

// Score sums the weighted recommendation values across all analysis
// timeframes. Higher timeframes carry more weight, so a 1d STRONG_BUY
// contributes 8 while a 5m STRONG_BUY contributes 2.
func Score(recs models.RecommendationMap) int {
	total := 0
	for _, timeframe := range models.Timeframes {
		total += models.TimeframeWeights[timeframe] * recs[timeframe].Value()
	}
	return total
}

// Confidence buckets a score into a coarse conviction label
func Confidence(score int) string {
	switch {
	case score >= 12:
		return "High"
	case score >= 6:
		return "Medium"
	default:
		return "Low"
	}
}

// Strength labels a score for display
func Strength(score int) string {
	switch {
	case score >= 8:
		return StrengthStrongBuy
	case score >= 4:
		return StrengthBuy
	case score >= 1:
		return StrengthWatch
	default:
		return StrengthWeak
	}
}

// DirectionFromScore maps a score onto trade direction. Zero counts as
// buy-side: a neutral read is not a short thesis.
func DirectionFromScore(score int) models.Direction {
	if score >= 0 {
		return models.DirectionBuy
	}
	return models.DirectionSell
}
