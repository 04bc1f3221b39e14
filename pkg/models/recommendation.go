package models

import "strings"

// Recommendation is a categorical technical-analysis verdict for one timeframe
type Recommendation string

const (
	StrongBuy  Recommendation = "STRONG_BUY"
	Buy        Recommendation = "BUY"
	Neutral    Recommendation = "NEUTRAL"
	Sell       Recommendation = "SELL"
	StrongSell Recommendation = "STRONG_SELL"
)

// Timeframes are the analysis timeframes, shortest first. Scoring weights
// favor the higher timeframes.
var Timeframes = []string{"5m", "15m", "1h", "1d"}

// TimeframeWeights used by the scorer
var TimeframeWeights = map[string]int{
	"5m":  1,
	"15m": 2,
	"1h":  3,
	"1d":  4,
}

// Value maps a recommendation to its signed contribution. Unknown values
// count as neutral.
func (r Recommendation) Value() int {
	switch Recommendation(strings.ToUpper(string(r))) {
	case StrongBuy:
		return 2
	case Buy:
		return 1
	case Sell:
		return -1
	case StrongSell:
		return -2
	default:
		return 0
	}
}

// RecommendationMap maps a timeframe label to its recommendation
type RecommendationMap map[string]Recommendation

// Clone returns a copy so cached maps cannot be mutated by callers
func (m RecommendationMap) Clone() RecommendationMap {
	if m == nil {
		return nil
	}
	out := make(RecommendationMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
