package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SignalStatus is the top-level lifecycle state of a persisted signal
type SignalStatus string

const (
	SignalStatusActive    SignalStatus = "active"
	SignalStatusCompleted SignalStatus = "completed" // target hit
	SignalStatusClosed    SignalStatus = "closed"    // stop hit
)

// Direction of a signal
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// PerformanceStatus is the evaluator's verdict for a signal
type PerformanceStatus string

const (
	PerformanceOpen      PerformanceStatus = "open"
	PerformanceTargetHit PerformanceStatus = "target_hit"
	PerformanceStopHit   PerformanceStatus = "stop_hit"
)

// Resolved reports whether the status is terminal. Once resolved, a
// performance record must never go back to open.
func (s PerformanceStatus) Resolved() bool {
	return s == PerformanceTargetHit || s == PerformanceStopHit
}

// Target is a price level at which a signal is considered successful
type Target struct {
	Label string  `json:"label"`
	Price float64 `json:"price"`
	Pct   float64 `json:"pct,omitempty"` // distance from entry at creation time
}

// Stop is the invalidation level for a signal
type Stop struct {
	Price float64 `json:"price"`
	Pct   float64 `json:"pct,omitempty"`
}

// EntryZone brackets the suggested entry range
type EntryZone struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Performance tracks how a signal has fared since it was posted. Mutated
// incrementally by the evaluator; terminal once Status is target_hit or
// stop_hit.
type Performance struct {
	Status         PerformanceStatus `json:"status"`
	Direction      Direction         `json:"direction"`
	EntryPrice     float64           `json:"entryPrice"`
	LastPrice      float64           `json:"lastPrice,omitempty"`
	CurrentMovePct float64           `json:"currentMovePct,omitempty"`
	MaxGainPct     float64           `json:"maxGainPct"`
	MaxDrawdownPct float64           `json:"maxDrawdownPct"`
	HighPrice      float64           `json:"highPrice,omitempty"`
	LowPrice       float64           `json:"lowPrice,omitempty"`
	BarsChecked    int               `json:"barsChecked"`
	TargetsTotal   int               `json:"targetsTotal"`
	TargetsHit     int               `json:"targetsHit"`
	StopPrice      float64           `json:"stopPrice,omitempty"`
	TargetLabel    string            `json:"targetLabel,omitempty"` // set on target_hit
	TargetPrice    float64           `json:"targetPrice,omitempty"`
	NextTargetLabel string           `json:"nextTargetLabel,omitempty"`
	NextTargetPrice float64          `json:"nextTargetPrice,omitempty"`
	NextTargetPct   float64          `json:"nextTargetPct,omitempty"`
	CreatedAt      time.Time         `json:"createdAt,omitempty"`
	EvaluatedAt    time.Time         `json:"evaluatedAt,omitempty"`
	ResolvedAt     *time.Time        `json:"resolvedAt,omitempty"`
	TimeToResolutionMinutes float64  `json:"timeToResolutionMinutes,omitempty"`
}

// AdminNotify tracks the pending-admin-notification state of a resolved signal
type AdminNotify struct {
	Pending        bool       `json:"pending"`
	SignalID       int64      `json:"signalId,omitempty"`
	LastResolvedAt *time.Time `json:"lastResolvedAt,omitempty"`
	NotifiedAt     *time.Time `json:"notifiedAt,omitempty"`
}

// SignalDetails is the structured payload stored alongside a signal
type SignalDetails struct {
	DisplaySymbol string            `json:"displaySymbol,omitempty"`
	AssetClass    AssetClass        `json:"asset_class,omitempty"`
	Score         int               `json:"score"`
	Strength      string            `json:"signal_strength,omitempty"`
	Confidence    string            `json:"confidence,omitempty"`
	CurrentPrice  float64           `json:"current_price,omitempty"`
	HighOfDay     float64           `json:"hod,omitempty"`
	CompanyName   string            `json:"company_name,omitempty"`
	LogoURL       string            `json:"logo_url,omitempty"`
	Entry         *EntryZone        `json:"entry,omitempty"`
	Targets       []Target          `json:"targets,omitempty"`
	Stop          *Stop             `json:"stop,omitempty"`
	Pivot         float64           `json:"pivot,omitempty"`
	Timeframes    RecommendationMap `json:"timeframes,omitempty"`
	ChartURL      string            `json:"chart_url,omitempty"`
	PriceSymbol   string            `json:"price_symbol,omitempty"`
	Exchange      string            `json:"exchange,omitempty"`
	Screener      string            `json:"screener,omitempty"`
	Direction     Direction         `json:"direction,omitempty"`
	PostedAt      time.Time         `json:"posted_at,omitempty"`
	Performance   *Performance      `json:"performance,omitempty"`
	AdminNotify   *AdminNotify      `json:"admin_notify,omitempty"`
}

// Scan implements sql.Scanner so details round-trip through a JSON column
func (d *SignalDetails) Scan(value interface{}) error {
	if value == nil {
		*d = SignalDetails{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported details column type %T", value)
	}
	if len(data) == 0 {
		*d = SignalDetails{}
		return nil
	}
	return json.Unmarshal(data, d)
}

// Value implements driver.Valuer
func (d SignalDetails) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// Signal is a persisted trading signal. Created once by the dispatcher;
// afterwards only the performance/status fields change.
type Signal struct {
	ID            int64         `json:"id" db:"id"`
	Symbol        string        `json:"symbol" db:"symbol"`
	DisplaySymbol string        `json:"display_symbol" db:"display_symbol"`
	Direction     Direction     `json:"direction" db:"signal_type"`
	Price         float64       `json:"price" db:"price"`
	Strength      string        `json:"signal_strength" db:"signal_strength"`
	AssetClass    AssetClass    `json:"asset_class" db:"asset_type"`
	Details       SignalDetails `json:"details" db:"details"`
	Status        SignalStatus  `json:"status" db:"status"`
	MessageID     string        `json:"message_id,omitempty" db:"message_id"`
	ChannelID     string        `json:"channel_id,omitempty" db:"message_channel_id"`
	CreatedAt     time.Time     `json:"timestamp" db:"timestamp"`
}

// Alert trigger directions
const (
	AlertAbove = "above"
	AlertBelow = "below"
)

// PriceAlert is a user-configured price trigger
type PriceAlert struct {
	ID        int64     `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Threshold float64   `json:"threshold" db:"threshold"`
	AlertType string    `json:"alert_type" db:"alert_type"` // above | below
	Active    bool      `json:"active" db:"active"`
	Triggered bool      `json:"triggered" db:"triggered"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SignalStats aggregates outcome counts over a window
type SignalStats struct {
	Total     int     `json:"total"`
	Active    int     `json:"active"`
	Completed int     `json:"completed"`
	Closed    int     `json:"closed"`
	HitRate   float64 `json:"hit_rate"`
}
