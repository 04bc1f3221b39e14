package database

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

// InfluxClient archives the bar series walked during signal evaluation,
// along with resolution events, so outcome analysis does not re-fetch
// history from the upstream providers.
type InfluxClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	logger   *logrus.Entry
	cfg      *config.InfluxConfig
	org      string
	bucket   string
}

// NewInfluxClient creates a new InfluxDB client
func NewInfluxClient(cfg *config.InfluxConfig, logger *logrus.Logger) *InfluxClient {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetHTTPRequestTimeout(uint(cfg.Timeout.Seconds())).
			SetLogLevel(0), // Silent - no logs
	)

	return &InfluxClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		logger:   logger.WithField("component", "influxdb"),
		cfg:      cfg,
		org:      cfg.Org,
		bucket:   cfg.Bucket,
	}
}

// Close closes the InfluxDB client
func (ic *InfluxClient) Close() {
	ic.client.Close()
}

// Health checks InfluxDB health
func (ic *InfluxClient) Health(ctx context.Context) error {
	health, err := ic.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influxdb health check failed: %s", msg)
	}

	return nil
}

// WriteEvaluationBars archives the bars one evaluation pass walked for a
// signal, tagged by interval so different resolutions never collide
func (ic *InfluxClient) WriteEvaluationBars(ctx context.Context, signalID int64, interval string, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	measurement := "eval_bars"
	points := make([]*write.Point, 0, len(bars))
	for _, bar := range bars {
		point := influxdb2.NewPoint(
			measurement,
			map[string]string{
				"symbol":   bar.Symbol,
				"interval": interval,
				"signal":   fmt.Sprintf("%d", signalID),
			},
			map[string]interface{}{
				"open":   bar.Open,
				"high":   bar.High,
				"low":    bar.Low,
				"close":  bar.Close,
				"volume": bar.Volume,
			},
			bar.Timestamp,
		)
		points = append(points, point)
	}

	if err := ic.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write evaluation bars (%d points): %w", len(points), err)
	}

	return nil
}

// WriteResolution records a terminal evaluation outcome as a point, so
// resolution latency and excursion are queryable over time
func (ic *InfluxClient) WriteResolution(ctx context.Context, signal *models.Signal, perf *models.Performance) error {
	point := influxdb2.NewPoint(
		"signal_resolutions",
		map[string]string{
			"symbol":      signal.Symbol,
			"asset_class": string(signal.AssetClass),
			"status":      string(perf.Status),
			"direction":   string(perf.Direction),
		},
		map[string]interface{}{
			"entry_price":      perf.EntryPrice,
			"last_price":       perf.LastPrice,
			"max_gain_pct":     perf.MaxGainPct,
			"max_drawdown_pct": perf.MaxDrawdownPct,
			"minutes_open":     perf.TimeToResolutionMinutes,
			"targets_hit":      perf.TargetsHit,
		},
		time.Now().UTC(),
	)

	if err := ic.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write resolution: %w", err)
	}

	return nil
}

// GetEvaluationBars reads back the archived bars for a signal
func (ic *InfluxClient) GetEvaluationBars(ctx context.Context, signalID int64, from, to time.Time) ([]models.Bar, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: %s, stop: %s)
			|> filter(fn: (r) => r._measurement == "eval_bars")
			|> filter(fn: (r) => r.signal == "%d")
			|> filter(fn: (r) => r._field == "open" or r._field == "high" or r._field == "low" or r._field == "close" or r._field == "volume")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"])
	`, ic.bucket, from.Format(time.RFC3339), to.Format(time.RFC3339), signalID)

	result, err := ic.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluation bars: %w", err)
	}
	defer result.Close()

	bars := make([]models.Bar, 0)
	for result.Next() {
		record := result.Record()

		bar := models.Bar{
			Timestamp: record.Time(),
		}
		if v, ok := record.Values()["symbol"].(string); ok {
			bar.Symbol = v
		}
		if v, ok := record.Values()["open"].(float64); ok {
			bar.Open = v
		}
		if v, ok := record.Values()["high"].(float64); ok {
			bar.High = v
		}
		if v, ok := record.Values()["low"].(float64); ok {
			bar.Low = v
		}
		if v, ok := record.Values()["close"].(float64); ok {
			bar.Close = v
		}
		if v, ok := record.Values()["volume"].(float64); ok {
			bar.Volume = v
		}

		bars = append(bars, bar)
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("query error: %w", result.Err())
	}

	return bars, nil
}
