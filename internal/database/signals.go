package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signals-back/pkg/models"
)

// Mirror forwards signal mutations to the companion website. All calls
// are best effort; implementations must not block for long.
type Mirror interface {
	SignalCreated(ctx context.Context, signal *models.Signal)
	SignalUpdated(ctx context.Context, signalID int64, status models.SignalStatus, details *models.SignalDetails)
	SignalDeleted(ctx context.Context, signalID int64)
}

// signalColumns is the standard select list for signal rows
const signalColumns = `id, symbol, display_symbol, signal_type, price, timestamp,
	signal_strength, asset_type, details, status,
	COALESCE(message_id, ''), COALESCE(message_channel_id, '')`

func scanSignal(scan func(...interface{}) error) (*models.Signal, error) {
	s := &models.Signal{}
	var displaySymbol, strength, assetType sql.NullString
	err := scan(
		&s.ID,
		&s.Symbol,
		&displaySymbol,
		&s.Direction,
		&s.Price,
		&s.CreatedAt,
		&strength,
		&assetType,
		&s.Details,
		&s.Status,
		&s.MessageID,
		&s.ChannelID,
	)
	if err != nil {
		return nil, err
	}
	s.DisplaySymbol = displaySymbol.String
	s.Strength = strength.String
	s.AssetClass = models.AssetClass(assetType.String).Normalize()
	return s, nil
}

// CreateSignal persists a new signal. When a signal for the same symbol
// already exists inside the duplicate window, nothing is written and the
// returned id is zero. The duplicate check itself is best effort: if it
// errors the insert still proceeds.
func (mc *MySQLClient) CreateSignal(ctx context.Context, signal *models.Signal, duplicateWindow time.Duration) (int64, error) {
	if duplicateWindow > 0 {
		recent, err := mc.HasRecentSignalAny(ctx, signal.Symbol, duplicateWindow)
		if err != nil {
			mc.logger.WithError(err).WithField("symbol", signal.Symbol).Debug("Duplicate signal check failed")
		} else if recent {
			mc.logger.WithFields(logrus.Fields{
				"symbol": signal.Symbol,
				"window": duplicateWindow,
			}).Info("Skipping duplicate signal")
			return 0, nil
		}
	}

	recommendations, _ := json.Marshal(signal.Details.Timeframes)

	var id int64
	err := mc.withRetry(ctx, "create signal", func() error {
		result, err := mc.db.ExecContext(ctx, `
			INSERT INTO signals (symbol, display_symbol, signal_type, price, recommendations, signal_strength, asset_type, details, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			strings.ToUpper(signal.Symbol),
			signal.DisplaySymbol,
			signal.Direction,
			signal.Price,
			string(recommendations),
			signal.Strength,
			signal.AssetClass,
			signal.Details,
			models.SignalStatusActive,
		)
		if err != nil {
			return err
		}
		id, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create signal: %w", err)
	}
	signal.ID = id
	signal.Status = models.SignalStatusActive

	if mc.mirror != nil {
		mc.mirror.SignalCreated(ctx, signal)
	}
	return id, nil
}

// HasRecentSignal reports whether an active signal exists for the symbol
// inside the window
func (mc *MySQLClient) HasRecentSignal(ctx context.Context, symbol string, window time.Duration) (bool, error) {
	var one int
	err := mc.db.QueryRowContext(ctx, `
		SELECT 1 FROM signals
		WHERE symbol = ? AND status = 'active' AND timestamp >= NOW() - INTERVAL ? MINUTE
		LIMIT 1`,
		strings.ToUpper(symbol), int(window.Minutes()),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recent signal check: %w", err)
	}
	return true, nil
}

// HasRecentSignalAny is HasRecentSignal without the status filter, so a
// resolved signal still suppresses a re-post inside the window
func (mc *MySQLClient) HasRecentSignalAny(ctx context.Context, symbol string, window time.Duration) (bool, error) {
	minutes := int(window.Minutes())
	if minutes <= 0 {
		return false, nil
	}
	var one int
	err := mc.db.QueryRowContext(ctx, `
		SELECT 1 FROM signals
		WHERE symbol = ? AND timestamp >= NOW() - INTERVAL ? MINUTE
		LIMIT 1`,
		strings.ToUpper(symbol), minutes,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recent signal check: %w", err)
	}
	return true, nil
}

// GetSignalByID fetches one signal
func (mc *MySQLClient) GetSignalByID(ctx context.Context, id int64) (*models.Signal, error) {
	row := mc.db.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE id = ?`, id)
	s, err := scanSignal(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal %d: %w", id, err)
	}
	return s, nil
}

// GetSignalByMessage fetches the signal correlated with a posted message
func (mc *MySQLClient) GetSignalByMessage(ctx context.Context, messageID string) (*models.Signal, error) {
	row := mc.db.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE message_id = ? LIMIT 1`, messageID)
	s, err := scanSignal(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal by message: %w", err)
	}
	return s, nil
}

// SetSignalMessage correlates a signal with the message that announced it
func (mc *MySQLClient) SetSignalMessage(ctx context.Context, signalID int64, messageID, channelID string) error {
	return mc.withRetry(ctx, "set signal message", func() error {
		var err error
		if channelID != "" {
			_, err = mc.db.ExecContext(ctx,
				`UPDATE signals SET message_id = ?, message_channel_id = ? WHERE id = ?`,
				messageID, channelID, signalID)
		} else {
			_, err = mc.db.ExecContext(ctx,
				`UPDATE signals SET message_id = ? WHERE id = ?`, messageID, signalID)
		}
		return err
	})
}

// GetSignalsForEvaluation returns open signals due for a performance
// recheck, oldest evaluation first. Signals whose performance already
// resolved never come back, regardless of top-level status.
func (mc *MySQLClient) GetSignalsForEvaluation(ctx context.Context, recheck time.Duration, limit int) ([]*models.Signal, error) {
	minutes := int(recheck.Minutes())
	if minutes < 5 {
		minutes = 5
	}

	rows, err := mc.db.QueryContext(ctx, `
		SELECT `+signalColumns+`
		FROM signals
		WHERE status IN ('active', 'pending')
		  AND (
			JSON_EXTRACT(details, '$.performance') IS NULL
			OR COALESCE(JSON_UNQUOTE(JSON_EXTRACT(details, '$.performance.status')), 'open') = 'open'
		  )
		  AND (
			JSON_UNQUOTE(JSON_EXTRACT(details, '$.performance.evaluatedAt')) IS NULL
			OR JSON_UNQUOTE(JSON_EXTRACT(details, '$.performance.evaluatedAt')) <= DATE_FORMAT(UTC_TIMESTAMP() - INTERVAL ? MINUTE, '%Y-%m-%dT%H:%i:%s')
		  )
		ORDER BY timestamp DESC
		LIMIT ?`,
		minutes, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals for evaluation: %w", err)
	}
	defer rows.Close()

	var signals []*models.Signal
	for rows.Next() {
		s, err := scanSignal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// UpdateSignalPerformance writes back an evaluated details payload and,
// when the evaluation resolved the signal, the new top-level status
func (mc *MySQLClient) UpdateSignalPerformance(ctx context.Context, signalID int64, details models.SignalDetails, newStatus models.SignalStatus) error {
	err := mc.withRetry(ctx, "update signal performance", func() error {
		var err error
		if newStatus != "" {
			_, err = mc.db.ExecContext(ctx,
				`UPDATE signals SET details = ?, status = ? WHERE id = ?`,
				details, newStatus, signalID)
		} else {
			_, err = mc.db.ExecContext(ctx,
				`UPDATE signals SET details = ? WHERE id = ?`, details, signalID)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update signal %d: %w", signalID, err)
	}

	if mc.mirror != nil {
		mc.mirror.SignalUpdated(ctx, signalID, newStatus, &details)
	}
	return nil
}

// UpdateSignalStatus changes only the lifecycle status
func (mc *MySQLClient) UpdateSignalStatus(ctx context.Context, signalID int64, status models.SignalStatus) error {
	err := mc.withRetry(ctx, "update signal status", func() error {
		_, err := mc.db.ExecContext(ctx,
			`UPDATE signals SET status = ? WHERE id = ?`, status, signalID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update signal %d status: %w", signalID, err)
	}
	if mc.mirror != nil {
		mc.mirror.SignalUpdated(ctx, signalID, status, nil)
	}
	return nil
}

// DeleteSignal removes a signal entirely
func (mc *MySQLClient) DeleteSignal(ctx context.Context, signalID int64) error {
	err := mc.withRetry(ctx, "delete signal", func() error {
		_, err := mc.db.ExecContext(ctx, `DELETE FROM signals WHERE id = ?`, signalID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete signal %d: %w", signalID, err)
	}
	if mc.mirror != nil {
		mc.mirror.SignalDeleted(ctx, signalID)
	}
	return nil
}

// PruneOldSignals deletes signals older than the retention window
func (mc *MySQLClient) PruneOldSignals(ctx context.Context, days int) (int64, error) {
	if days < 1 {
		days = 1
	}
	var pruned int64
	err := mc.withRetry(ctx, "prune signals", func() error {
		result, err := mc.db.ExecContext(ctx,
			`DELETE FROM signals WHERE timestamp < NOW() - INTERVAL ? DAY`, days)
		if err != nil {
			return err
		}
		pruned, _ = result.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		mc.logger.WithFields(logrus.Fields{"pruned": pruned, "days": days}).Info("Pruned old signals")
	}
	return pruned, nil
}

// GetSignalsPendingAdminNotify returns resolved signals whose admin
// notification has not gone out yet
func (mc *MySQLClient) GetSignalsPendingAdminNotify(ctx context.Context, limit int) ([]*models.Signal, error) {
	rows, err := mc.db.QueryContext(ctx, `
		SELECT `+signalColumns+`
		FROM signals
		WHERE JSON_UNQUOTE(JSON_EXTRACT(details, '$.admin_notify.pending')) = 'true'
		ORDER BY timestamp DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending admin notifications: %w", err)
	}
	defer rows.Close()

	var signals []*models.Signal
	for rows.Next() {
		s, err := scanSignal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// MarkAdminNotified clears a signal's pending admin notification flag
func (mc *MySQLClient) MarkAdminNotified(ctx context.Context, signalID int64) error {
	signal, err := mc.GetSignalByID(ctx, signalID)
	if err != nil {
		return err
	}
	if signal == nil {
		return nil
	}

	now := time.Now().UTC()
	if signal.Details.AdminNotify == nil {
		signal.Details.AdminNotify = &models.AdminNotify{}
	}
	signal.Details.AdminNotify.Pending = false
	signal.Details.AdminNotify.NotifiedAt = &now

	return mc.withRetry(ctx, "mark admin notified", func() error {
		_, err := mc.db.ExecContext(ctx,
			`UPDATE signals SET details = ? WHERE id = ?`, signal.Details, signalID)
		return err
	})
}

// GetRecentSignals returns the latest signals for API consumers
func (mc *MySQLClient) GetRecentSignals(ctx context.Context, limit int) ([]*models.Signal, error) {
	rows, err := mc.db.QueryContext(ctx,
		`SELECT `+signalColumns+` FROM signals ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []*models.Signal
	for rows.Next() {
		s, err := scanSignal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// GetSignalStats aggregates outcomes over the trailing window
func (mc *MySQLClient) GetSignalStats(ctx context.Context, days int) (*models.SignalStats, error) {
	stats := &models.SignalStats{}
	err := mc.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(status = 'active'), 0),
		       COALESCE(SUM(status = 'completed'), 0),
		       COALESCE(SUM(status = 'closed'), 0)
		FROM signals
		WHERE timestamp >= NOW() - INTERVAL ? DAY`,
		days,
	).Scan(&stats.Total, &stats.Active, &stats.Completed, &stats.Closed)
	if err != nil {
		return nil, fmt.Errorf("failed to query signal stats: %w", err)
	}
	if resolved := stats.Completed + stats.Closed; resolved > 0 {
		stats.HitRate = float64(stats.Completed) / float64(resolved) * 100
	}
	return stats, nil
}
