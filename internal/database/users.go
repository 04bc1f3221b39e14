package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/signals-back/pkg/models"
)

// Subscriptions let users receive a direct copy of every signal for a symbol

// ToggleSubscription flips a user's subscription for a symbol and reports
// the new state
func (mc *MySQLClient) ToggleSubscription(ctx context.Context, userID, symbol string) (bool, error) {
	symbol = strings.ToUpper(symbol)

	var one int
	err := mc.db.QueryRowContext(ctx,
		`SELECT 1 FROM signal_subscriptions WHERE user_id = ? AND symbol = ?`,
		userID, symbol,
	).Scan(&one)

	switch {
	case err == sql.ErrNoRows:
		_, err = mc.db.ExecContext(ctx,
			`INSERT INTO signal_subscriptions (user_id, symbol) VALUES (?, ?)`,
			userID, symbol)
		if err != nil {
			return false, fmt.Errorf("failed to subscribe: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("subscription lookup: %w", err)
	default:
		_, err = mc.db.ExecContext(ctx,
			`DELETE FROM signal_subscriptions WHERE user_id = ? AND symbol = ?`,
			userID, symbol)
		if err != nil {
			return false, fmt.Errorf("failed to unsubscribe: %w", err)
		}
		return false, nil
	}
}

// GetSymbolSubscribers returns the users subscribed to a symbol
func (mc *MySQLClient) GetSymbolSubscribers(ctx context.Context, symbol string) ([]string, error) {
	rows, err := mc.db.QueryContext(ctx,
		`SELECT user_id FROM signal_subscriptions WHERE symbol = ?`,
		strings.ToUpper(symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribers: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// GetUserSubscriptions returns the symbols a user subscribes to
func (mc *MySQLClient) GetUserSubscriptions(ctx context.Context, userID string) ([]string, error) {
	rows, err := mc.db.QueryContext(ctx,
		`SELECT symbol FROM signal_subscriptions WHERE user_id = ? ORDER BY symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, err
		}
		symbols = append(symbols, symbol)
	}
	return symbols, rows.Err()
}

// Watchlist

// AddToWatchlist appends a symbol at the end of a user's watchlist
func (mc *MySQLClient) AddToWatchlist(ctx context.Context, userID, symbol string, assetClass models.AssetClass) error {
	symbol = strings.ToUpper(symbol)
	_, err := mc.db.ExecContext(ctx, `
		INSERT INTO watchlist (user_id, symbol, position, asset_type)
		SELECT ?, ?, COALESCE(MAX(position), 0) + 1, ? FROM watchlist w WHERE w.user_id = ?
		ON DUPLICATE KEY UPDATE asset_type = VALUES(asset_type)`,
		userID, symbol, assetClass, userID)
	if err != nil {
		return fmt.Errorf("failed to add to watchlist: %w", err)
	}
	return nil
}

// RemoveFromWatchlist drops a symbol from a user's watchlist
func (mc *MySQLClient) RemoveFromWatchlist(ctx context.Context, userID, symbol string) error {
	_, err := mc.db.ExecContext(ctx,
		`DELETE FROM watchlist WHERE user_id = ? AND symbol = ?`,
		userID, strings.ToUpper(symbol))
	if err != nil {
		return fmt.Errorf("failed to remove from watchlist: %w", err)
	}
	return nil
}

// GetUserWatchlist returns a user's watchlist in position order
func (mc *MySQLClient) GetUserWatchlist(ctx context.Context, userID string) ([]string, error) {
	rows, err := mc.db.QueryContext(ctx,
		`SELECT symbol FROM watchlist WHERE user_id = ? ORDER BY position`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchlist: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, err
		}
		symbols = append(symbols, symbol)
	}
	return symbols, rows.Err()
}

// Price alerts

// AddAlert creates a price alert for a user
func (mc *MySQLClient) AddAlert(ctx context.Context, alert *models.PriceAlert) error {
	if alert.Threshold <= 0 {
		return fmt.Errorf("alert threshold must be positive: %w", models.ErrValidation)
	}
	if alert.AlertType != models.AlertAbove && alert.AlertType != models.AlertBelow {
		return fmt.Errorf("alert type must be above or below: %w", models.ErrValidation)
	}
	if alert.UserID == "" || alert.Symbol == "" {
		return fmt.Errorf("alert user and symbol are required: %w", models.ErrValidation)
	}

	result, err := mc.db.ExecContext(ctx, `
		INSERT INTO alerts (user_id, symbol, alert_type, threshold, active)
		VALUES (?, ?, ?, ?, TRUE)`,
		alert.UserID, strings.ToUpper(alert.Symbol), alert.AlertType, alert.Threshold)
	if err != nil {
		return fmt.Errorf("failed to add alert: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		alert.ID = id
	}
	return nil
}

// GetActiveAlerts returns every active, untriggered alert
func (mc *MySQLClient) GetActiveAlerts(ctx context.Context) ([]*models.PriceAlert, error) {
	rows, err := mc.db.QueryContext(ctx, `
		SELECT id, user_id, symbol, threshold, alert_type, active, triggered, created_at
		FROM alerts
		WHERE active = TRUE AND triggered = FALSE
		ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.PriceAlert
	for rows.Next() {
		alert := &models.PriceAlert{}
		err := rows.Scan(
			&alert.ID,
			&alert.UserID,
			&alert.Symbol,
			&alert.Threshold,
			&alert.AlertType,
			&alert.Active,
			&alert.Triggered,
			&alert.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// MarkAlertTriggered flags an alert as fired so it does not repeat
func (mc *MySQLClient) MarkAlertTriggered(ctx context.Context, alertID int64) error {
	_, err := mc.db.ExecContext(ctx,
		`UPDATE alerts SET triggered = TRUE, last_triggered_at = NOW() WHERE id = ?`, alertID)
	if err != nil {
		return fmt.Errorf("failed to mark alert triggered: %w", err)
	}
	return nil
}

// DeleteAlert removes one of a user's alerts
func (mc *MySQLClient) DeleteAlert(ctx context.Context, alertID int64, userID string) error {
	_, err := mc.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE id = ? AND user_id = ?`, alertID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete alert: %w", err)
	}
	return nil
}
