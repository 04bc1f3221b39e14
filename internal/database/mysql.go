package database

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/signals-back/pkg/config"
)

// retryAttempts is how many times a statement is retried on transient
// database errors before giving up
const retryAttempts = 3

// MySQLClient handles MySQL database operations
type MySQLClient struct {
	db     *sql.DB
	logger *logrus.Entry
	cfg    *config.MySQLConfig

	mirror Mirror
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewMySQLClient creates a new MySQL client
func NewMySQLClient(cfg *config.MySQLConfig, logger *logrus.Logger) (*MySQLClient, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	logger.WithField("dsn", fmt.Sprintf("%s:***@tcp(%s:%d)/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)).Debug("Connecting to MySQL")

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	return &MySQLClient{
		db:     db,
		logger: logger.WithField("component", "mysql"),
		cfg:    cfg,
		sleep:  sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetMirror attaches the best-effort website mirror. Mirror failures are
// logged and never surfaced to callers.
func (mc *MySQLClient) SetMirror(m Mirror) {
	mc.mirror = m
}

// withRetry runs fn up to retryAttempts times, backing off exponentially
// with the delay capped at five seconds.
func (mc *MySQLClient) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < retryAttempts {
			delay := time.Duration(math.Min(math.Pow(2, float64(attempt)), 5)) * time.Second
			mc.logger.WithFields(logrus.Fields{
				"op":      op,
				"attempt": attempt,
				"delay":   delay,
				"error":   lastErr,
			}).Warn("Database operation failed, retrying")
			if err := mc.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, retryAttempts, lastErr)
}

// Close closes the database connection
func (mc *MySQLClient) Close() error {
	return mc.db.Close()
}

// Health checks database health
func (mc *MySQLClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return mc.db.PingContext(ctx)
}

// ExecTx executes a function within a transaction
func (mc *MySQLClient) ExecTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := mc.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// schemaStatements create the tables this service owns. Idempotent, so
// they run on every startup and in the migrate command.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS signals (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		symbol VARCHAR(32) NOT NULL,
		display_symbol VARCHAR(64),
		signal_type VARCHAR(8) NOT NULL,
		price DECIMAL(24,8),
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		signal_strength VARCHAR(32),
		asset_type VARCHAR(16) DEFAULT 'equity',
		recommendations TEXT,
		details JSON,
		status VARCHAR(16) DEFAULT 'active',
		message_id VARCHAR(32),
		message_channel_id VARCHAR(32),
		INDEX idx_signals_symbol_time (symbol, timestamp),
		INDEX idx_signals_status (status)
	)`,
	`CREATE TABLE IF NOT EXISTS signal_subscriptions (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id VARCHAR(32) NOT NULL,
		symbol VARCHAR(32) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uniq_sub (user_id, symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS watchlist (
		user_id VARCHAR(32) NOT NULL,
		symbol VARCHAR(32) NOT NULL,
		position INT NOT NULL,
		asset_type VARCHAR(16),
		display_symbol VARCHAR(64),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, symbol),
		INDEX idx_watchlist_user (user_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id VARCHAR(32) NOT NULL,
		symbol VARCHAR(32) NOT NULL,
		alert_type VARCHAR(8) NOT NULL,
		threshold DECIMAL(24,8),
		asset_type VARCHAR(16),
		active BOOLEAN DEFAULT TRUE,
		triggered BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_triggered_at TIMESTAMP NULL,
		INDEX idx_alerts_user (user_id, symbol),
		INDEX idx_alerts_active (active, symbol)
	)`,
}

// InitSchema creates all tables owned by the service
func (mc *MySQLClient) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := mc.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema init: %w", err)
		}
	}
	mc.logger.Info("Database schema initialized")
	return nil
}
