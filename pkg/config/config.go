package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig  `env:", prefix=SERVER_"`
	MySQL    MySQLConfig   `env:", prefix=MYSQL_"`
	InfluxDB InfluxConfig  `env:", prefix=INFLUXDB_"`
	Redis    RedisConfig   `env:", prefix=REDIS_"`
	NATS     NATSConfig    `env:", prefix=NATS_"`
	Signals  SignalsConfig `env:", prefix=SIGNAL_"`
	Market   MarketConfig  `env:", prefix=MARKET_"`
	Chart    ChartConfig   `env:", prefix=CHART_"`
	Discord  DiscordConfig `env:", prefix=DISCORD_"`
	Tickers  TickersConfig `env:", prefix=TICKERS_"`
	Mirror   MirrorConfig  `env:", prefix=SITE_"`
	Logging  LoggingConfig `env:", prefix=LOG_"`
}

// ServerConfig holds the ops/read API server configuration
type ServerConfig struct {
	Host         string        `env:"HOST, default=0.0.0.0"`
	Port         int           `env:"PORT, default=8080"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT, default=30s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT, default=30s"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT, default=120s"`
	CORSOrigins  []string      `env:"CORS_ORIGINS, default=*"`
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	Host            string        `env:"HOST, default=localhost"`
	Port            int           `env:"PORT, default=3306"`
	Database        string        `env:"DATABASE, default=signals"`
	User            string        `env:"USER, default=signals"`
	Password        string        `env:"PASSWORD, default=signals123"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS, default=25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS, default=5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME, default=5m"`
}

// InfluxConfig holds InfluxDB configuration for the evaluation-bar archive
type InfluxConfig struct {
	Enabled bool          `env:"ENABLED, default=false"`
	URL     string        `env:"URL, default=http://localhost:8086"`
	Token   string        `env:"TOKEN"`
	Org     string        `env:"ORG, default=signals-org"`
	Bucket  string        `env:"BUCKET, default=signals"`
	Timeout time.Duration `env:"TIMEOUT, default=10s"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host         string        `env:"HOST, default=localhost"`
	Port         int           `env:"PORT, default=6379"`
	Password     string        `env:"PASSWORD"`
	DB           int           `env:"DB, default=0"`
	PoolSize     int           `env:"POOL_SIZE, default=10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS, default=5"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT, default=5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT, default=3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT, default=3s"`
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	Enabled       bool          `env:"ENABLED, default=true"`
	URL           string        `env:"URL, default=nats://localhost:4222"`
	MaxReconnect  int           `env:"MAX_RECONNECT, default=10"`
	ReconnectWait time.Duration `env:"RECONNECT_WAIT, default=2s"`
}

// SignalsConfig holds signal pipeline tunables
type SignalsConfig struct {
	DuplicateWindowMinutes    int           `env:"DUPLICATE_WINDOW_MINUTES, default=1440"`
	PerformanceRecheckMinutes int           `env:"PERFORMANCE_RECHECK_MINUTES, default=15"`
	PerformanceBatchLimit     int           `env:"PERFORMANCE_BATCH_LIMIT, default=8"`
	EvaluateInterval          time.Duration `env:"EVALUATE_INTERVAL, default=1m"`
	AlertCheckInterval        time.Duration `env:"ALERT_CHECK_INTERVAL, default=2m"`
	MinScoreThreshold         int           `env:"MIN_SCORE_THRESHOLD, default=3"`
	MaxConcurrentAnalyses     int           `env:"MAX_CONCURRENT_ANALYSES, default=4"`
	MaxCryptoCandidates       int           `env:"MAX_CRYPTO_CANDIDATES, default=24"`
	MaxStockCandidates        int           `env:"MAX_STOCK_CANDIDATES, default=25"`
	RunTimes                  []string      `env:"RUN_TIMES, default=09:45,12:30"` // HH:MM, Eastern
	PruneAfterDays            int           `env:"PRUNE_AFTER_DAYS, default=10"`
}

// MarketConfig holds acquisition-layer tunables: caches, breakers, pacing
type MarketConfig struct {
	PriceCacheTTL         time.Duration `env:"PRICE_CACHE_TTL, default=60s"`
	PriceCacheMaxEntries  int           `env:"PRICE_CACHE_MAX_ENTRIES, default=400"`
	TACacheTTL            time.Duration `env:"TA_CACHE_TTL, default=3600s"`
	TACacheMaxEntries     int           `env:"TA_CACHE_MAX_ENTRIES, default=200"`
	BreakerThreshold      int           `env:"BREAKER_THRESHOLD, default=5"`
	BreakerCooldown       time.Duration `env:"BREAKER_COOLDOWN, default=300s"`
	GeneralRequestSpacing time.Duration `env:"GENERAL_REQUEST_SPACING, default=3s"`
	TARequestSpacing      time.Duration `env:"TA_REQUEST_SPACING, default=8s"`
	TATimeframePause      time.Duration `env:"TA_TIMEFRAME_PAUSE, default=2s"`
	MaxRetries            int           `env:"MAX_RETRIES, default=3"`
}

// ChartConfig holds chart generation tunables
type ChartConfig struct {
	MaxAttempts int           `env:"GENERATION_MAX_ATTEMPTS, default=3"`
	RetryDelay  time.Duration `env:"GENERATION_RETRY_DELAY, default=1500ms"`
	Width       int           `env:"WIDTH, default=960"`
	Height      int           `env:"HEIGHT, default=640"`
}

// DiscordConfig holds chat delivery configuration
type DiscordConfig struct {
	SignalWebhookURL   string `env:"SIGNAL_WEBHOOK_URL"`
	FeedbackWebhookURL string `env:"FEEDBACK_WEBHOOK_URL"`
	SignalChannelID    string `env:"SIGNAL_CHANNEL_ID"`
}

// TickersConfig holds candidate-source configuration
type TickersConfig struct {
	GainersURL string        `env:"GAINERS_URL, default=https://penny-stocks.co/gainers/"`
	Timeout    time.Duration `env:"TIMEOUT, default=15s"`
}

// MirrorConfig holds the best-effort website mirror endpoint
type MirrorConfig struct {
	SignalURL string        `env:"SIGNAL_URL"`
	BotToken  string        `env:"BOT_TOKEN"`
	Timeout   time.Duration `env:"TIMEOUT, default=5s"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `env:"LEVEL, default=info"`
	Format string `env:"FORMAT, default=json"`
	Output string `env:"OUTPUT, default=stdout"`
}

// Load loads configuration from environment variables using go-envconfig
func Load() (*Config, error) {
	ctx := context.Background()
	var cfg Config

	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.MySQL.Host == "" {
		return fmt.Errorf("MySQL host is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("Redis host is required")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("NATS URL is required when NATS is enabled")
	}
	if c.Market.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive")
	}
	if c.Signals.MaxConcurrentAnalyses <= 0 {
		return fmt.Errorf("max concurrent analyses must be positive")
	}
	for _, rt := range c.Signals.RunTimes {
		if _, err := time.Parse("15:04", rt); err != nil {
			return fmt.Errorf("invalid run time %q: %w", rt, err)
		}
	}
	return nil
}

// GetMySQLDSN returns MySQL DSN string
func (c *Config) GetMySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		c.MySQL.User,
		c.MySQL.Password,
		c.MySQL.Host,
		c.MySQL.Port,
		c.MySQL.Database,
	)
}

// GetRedisAddr returns Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// GetServerAddr returns server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
