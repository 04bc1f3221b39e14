package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

// RedisClient handles Redis caching operations: hot price snapshots for
// the API, message-to-signal correlation, and notification cooldowns
type RedisClient struct {
	client *redis.Client
	logger *logrus.Entry
	cfg    *config.RedisConfig
	ttl    time.Duration
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg *config.RedisConfig, logger *logrus.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		// Additional settings to prevent connection issues
		PoolTimeout:        4 * time.Second,
		IdleTimeout:        5 * time.Minute,
		MaxRetries:         2,
		IdleCheckFrequency: time.Minute,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{
		client: client,
		logger: logger.WithField("component", "redis"),
		cfg:    cfg,
		ttl:    5 * time.Minute, // Default TTL
	}, nil
}

// NewRedisClientFromAddr builds a client against an explicit address.
// Used by tests running against an embedded server.
func NewRedisClientFromAddr(addr string, logger *logrus.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{
		client: client,
		logger: logger.WithField("component", "redis"),
		ttl:    5 * time.Minute,
	}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// Health checks Redis health
func (rc *RedisClient) Health(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// SetTTL sets the default TTL for cache entries
func (rc *RedisClient) SetTTL(ttl time.Duration) {
	rc.ttl = ttl
}

// Price snapshot operations

// SetPriceSnapshot caches the last enriched price context for a symbol
func (rc *RedisClient) SetPriceSnapshot(ctx context.Context, price *models.PriceContext) error {
	key := fmt.Sprintf("price:%s", price.Symbol)

	data, err := json.Marshal(price)
	if err != nil {
		return fmt.Errorf("failed to marshal price snapshot: %w", err)
	}

	return rc.client.Set(ctx, key, data, rc.ttl).Err()
}

// GetPriceSnapshot returns the cached price context for a symbol, or nil
// on a miss
func (rc *RedisClient) GetPriceSnapshot(ctx context.Context, symbol string) (*models.PriceContext, error) {
	key := fmt.Sprintf("price:%s", symbol)

	data, err := rc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get price snapshot: %w", err)
	}

	var price models.PriceContext
	if err := json.Unmarshal([]byte(data), &price); err != nil {
		return nil, fmt.Errorf("failed to unmarshal price snapshot: %w", err)
	}

	return &price, nil
}

// GetPriceSnapshots returns cached price contexts for multiple symbols,
// skipping misses
func (rc *RedisClient) GetPriceSnapshots(ctx context.Context, symbols []string) (map[string]*models.PriceContext, error) {
	pipe := rc.client.Pipeline()

	cmds := make(map[string]*redis.StringCmd, len(symbols))
	for _, symbol := range symbols {
		cmds[symbol] = pipe.Get(ctx, fmt.Sprintf("price:%s", symbol))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to execute pipeline: %w", err)
	}

	results := make(map[string]*models.PriceContext)
	for symbol, cmd := range cmds {
		data, err := cmd.Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			rc.logger.WithError(err).WithField("symbol", symbol).Warn("Failed to get price snapshot")
			continue
		}

		var price models.PriceContext
		if err := json.Unmarshal([]byte(data), &price); err != nil {
			rc.logger.WithError(err).WithField("symbol", symbol).Warn("Failed to unmarshal price snapshot")
			continue
		}

		results[symbol] = &price
	}

	return results, nil
}

// Message correlation operations

// SetMessageSignal records which signal a posted message belongs to, so
// lookups by message never need the database on the hot path
func (rc *RedisClient) SetMessageSignal(ctx context.Context, messageID string, signalID int64, ttl time.Duration) error {
	key := fmt.Sprintf("msgsignal:%s", messageID)
	return rc.client.Set(ctx, key, strconv.FormatInt(signalID, 10), ttl).Err()
}

// GetMessageSignal returns the signal ID a message was posted for, or 0
// on a miss
func (rc *RedisClient) GetMessageSignal(ctx context.Context, messageID string) (int64, error) {
	key := fmt.Sprintf("msgsignal:%s", messageID)

	data, err := rc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get message correlation: %w", err)
	}

	id, err := strconv.ParseInt(data, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt message correlation %q: %w", data, err)
	}
	return id, nil
}

// Cooldown operations

// StartCooldown marks a key as recently notified. Returns true when the
// cooldown was newly acquired, false when one was already running.
func (rc *RedisClient) StartCooldown(ctx context.Context, kind, key string, window time.Duration) (bool, error) {
	return rc.client.SetNX(ctx, fmt.Sprintf("cooldown:%s:%s", kind, key), "1", window).Result()
}

// OnCooldown reports whether a cooldown is currently running
func (rc *RedisClient) OnCooldown(ctx context.Context, kind, key string) (bool, error) {
	n, err := rc.client.Exists(ctx, fmt.Sprintf("cooldown:%s:%s", kind, key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Utility operations

// SetJSON stores a JSON-encoded value
func (rc *RedisClient) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return rc.client.Set(ctx, key, data, expiration).Err()
}

// GetJSON retrieves and decodes a JSON value. Returns false on a miss.
func (rc *RedisClient) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := rc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return true, nil
}

// Delete removes keys
func (rc *RedisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return rc.client.Del(ctx, keys...).Err()
}

// DeletePattern deletes all keys matching a pattern
func (rc *RedisClient) DeletePattern(ctx context.Context, pattern string) error {
	var cursor uint64
	var keys []string

	for {
		var err error
		var batch []string
		batch, cursor, err = rc.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	if len(keys) > 0 {
		return rc.client.Del(ctx, keys...).Err()
	}

	return nil
}
