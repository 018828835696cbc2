package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with common operations and instrumentation
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// GetUnderlying returns the underlying redis.Client for advanced operations
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// XAdd appends an entry to a stream
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]interface{}) error {
	err := c.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Err()
	if err != nil {
		c.logger.Error("redis XADD failed", "stream", stream, "error", err)
		return fmt.Errorf("failed to append to stream %s: %w", stream, err)
	}
	return nil
}

// XAddBatch appends multiple entries to a stream in a single pipeline round-trip
func (c *Client) XAddBatch(ctx context.Context, stream string, entries []map[string]interface{}) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := c.redis.Pipeline()
	for _, values := range entries {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: values,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("redis pipeline XADD failed", "stream", stream, "count", len(entries), "error", err)
		return fmt.Errorf("failed to append batch to stream %s: %w", stream, err)
	}

	c.logger.Debug("redis pipeline XADD", "stream", stream, "count", len(entries))
	return nil
}

// SetNX sets a key only if it doesn't exist (for idempotency checks)
func (c *Client) SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error) {
	wasSet, err := c.redis.SetNX(ctx, key, value, expiry).Result()
	if err != nil {
		c.logger.Error("redis SETNX failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to setnx key %s: %w", key, err)
	}
	c.logger.Debug("redis SETNX", "key", key, "was_set", wasSet)
	return wasSet, nil
}

// Delete removes keys
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	err := c.redis.Del(ctx, keys...).Err()
	if err != nil {
		c.logger.Error("redis DEL failed", "keys", keys, "error", err)
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Ping verifies the connection is alive
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the underlying client
func (c *Client) Close() error {
	return c.redis.Close()
}
