// Package notify publishes watermark-advance events to a Redis stream so
// surrounding query layers can invalidate caches without polling the store.
// Publishing is best-effort: the state engine never depends on it.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/orbit-rollup/orbitx/pkg/types"
	"github.com/orbit-rollup/orbitx/pkg/utils"
)

// Default stream configuration
const (
	DefaultStream       = "orbitx:watermarks"
	DefaultStreamMaxLen = 10000 // Default max entries per stream
)

// Client wraps the Redis client for watermark event egress.
type Client struct {
	client       *redis.Client
	logger       *zap.Logger
	stream       string
	streamMaxLen int64 // Max entries per stream (0 = unlimited)
}

// NewClient creates a new Redis client using environment variables for configuration.
// Environment variables:
//   - REDIS_HOST: Redis host (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_DB: Redis database number (default: "0")
//   - REDIS_STREAM: Stream name (default: "orbitx:watermarks")
//   - REDIS_STREAM_MAXLEN: Max entries per stream (default: 10000, 0 = unlimited)
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := utils.EnvInt("REDIS_DB", 0)
	stream := utils.Env("REDIS_STREAM", DefaultStream)
	streamMaxLen := utils.EnvInt64("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen)

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", db),
		zap.String("stream", stream),
		zap.Int64("streamMaxLen", streamMaxLen))

	return &Client{
		client:       rdb,
		logger:       logger,
		stream:       stream,
		streamMaxLen: streamMaxLen,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// WatermarkAdvanced publishes one watermark-advance event to the stream.
// Best-effort: errors are logged but never surfaced, so egress failures
// cannot break block application or proof recording.
func (c *Client) WatermarkAdvanced(ctx context.Context, event types.WatermarkEvent) {
	args := &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]interface{}{
			"level": string(event.Level),
			"block": event.Block,
			"at":    event.At.Format(time.RFC3339Nano),
		},
	}

	// Apply MAXLEN if configured (approximate for performance)
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}

	if err := c.client.XAdd(ctx, args).Err(); err != nil {
		c.logger.Warn("Failed to publish watermark event",
			zap.String("stream", c.stream),
			zap.String("level", string(event.Level)),
			zap.Uint64("block", event.Block),
			zap.Error(err))
	}
}
