package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewClient connects to the Redis server at redisURL (redis://[:password@]host:port[/db], or rediss://
// for TLS) and pings it, retrying with backoff while the server comes up.
func NewClient(ctx context.Context, redisURL string, logger *zap.Logger) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	client := goredis.NewClient(opts)

	err = RetryWithBackoff(ctx, logger, func() error {
		return client.Ping(ctx).Err()
	}, 3, time.Second)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RetryWithBackoff implements exponential backoff for connection retries
func RetryWithBackoff(ctx context.Context, logger *zap.Logger, operation func() error, maxRetries int, initialInterval time.Duration) error {
	var err error

	interval := initialInterval

	for i := 0; i < maxRetries; i++ {
		if err = operation(); err == nil {
			return nil
		}

		if i == maxRetries-1 {
			break
		}

		logger.Warn("retry attempt failed",
			zap.Int("attempt", i+1),
			zap.Duration("retry_in", interval),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
	}

	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
}
