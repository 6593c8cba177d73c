// Package testcontainers provides the integration test infrastructure for the worker: throwaway
// PostgreSQL and Redis containers, connections to them, and ordered cleanup.
//
// Basic usage:
//
//	func TestStore(t *testing.T) {
//	    testcontainers.WithTestContext(t, func(tc *testcontainers.TestContext) {
//	        _, err := tc.DB.ExecContext(tc.Context(), "SELECT 1")
//	        require.NoError(t, err)
//	    }, testcontainers.WithPostgres())
//	}
//
// Prerequisites:
//   - Docker must be installed and running
//   - Network access to pull Docker images
//
// Tests using this package should skip themselves under `go test -short`.
package testcontainers

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
)

// defaultTimeout bounds container startup and the lifetime of TestContext.Context().
const defaultTimeout = 2 * time.Minute

// TestContext holds the containers and clients for one test and tears them down in reverse order.
type TestContext struct {
	t *testing.T

	ctx        context.Context
	cancelFunc context.CancelFunc
	cleanup    []func()

	// DB is set when the context was created WithPostgres.
	DB             *sql.DB
	PostgresConfig *PostgresConfig

	// Redis is set when the context was created WithRedis.
	Redis       *redis.Client
	RedisConfig *RedisConfig
}

// Option selects the infrastructure a TestContext starts.
type Option func(*options)

type options struct {
	postgres bool
	redis    bool
}

// WithPostgres starts a PostgreSQL container and opens TestContext.DB.
func WithPostgres() Option {
	return func(o *options) { o.postgres = true }
}

// WithRedis starts a Redis container and opens TestContext.Redis.
func WithRedis() Option {
	return func(o *options) { o.redis = true }
}

// NewTestContext starts the requested containers. The test fails if any of them cannot start.
// With no options both PostgreSQL and Redis are started.
func NewTestContext(t *testing.T, opts ...Option) *TestContext {
	t.Helper()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if !o.postgres && !o.redis {
		o.postgres, o.redis = true, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	tc := &TestContext{
		t:          t,
		ctx:        ctx,
		cancelFunc: cancel,
	}

	if o.postgres {
		if err := tc.initPostgres(); err != nil {
			tc.Cleanup()
			t.Fatalf("Failed to initialize Postgres: %v", err)
		}
	}

	if o.redis {
		if err := tc.initRedis(); err != nil {
			tc.Cleanup()
			t.Fatalf("Failed to initialize Redis: %v", err)
		}
	}

	return tc
}

// WithTestContext runs fn with a fresh TestContext and always cleans up afterwards.
func WithTestContext(t *testing.T, fn func(*TestContext), opts ...Option) {
	t.Helper()

	tc := NewTestContext(t, opts...)
	defer tc.Cleanup()

	fn(tc)
}

// Context is cancelled by Cleanup or after defaultTimeout.
func (tc *TestContext) Context() context.Context {
	return tc.ctx
}

// Cleanup releases clients and terminates containers, last created first.
func (tc *TestContext) Cleanup() {
	for i := len(tc.cleanup) - 1; i >= 0; i-- {
		tc.cleanup[i]()
	}

	tc.cleanup = nil
	tc.cancelFunc()
}

func (tc *TestContext) addCleanup(fn func()) {
	tc.cleanup = append(tc.cleanup, fn)
}

func (tc *TestContext) terminate(name string, container testcontainers.Container) {
	tc.addCleanup(func() {
		// the test context may already be past its deadline
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := container.Terminate(ctx); err != nil {
			tc.t.Errorf("Failed to terminate %s container: %v", name, err)
		}
	})
}

func (tc *TestContext) initPostgres() error {
	container, cfg, err := NewPostgresContainer(tc.ctx)
	if container != nil {
		tc.terminate("Postgres", container)
	}

	if err != nil {
		return fmt.Errorf("failed to create Postgres container: %w", err)
	}

	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	tc.addCleanup(func() {
		if err := db.Close(); err != nil {
			tc.t.Errorf("Failed to close database: %v", err)
		}
	})

	if err := db.PingContext(tc.ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	tc.DB = db
	tc.PostgresConfig = cfg

	return nil
}

func (tc *TestContext) initRedis() error {
	container, cfg, err := NewRedisContainer(tc.ctx)
	if container != nil {
		tc.terminate("Redis", container)
	}

	if err != nil {
		return fmt.Errorf("failed to create Redis container: %w", err)
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr()})
	tc.addCleanup(func() {
		if err := client.Close(); err != nil {
			tc.t.Errorf("Failed to close Redis client: %v", err)
		}
	})

	if err := client.Ping(tc.ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	tc.Redis = client
	tc.RedisConfig = cfg

	return nil
}
