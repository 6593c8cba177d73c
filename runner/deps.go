package runner

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Vector/ferris-file-sync/metrics"
	"github.com/Vector/ferris-file-sync/onedrive"
	"github.com/Vector/ferris-file-sync/pkg/encryption"
	"github.com/Vector/ferris-file-sync/postgres"
	"github.com/Vector/ferris-file-sync/redis"
	"github.com/Vector/ferris-file-sync/s3source"
	"github.com/Vector/ferris-file-sync/worker"
)

// Deps holds everything the worker and lambda modes share. Build it once per process.
type Deps struct {
	AWS     aws.Config
	DB      *sql.DB
	Redis   *goredis.Client
	Metrics *metrics.Metrics
	Handler *worker.Handler
	Logger  *zap.Logger
}

// NewDeps opens the database and Redis (when configured) and wires the event handler.
func NewDeps(ctx context.Context, cfg *Config, logger *zap.Logger) (*Deps, error) {
	cipher, err := encryption.New(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create token cipher: %w", err)
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}

	d := &Deps{DB: db, Logger: logger}

	recorder := metrics.Init(cfg.MetricsAddr != "")
	if m, ok := recorder.(*metrics.Metrics); ok {
		d.Metrics = m
	}

	repo := postgres.NewIntegrationRepository(db, cipher)

	managerOpts := []onedrive.Option{
		onedrive.WithLogger(logger),
		onedrive.WithMetrics(recorder),
	}

	if cfg.RedisURL != "" {
		d.Redis, err = redis.NewClient(ctx, cfg.RedisURL, logger)
		if err != nil {
			_ = d.Close()
			return nil, err
		}

		managerOpts = append(managerOpts, onedrive.WithLocker(
			redis.NewRefreshLocker(d.Redis, redis.WithLockTTL(refreshLockTTL(cfg.OneDriveTimeout))),
		))
	}

	client := onedrive.NewClient(cfg.OneDriveClientID, cfg.OneDriveClientSecret,
		onedrive.WithTokenURL(cfg.OneDriveTokenURL),
		onedrive.WithHTTPClient(&http.Client{Timeout: cfg.OneDriveTimeout}),
	)

	d.AWS, err = AWSConfig(ctx, cfg)
	if err != nil {
		_ = d.Close()
		return nil, err
	}

	transferer := s3source.NewTransferer(s3source.NewFromConfig(d.AWS, cfg.AwsEndpoint), logger)

	d.Handler = worker.NewHandler(repo, onedrive.NewTokenManager(repo, client, managerOpts...), transferer,
		worker.WithLogger(logger),
		worker.WithMetrics(recorder),
	)

	return d, nil
}

// refreshLockTTL covers the token request plus the store writes that follow it.
func refreshLockTTL(requestTimeout time.Duration) time.Duration {
	return 2 * requestTimeout
}

// Recorder returns the metrics sink the handler records to.
func (d *Deps) Recorder() metrics.Recorder {
	if d.Metrics == nil {
		return metrics.NewNoopMetrics()
	}

	return d.Metrics
}

func (d *Deps) Close() error {
	var err error

	if d.Redis != nil {
		err = multierr.Append(err, d.Redis.Close())
	}

	if d.DB != nil {
		err = multierr.Append(err, d.DB.Close())
	}

	return err
}
