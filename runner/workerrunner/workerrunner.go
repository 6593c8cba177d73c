package workerrunner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Vector/ferris-file-sync/queue"
	"github.com/Vector/ferris-file-sync/runner"
)

var _ runner.Runner = (*workerRunner)(nil)

type workerRunner struct {
	cfg      *runner.Config
	deps     *runner.Deps
	consumer *queue.Consumer
	srv      *http.Server
	logger   *zap.Logger
}

func New(ctx context.Context, cfg *runner.Config, logger *zap.Logger) (runner.Runner, error) {
	if cfg.RunMode != runner.RunModeWorker {
		return nil, fmt.Errorf("%w: %d", runner.ErrInvalidRunMode, cfg.RunMode)
	}

	if cfg.MigrateOnStart {
		migrations, err := runner.NewMigrationRunner(cfg, logger)
		if err != nil {
			return nil, err
		}

		if err := migrations.RunMigrations(ctx); err != nil {
			return nil, err
		}
	}

	deps, err := runner.NewDeps(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []queue.Option{
		queue.WithLogger(logger),
		queue.WithMetrics(deps.Recorder()),
		queue.WithWaitTime(int32(cfg.SQSWaitSeconds)),
		queue.WithMaxMessages(int32(cfg.SQSMaxMessages)),
		queue.WithEmptyBackoff(cfg.SQSEmptyBackoff),
		queue.WithConcurrency(cfg.WorkerConcurrency),
	}

	if cfg.DeadLetterURL != "" {
		opts = append(opts, queue.WithDeadLetter(cfg.DeadLetterURL, cfg.MaxReceives))
	}

	ans := workerRunner{
		cfg:      cfg,
		deps:     deps,
		consumer: queue.New(queue.NewSQSClient(deps.AWS, cfg.AwsEndpoint), cfg.QueueURL, deps.Handler, opts...),
		logger:   logger.Named("worker"),
	}

	if deps.Metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", deps.Metrics.Handler())

		ans.srv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
	}

	return &ans, nil
}

func (w *workerRunner) Run(ctx context.Context) error {
	egroup, ctx := errgroup.WithContext(ctx)

	egroup.Go(func() error {
		return w.consumer.Run(ctx)
	})

	if w.srv != nil {
		egroup.Go(func() error {
			return w.serveMetrics(ctx)
		})
	}

	return egroup.Wait()
}

func (w *workerRunner) serveMetrics(ctx context.Context) error {
	errc := make(chan error, 1)

	go func() {
		w.logger.Info("serving metrics", zap.String("addr", w.srv.Addr))

		if err := w.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("metrics server: %w", err)
		}

		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return w.srv.Shutdown(shutdownCtx)
}

func (w *workerRunner) Close(context.Context) error {
	return w.deps.Close()
}
