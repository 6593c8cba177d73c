package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Vector/ferris-file-sync/runner"
	"github.com/Vector/ferris-file-sync/runner/lambdaaws"
	"github.com/Vector/ferris-file-sync/runner/migraterunner"
	"github.com/Vector/ferris-file-sync/runner/workerrunner"
)

func main() {
	_ = godotenv.Load() // Load .env file if present

	cfg, err := runner.ParseConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}

	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	logger, err := runner.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	if !cfg.NoBanner && cfg.RunMode != runner.RunModeAwsLambda {
		runner.Banner(os.Stderr, cfg)
	}

	for _, name := range cfg.InsecureDefaults() {
		logger.Warn("using insecure development default", zap.String("setting", name))
	}

	code := run(cfg, logger)

	_ = logger.Sync()

	os.Exit(code)
}

func run(cfg *runner.Config, logger *zap.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan

		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

		cancel()
	}()

	runnerInstance, err := runnerFactory(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", zap.Error(err))
		return 1
	}

	code := 0

	if err := runnerInstance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("runner failed", zap.Error(err))

		code = 1
	}

	if err := runnerInstance.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Error("failed to close runner", zap.Error(err))
	}

	return code
}

func runnerFactory(ctx context.Context, cfg *runner.Config, logger *zap.Logger) (runner.Runner, error) {
	switch cfg.RunMode {
	case runner.RunModeWorker:
		return workerrunner.New(ctx, cfg, logger)
	case runner.RunModeAwsLambda:
		return lambdaaws.New(ctx, cfg, logger)
	case runner.RunModeMigrate:
		return migraterunner.New(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %d", runner.ErrInvalidRunMode, cfg.RunMode)
	}
}
