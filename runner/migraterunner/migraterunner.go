package migraterunner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Vector/ferris-file-sync/postgres"
	"github.com/Vector/ferris-file-sync/runner"
)

var _ runner.Runner = (*migrateRunner)(nil)

type migrateRunner struct {
	migrations *postgres.MigrationRunner
}

func New(cfg *runner.Config, logger *zap.Logger) (runner.Runner, error) {
	if cfg.RunMode != runner.RunModeMigrate {
		return nil, fmt.Errorf("%w: %d", runner.ErrInvalidRunMode, cfg.RunMode)
	}

	migrations, err := runner.NewMigrationRunner(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &migrateRunner{migrations: migrations}, nil
}

func (m *migrateRunner) Run(ctx context.Context) error {
	return m.migrations.RunMigrations(ctx)
}

func (m *migrateRunner) Close(context.Context) error {
	return nil
}
