package runner

import (
	"go.uber.org/zap"

	"github.com/Vector/ferris-file-sync/postgres"
)

// NewMigrationRunner prepares golang-migrate for cfg.DatabaseURL, reading from cfg.MigrationsDir
// when it is set.
func NewMigrationRunner(cfg *Config, logger *zap.Logger) (*postgres.MigrationRunner, error) {
	migrations := postgres.NewMigrationRunner(cfg.DatabaseURL, logger)

	if cfg.MigrationsDir != "" {
		if err := migrations.SetMigrationsDir(cfg.MigrationsDir); err != nil {
			return nil, err
		}
	}

	return migrations, nil
}
