package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

/*
MigrationRunner applies the onedrive_integrations schema with golang-migrate.
It reads {version}_{description}.up.sql files from scripts/migrations unless SetMigrationsDir
points elsewhere, and records applied versions in schema_migrations.
*/
type MigrationRunner struct {
	dsn           string
	migrationsDir string
	logger        *zap.Logger
	timeout       time.Duration
}

func NewMigrationRunner(dsn string, logger *zap.Logger) *MigrationRunner {
	return &MigrationRunner{
		dsn:     dsn,
		logger:  logger.Named("migration"),
		timeout: 30 * time.Second,
	}
}

func (m *MigrationRunner) SetMigrationsDir(dir string) error {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("invalid directory path: %w", err)
	}

	fileInfo, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("directory not accessible: %w", err)
	}

	if !fileInfo.IsDir() {
		return fmt.Errorf("path is not a directory: %s", absPath)
	}

	m.migrationsDir = absPath

	return nil
}

func (m *MigrationRunner) SetTimeout(timeout time.Duration) {
	m.timeout = timeout
}

func (m *MigrationRunner) RunMigrations(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	migrationsDir, err := m.findMigrationsDir()
	if err != nil {
		return fmt.Errorf("failed to find migrations directory: %w", err)
	}

	m.logger.Info("using migrations", zap.String("dir", migrationsDir))

	migrator, err := m.createMigrator(ctx, migrationsDir)
	if err != nil {
		return err
	}
	defer migrator.Close()

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("no migrations to apply, database is up to date")
			return nil
		}

		return fmt.Errorf("failed to run migrations: %w", err)
	}

	m.logger.Info("successfully applied migrations")

	return nil
}

func (m *MigrationRunner) createMigrator(ctx context.Context, migrationsDir string) (*migrate.Migrate, error) {
	db, err := sql.Open("pgx", m.formatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(2)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dbInstance, err := migratepg.WithInstance(db, &migratepg.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", dbInstance)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}

	return migrator, nil
}

func (m *MigrationRunner) formatDSN() string {
	if !strings.Contains(m.dsn, "://") {
		return "postgres://" + m.dsn
	}

	return m.dsn
}

func (m *MigrationRunner) findMigrationsDir() (string, error) {
	if m.migrationsDir != "" {
		if _, err := os.Stat(m.migrationsDir); err == nil {
			return m.migrationsDir, nil
		}

		return "", fmt.Errorf("specified migrations directory not found: %s", m.migrationsDir)
	}

	paths := GetMigrationPaths()
	if len(paths) == 0 {
		return "", errors.New("no scripts/migrations directory next to the binary or in the working directory")
	}

	return filepath.Abs(paths[0])
}

// GetMigrationPaths returns the existing candidate migrations directories, most specific first.
func GetMigrationPaths() []string {
	var searchPaths []string

	if workingDir, err := os.Getwd(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(workingDir, "scripts", "migrations"))
	}

	if execPath, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(filepath.Dir(execPath), "scripts", "migrations"))
	}

	var validPaths []string

	for _, path := range searchPaths {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			validPaths = append(validPaths, path)
		}
	}

	return validPaths
}
