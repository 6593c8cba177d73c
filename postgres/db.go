package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

const defaultMaxConns = 5

// Open returns the process-wide connection pool. It is created once at startup and passed to
// every component that needs it.
func Open(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func isUnavailable(err error) bool {
	var connectErr *pgconn.ConnectError

	switch {
	case errors.As(err, &connectErr):
		return true
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return true
	case pgconn.Timeout(err):
		return true
	}

	return false
}
