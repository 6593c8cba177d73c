package testcontainers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	defaultPostgresPort = "5432"
	defaultRedisPort    = "6379"

	defaultUser     = "test"
	defaultPassword = "test"
	defaultDatabase = "ferris_test"
)

// PostgresConfig holds PostgreSQL connection configuration for tests
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN returns the connection string understood by the pgx driver and golang-migrate.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis connection configuration for tests
type RedisConfig struct {
	Host string
	Port int
}

// Addr returns host:port for redis.Options.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// startContainer starts req and resolves the host and mapped port of exposedPort.
func startContainer(ctx context.Context, req testcontainers.ContainerRequest, exposedPort string) (testcontainers.Container, string, int, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return container, "", 0, fmt.Errorf("failed to get container host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, nat.Port(exposedPort))
	if err != nil {
		return container, "", 0, fmt.Errorf("failed to get container port: %w", err)
	}

	port, err := strconv.Atoi(mappedPort.Port())
	if err != nil {
		return container, "", 0, fmt.Errorf("failed to parse port: %w", err)
	}

	return container, host, port, nil
}

// NewPostgresContainer starts PostgreSQL and waits until it accepts connections.
// The ready log line appears twice because the image restarts once after init.
func NewPostgresContainer(ctx context.Context) (testcontainers.Container, *PostgresConfig, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{defaultPostgresPort + "/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     defaultUser,
			"POSTGRES_PASSWORD": defaultPassword,
			"POSTGRES_DB":       defaultDatabase,
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort(defaultPostgresPort+"/tcp"),
		),
	}

	container, host, port, err := startContainer(ctx, req, defaultPostgresPort)
	if err != nil {
		return container, nil, err
	}

	return container, &PostgresConfig{
		Host:     host,
		Port:     port,
		User:     defaultUser,
		Password: defaultPassword,
		Database: defaultDatabase,
	}, nil
}

// NewRedisContainer starts Redis without authentication.
func NewRedisContainer(ctx context.Context) (testcontainers.Container, *RedisConfig, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{defaultRedisPort + "/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, host, port, err := startContainer(ctx, req, defaultRedisPort)
	if err != nil {
		return container, nil, err
	}

	return container, &RedisConfig{Host: host, Port: port}, nil
}
