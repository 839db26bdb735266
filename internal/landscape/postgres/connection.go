// Package postgres provides the production Landscape backend: a
// database/sql + lib/pq implementation of landscape.Recorder and
// landscape.LineageReader.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	postgresDriver = "postgres"
	pingTimeout    = 5 * time.Second

	defaultMaxOpenConns    = 20
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

// Config holds connection parameters for the Postgres Landscape backend.
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewConfig builds a Config, substituting idiomatic defaults for zero values.
func NewConfig(databaseURL string) *Config {
	return &Config{
		DatabaseURL:     databaseURL,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// Connection wraps a pooled *sql.DB handle to the Landscape database.
type Connection struct {
	*sql.DB
}

// NewConnection opens and pings a connection pool against cfg.
func NewConnection(cfg *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("landscape/postgres: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("landscape/postgres: health check failed: %w", err)
	}

	return &Connection{db}, nil
}

// HealthCheck verifies the connection is reachable within ctx.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the underlying pool. Safe to call multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}
