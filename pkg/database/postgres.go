package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linqiu/stockseer/backend/pkg/config"
)

// DB wraps the pgxpool.Pool used by the postgres record-store backend.
// The connection pool is created here and nowhere else.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(cfg *config.Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Store.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Store.MaxConns)
	poolConfig.MinConns = int32(cfg.Store.MinConns)
	poolConfig.MaxConnLifetime = cfg.Store.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Store.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Ping checks if the database is accessible.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
