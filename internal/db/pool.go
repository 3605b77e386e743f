// Package db constructs the pgx connection pool shared by every
// component: the Queue, the periodic scheduler, and the health checker.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig tunes the pool beyond the bare DSN.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// NewPool opens and pings a pgxpool.Pool against databaseURL.
func NewPool(ctx context.Context, databaseURL string, cfg PoolConfig) (*pgxpool.Pool, error) {
	parsed, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}

	if cfg.MaxConns > 0 {
		parsed.MaxConns = cfg.MaxConns
	} else {
		parsed.MaxConns = 25
	}
	if cfg.MinConns > 0 {
		parsed.MinConns = cfg.MinConns
	} else {
		parsed.MinConns = 5
	}
	parsed.MaxConnLifetime = 1 * time.Hour
	parsed.MaxConnIdleTime = 30 * time.Minute
	parsed.HealthCheckPeriod = 30 * time.Second
	parsed.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}
