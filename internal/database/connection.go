// Package database manages the PostgreSQL connection pool used by the
// postgres bus backend.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/roomcast/roomcast/internal/config"
	"github.com/rs/zerolog/log"
)

// NewPool creates a connection pool from the database configuration and
// verifies connectivity before returning it.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConnections
	poolConfig.MinConns = cfg.MinConnections
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime

	// Discard stale connections instead of handing them to callers. A
	// dead connection surfaces as "conn closed" mid-query otherwise.
	poolConfig.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		pingCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
		defer cancel()
		if err := conn.Ping(pingCtx); err != nil {
			log.Debug().Err(err).Msg("Discarding unhealthy connection from pool")
			return false
		}
		return true
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("Database connection established")

	return pool, nil
}
