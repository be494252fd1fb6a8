package bus

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/roomcast/roomcast/internal/config"
	"github.com/rs/zerolog/log"
)

// NewBus creates a bus client based on the scaling configuration.
//
// Backend options:
// - "memory": in-process bus (default for single instance)
// - "postgres": PostgreSQL outbox + LISTEN/NOTIFY (multi-instance without Redis)
// - "redis": Redis Streams (Dragonfly recommended for high scale)
//
// The pool parameter is required for the "postgres" backend.
// cfg.RedisURL is required for the "redis" backend.
func NewBus(cfg *config.BusConfig, pool *pgxpool.Pool) (Client, error) {
	switch cfg.Backend {
	case "memory", "":
		log.Info().Msg("Using in-memory bus (single instance mode)")
		return NewMemoryBusWithAckDeadline(cfg.AckDeadline), nil

	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("database pool is required for postgres bus backend")
		}
		log.Info().Msg("Using PostgreSQL bus (multi-instance mode)")
		b, err := NewPostgresBus(context.Background(), pool, cfg.AckDeadline)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL bus: %w", err)
		}
		if err := b.Start(); err != nil {
			return nil, fmt.Errorf("failed to start PostgreSQL bus: %w", err)
		}
		return b, nil

	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis_url is required for redis bus backend")
		}
		log.Info().Msg("Using Redis Streams bus (high-scale mode)")
		b, err := NewRedisBus(cfg.RedisURL, cfg.AckDeadline)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis for bus: %w", err)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unknown bus backend: %s (valid options: memory, postgres, redis)", cfg.Backend)
	}
}
