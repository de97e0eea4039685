// Package db opens and pings the shared connection pool every Postgres-backed
// component (eventlogpg, cmd/replicatord) dials against. Schema ownership
// lives with the caller — eventlogpg.EnsureSchema, not this package — since
// a single pool may eventually back more than one durable store.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Open parses url, opens a pool, and confirms the database is reachable
// before returning.
func Open(ctx context.Context, url string, logger zerolog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.With().Str("component", "db").Logger().Info().Msg("connected to database")
	return pool, nil
}
