package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/trador/engine/internal/api"
	"github.com/trador/engine/internal/config"
	"github.com/trador/engine/internal/store"
)

// stores is the selected persistence backend.
type stores struct {
	Store   store.Store
	History api.TradeHistory // nil unless PostgreSQL is configured
	cleanup []func()
}

func (s *stores) Close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

// openStore picks PostgreSQL (optionally behind Redis), then a JSON file,
// then memory.
func openStore(ctx context.Context, cfg config.Config) (*stores, error) {
	s := &stores{}

	switch {
	case cfg.Storage.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		s.cleanup = append(s.cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("database migration failed: %w", err)
		}
		s.Store = pg
		s.History = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with the Redis write-through cache if configured.
		if cfg.Storage.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Storage.RedisURL)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			s.cleanup = append(s.cleanup, func() { rdb.Close() })
			cached := store.NewCachedStore(pg, rdb, cfg.Storage.CacheTTL)
			s.Store = cached
			s.History = cached
			slog.Info("Redis cache enabled")
		}

	case cfg.Storage.StateFile != "":
		s.Store = store.NewFileStore(cfg.Storage.StateFile)
		slog.Info("using state file", "path", cfg.Storage.StateFile)

	default:
		slog.Warn("DATABASE_URL and STATE_FILE not set, using in-memory store (data will not persist)")
		s.Store = store.NewMemoryStore()
	}
	return s, nil
}
