package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"maiachat/backend/internal/config"
	"maiachat/backend/internal/lease"
	"maiachat/backend/internal/logging"
	"maiachat/backend/internal/repository"
)

// openStore connects the configured store and applies migrations.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Repository, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := repository.MigratePostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return repository.NewPostgresStore(pool), nil
	case config.StoreDriverSQLite:
		return repository.NewSQLiteStore(ctx, cfg.Store.SQLitePath)
	case config.StoreDriverMemory:
		logger.Warn("using the in-memory store; runs are lost on restart")
		return repository.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection", "host", cfg.DB.Host, "db", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// openLocker returns a Redis-backed run lease when redis.addr is set, so
// several replicas can share a store. Without it leases are process-local.
func openLocker(ctx context.Context, cfg *config.Config, logger *logging.Logger) (lease.Locker, func() error, error) {
	if cfg.Redis.Addr == "" {
		return lease.NewMemoryLocker(), func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("using redis run leases", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.LeaseTTL)
	return lease.NewRedisLocker(client, lease.WithTTL(cfg.Redis.LeaseTTL)), client.Close, nil
}
