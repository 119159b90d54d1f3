// Package backend opens the storage, submission, and event backends selected
// by configuration.
package backend

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/portal/internal/config"
	"github.com/pitabwire/portal/internal/draft"
	"github.com/pitabwire/portal/internal/submission"
)

// PoolCache shares one pgx pool per DSN environment variable, so the draft
// store and the submission service can use the same database.
type PoolCache struct {
	pools map[string]*pgxpool.Pool
}

// NewPoolCache returns an empty PoolCache.
func NewPoolCache() *PoolCache {
	return &PoolCache{pools: map[string]*pgxpool.Pool{}}
}

// Get returns the pool for dsnEnv, connecting on first use.
func (c *PoolCache) Get(ctx context.Context, dsnEnv string, maxConns int, lifetime time.Duration) (*pgxpool.Pool, error) {
	if pool, ok := c.pools[dsnEnv]; ok {
		return pool, nil
	}
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		return nil, fmt.Errorf("%s environment variable not set", dsnEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	if lifetime > 0 {
		poolCfg.MaxConnLifetime = lifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	c.pools[dsnEnv] = pool
	return pool, nil
}

// Close closes every pool.
func (c *PoolCache) Close() {
	for _, pool := range c.pools {
		pool.Close()
	}
}

// OpenDraftStore creates the draft store selected by config. The returned
// func releases its connections.
func OpenDraftStore(ctx context.Context, cfg config.DraftConfig, pools *PoolCache, logger *zap.Logger) (draft.Store, func(), error) {
	noop := func() {}
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory draft store, drafts do not survive restarts")
		return draft.NewMemoryStore(), noop, nil
	case "postgres":
		pool, err := pools.Get(ctx, cfg.DSNEnv, cfg.MaxOpenConns, cfg.ConnMaxLifetime)
		if err != nil {
			return nil, nil, fmt.Errorf("draft store: %w", err)
		}
		store := draft.NewPgStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("draft store: %w", err)
		}
		return store, noop, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("draft store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("draft store: ping redis: %w", err)
		}
		return draft.NewRedisStore(client, cfg.TTL), func() { client.Close() }, nil
	case "sqlite":
		store, err := draft.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("draft store: %w", err)
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported draft store driver: %q", cfg.Driver)
	}
}

// OpenSubmissionService creates the submission backend selected by config.
func OpenSubmissionService(ctx context.Context, cfg config.SubmissionConfig, pools *PoolCache, logger *zap.Logger) (submission.Service, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory submission service")
		return submission.NewMemoryService(), nil
	case "postgres":
		pool, err := pools.Get(ctx, cfg.DSNEnv, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("submission service: %w", err)
		}
		svc := submission.NewPgService(pool)
		if err := svc.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("submission service: %w", err)
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported submission driver: %q", cfg.Driver)
	}
}

// OpenPublisher creates the submission event publisher selected by config.
// The returned func closes the broker client.
func OpenPublisher(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) (submission.Publisher, func(), error) {
	switch cfg.Driver {
	case "log":
		return submission.NewLogPublisher(logger), func() {}, nil
	case "kafka":
		cl, err := submission.NewKafkaClient(cfg.Brokers, cfg.ClientID)
		if err != nil {
			return nil, nil, err
		}
		if cfg.CreateTopic {
			if err := submission.EnsureTopic(ctx, cl, cfg.Topic, cfg.Partitions, cfg.ReplicationFactor); err != nil {
				cl.Close()
				return nil, nil, err
			}
		}
		return submission.NewKafkaPublisher(cl, cfg.Topic), cl.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported events driver: %q", cfg.Driver)
	}
}
