package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/seiforesti/data-wave-sub007/internal/collaboration"
	"github.com/seiforesti/data-wave-sub007/internal/config"
	"github.com/seiforesti/data-wave-sub007/internal/state"
	"github.com/seiforesti/data-wave-sub007/internal/workflow"
)

// persistence bundles the stores chosen by configuration and the closers
// that release their connections.
type persistence struct {
	state      state.Store
	executions workflow.ExecutionStore
	locks      collaboration.LockStore
	closers    []func()
}

func (p *persistence) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// buildPersistence opens the configured stores. A postgres state driver
// also backs workflow executions so both survive a restart together.
func buildPersistence(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*persistence, error) {
	p := &persistence{}

	switch cfg.State.Store.Driver {
	case "postgres":
		pool, err := openPool(ctx, cfg.State.Store)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, pool.Close)

		stateStore := state.NewPgStore(pool)
		if err := stateStore.EnsureSchema(ctx); err != nil {
			p.close()
			return nil, fmt.Errorf("state store: schema: %w", err)
		}
		execStore := workflow.NewPgExecutionStore(pool)
		if err := execStore.EnsureSchema(ctx); err != nil {
			p.close()
			return nil, fmt.Errorf("execution store: schema: %w", err)
		}
		p.state, p.executions = stateStore, execStore
		logger.Info("using postgres state and execution stores")
	default:
		p.state, p.executions = state.NewMemoryStore(), workflow.NewMemoryExecutionStore()
		logger.Info("using in-memory state and execution stores")
	}

	switch cfg.Collaboration.LockStore.Driver {
	case "redis":
		client, err := openRedis(ctx, cfg.Collaboration.LockStore)
		if err != nil {
			p.close()
			return nil, err
		}
		p.closers = append(p.closers, func() { _ = client.Close() })
		p.locks = collaboration.NewRedisLockStore(client, cfg.Collaboration.LockStore.Prefix)
		logger.Info("using redis lock store", zap.String("prefix", cfg.Collaboration.LockStore.Prefix))
	default:
		p.locks = collaboration.NewMemoryLockStore()
		logger.Info("using in-memory lock store")
	}

	return p, nil
}

func openPool(ctx context.Context, cfg config.StateStoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("state store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("state store: parse DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("state store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("state store: ping: %w", err)
	}
	return pool, nil
}

func openRedis(ctx context.Context, cfg config.LockStoreConfig) (*redis.Client, error) {
	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("lock store: %s environment variable not set", cfg.AddrEnv)
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lock store: ping %s: %w", addr, err)
	}
	return client, nil
}
