package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/oracle-engine/internal/config"
	"github.com/atmx/oracle-engine/internal/escrow"
	"github.com/atmx/oracle-engine/internal/lock"
	"github.com/atmx/oracle-engine/internal/market"
	"github.com/atmx/oracle-engine/internal/store"
)

// deps are the collaborators shared by every command.
type deps struct {
	store  store.Store
	ledger escrow.Transferer
	sealer *escrow.Sealer
	locks  lock.Locker
	engine *market.Engine

	cleanup []func()
}

func (d *deps) Close() {
	for i := len(d.cleanup) - 1; i >= 0; i-- {
		d.cleanup[i]()
	}
}

// buildDeps wires Postgres or in-memory storage, the optional Redis cache
// and lock, and the engine.
func buildDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{}

	secret := []byte(cfg.Escrow.CapabilitySecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate capability secret: %w", err)
		}
	}
	sealer, err := escrow.NewSealer(secret)
	if err != nil {
		return nil, err
	}
	d.sealer = sealer

	if cfg.Postgres.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		d.cleanup = append(d.cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		ledger := escrow.NewPostgresLedger(pool, sealer)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				d.Close()
				return nil, fmt.Errorf("migrate store: %w", err)
			}
			if err := ledger.Migrate(ctx); err != nil {
				d.Close()
				return nil, fmt.Errorf("migrate ledger: %w", err)
			}
		}
		d.store = pg
		d.ledger = ledger
		slog.Info("connected to PostgreSQL", "max_conns", cfg.Postgres.MaxConns)
	} else {
		slog.Warn("postgres dsn not set, using in-memory store and ledger (data will not persist)")
		d.store = store.NewMemoryStore()
		d.ledger = escrow.NewMemoryLedger(sealer)
	}

	d.locks = lock.NewKeyedMutex()
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		d.cleanup = append(d.cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			d.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		// The cache only fronts a durable store; an in-memory store is
		// already as fast as Redis.
		if cfg.Postgres.DSN != "" {
			d.store = store.NewCachedStore(d.store, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
		}
		d.locks = lock.NewRedisLocker(rdb, cfg.Redis.LockTTL.Duration, cfg.Redis.LockPoll.Duration)
		slog.Info("Redis market locks enabled", "ttl", cfg.Redis.LockTTL.Duration)
	}

	d.engine = market.NewEngine(d.store, d.ledger, d.sealer, d.locks)
	return d, nil
}
