package main

import (
	"context"
	stderrors "errors"
	"maps"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carlossalguero/tokenkeeper/internal/config"
	"github.com/carlossalguero/tokenkeeper/internal/provider"
	"github.com/carlossalguero/tokenkeeper/internal/scheduler"
	"github.com/carlossalguero/tokenkeeper/internal/shared/cache"
	"github.com/carlossalguero/tokenkeeper/internal/shared/consul"
	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
	"github.com/carlossalguero/tokenkeeper/internal/shared/health"
	"github.com/carlossalguero/tokenkeeper/internal/shared/logger"
	"github.com/carlossalguero/tokenkeeper/internal/shared/metrics"
	"github.com/carlossalguero/tokenkeeper/internal/token"
	"github.com/carlossalguero/tokenkeeper/internal/token/memory"
	"github.com/carlossalguero/tokenkeeper/internal/token/postgres"
	tokenredis "github.com/carlossalguero/tokenkeeper/internal/token/redis"
)

const dbStatsSchedule = "@every 15s"

// storeHandle is the selected token store plus what must be closed with it.
type storeHandle struct {
	store token.Store
	// cache is set for the redis driver and doubles as the sweep locker.
	cache *cache.Client
	close func()
}

func openStore(ctx context.Context, cfg *config.Config, checker *health.Checker, sched *scheduler.Scheduler, m *metrics.Metrics, log *logger.Logger) (*storeHandle, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if cfg.Database.Migrate {
			if err := postgres.RunMigrations(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
			log.Info("database migrations applied")
		}
		checker.Register("postgres", health.PingCheck("postgres", pool.Ping))
		if err := sched.AddJob("db-stats", dbStatsSchedule, func(context.Context) {
			recordPoolStats(m, pool)
		}); err != nil {
			pool.Close()
			return nil, err
		}
		return &storeHandle{store: postgres.New(pool), close: pool.Close}, nil

	case config.DriverRedis:
		client, err := cache.New(ctx, cfg.Redis)
		if err != nil {
			return nil, errors.Wrap(errors.CodeUnavailable, "connecting to redis", err)
		}
		checker.Register("redis", health.PingCheck("redis", client.Ping))
		return &storeHandle{
			store: tokenredis.New(client),
			cache: client,
			close: func() {
				if err := client.Close(); err != nil {
					log.Warn("redis close failed", "error", err.Error())
				}
			},
		}, nil

	default:
		log.Warn("using in-memory token store, tokens are lost on restart")
		return &storeHandle{store: memory.New(), close: func() {}}, nil
	}
}

func recordPoolStats(m *metrics.Metrics, pool *pgxpool.Pool) {
	stat := pool.Stat()
	m.SetDBConnections("postgres", int(stat.AcquiredConns()), int(stat.IdleConns()))
}

// loadProviders merges Consul-held providers over the file-configured ones
// and, when watching, keeps the registry in sync with later changes.
func loadProviders(ctx context.Context, client *consul.Client, registry *provider.Registry, cfg *config.Config, log *logger.Logger) error {
	key := cfg.Consul.ProvidersKey
	if err := registry.Load(ctx, client, key); err != nil {
		if !stderrors.Is(err, consul.ErrKeyNotFound) {
			return err
		}
		log.Warn("no providers stored in consul", "key", key)
	}

	if !cfg.Consul.Watch {
		return nil
	}

	go func() {
		for res := range client.Watch(ctx, key) {
			if res.Error != nil {
				log.Warn("consul provider watch failed", "key", key, "error", res.Error.Error())
				continue
			}
			remote, err := provider.ParseJSON(res.Value)
			if err != nil {
				log.Error("ignoring invalid provider document", "key", key, "error", err.Error())
				continue
			}

			if err := registry.Replace(mergeProviders(cfg.Providers, remote)); err != nil {
				log.Error("ignoring provider update", "key", key, "error", err.Error())
				continue
			}
			log.Info("providers reloaded from consul", "providers", registry.Names())
		}
	}()
	return nil
}

// mergeProviders overlays remote entries on the file-configured ones.
// Entries are keyed by canonical name, so a remote "Google" replaces a
// file "google" instead of competing with it.
func mergeProviders(local, remote map[string]provider.Config) map[string]provider.Config {
	merged := make(map[string]provider.Config, len(local)+len(remote))
	maps.Copy(merged, canonical(local))
	maps.Copy(merged, canonical(remote))
	return merged
}

func canonical(cfgs map[string]provider.Config) map[string]provider.Config {
	out := make(map[string]provider.Config, len(cfgs))
	for key, cfg := range cfgs {
		if cfg.Name == "" {
			cfg.Name = key
		}
		cfg.Name = provider.CanonicalName(cfg.Name)
		out[cfg.Name] = cfg
	}
	return out
}
