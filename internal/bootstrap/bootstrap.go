// Package bootstrap wires configuration into the stores and clients shared
// by the api, worker and jobctl binaries.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dataset-job-orchestrator/internal/config"
	"dataset-job-orchestrator/internal/entitystore"
	"dataset-job-orchestrator/internal/logging"
	"dataset-job-orchestrator/internal/store"
	"dataset-job-orchestrator/internal/tracer"
)

// Deps holds the process-wide collaborators.
type Deps struct {
	Config   config.Config
	Log      *logrus.Logger
	Jobs     store.JobStore
	Entities entitystore.Store
	pg       *store.Store
	redis    *redis.Client
}

// Logger builds the process logger from configuration.
func Logger(cfg config.Config) *logrus.Logger {
	return logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Debug: cfg.Debug})
}

// Open connects the job and entity stores. With IN_MEMORY_DB both live in
// process; otherwise they share one Postgres pool, migrated when migrate is
// set.
func Open(ctx context.Context, cfg config.Config, migrate bool) (*Deps, error) {
	d := &Deps{Config: cfg, Log: Logger(cfg)}
	if cfg.InMemoryDB {
		d.Log.Warn("using in-memory stores, nothing is persisted")
		d.Jobs = store.NewMemory()
		d.Entities = entitystore.NewMemory()
		return d, nil
	}
	pg, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if migrate {
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}
	d.pg = pg
	d.Jobs = pg
	d.Entities = entitystore.NewPostgres(pg.Pool())
	return d, nil
}

// Migrate runs the schema migrations. It is a no-op for in-memory stores.
func (d *Deps) Migrate(ctx context.Context) error {
	if d.pg == nil {
		return nil
	}
	return d.pg.RunMigrations(ctx)
}

// Redis returns the shared Redis client, connecting on first use.
func (d *Deps) Redis() *redis.Client {
	if d.redis == nil {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     d.Config.RedisAddr,
			Password: d.Config.RedisPassword,
			DB:       d.Config.RedisDB,
		})
	}
	return d.redis
}

// Tracer returns the Redis trace sink when tracing is enabled, else nil.
func (d *Deps) Tracer() tracer.Sink {
	if !d.Config.TracerEnabled {
		return nil
	}
	return tracer.NewRedis(d.Redis(), d.Config.TracerTTL)
}

func (d *Deps) Close() {
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.pg != nil {
		d.pg.Close()
	}
}
