package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/tokenbucket/core/config"
	"github.com/dmitrymomot/tokenbucket/core/health"
	"github.com/dmitrymomot/tokenbucket/core/logger"
	"github.com/dmitrymomot/tokenbucket/integration/database/mongo"
	"github.com/dmitrymomot/tokenbucket/integration/database/opensearch"
	"github.com/dmitrymomot/tokenbucket/integration/database/pg"
	"github.com/dmitrymomot/tokenbucket/integration/database/redis"
	"github.com/dmitrymomot/tokenbucket/integration/storage/s3"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
)

// storage is an opened backend with its probes, background loops and
// shutdown hooks.
type storage struct {
	backend remote.Backend
	checks  map[string]health.Check
	runners []func(ctx context.Context) func() error
	closers []func(ctx context.Context) error
}

func (s *storage) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i](ctx)
	}
}

// openStorage connects the backend named by cfg.Backend.
func openStorage(ctx context.Context, cfg Config, log *slog.Logger) (*storage, error) {
	log = log.With(logger.Backend(cfg.Backend))
	st := &storage{checks: map[string]health.Check{}}

	switch cfg.Backend {
	case BackendMemory:
		mem := remote.NewMemoryBackend(
			remote.WithMemoryCleanupInterval(cfg.PurgeInterval),
			remote.WithMemoryLogger(log),
		)
		st.backend = mem
		st.checks["memory"] = mem.Healthcheck
		st.runners = append(st.runners, mem.Run)

	case BackendRedis, BackendRedisLock:
		var rc redis.Config
		if err := config.Load(&rc); err != nil {
			return nil, err
		}
		client, err := redis.Connect(ctx, rc)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, closeRedis(client))
		st.checks["redis"] = redis.Healthcheck(client)
		if cfg.Backend == BackendRedisLock {
			st.backend = remote.NewLockingBackend(redis.NewLockStore(client, rc.LockTTL))
		} else {
			st.backend = redis.NewBackend(client)
		}

	case BackendPostgres:
		var pc pg.Config
		if err := config.Load(&pc); err != nil {
			return nil, err
		}
		pool, err := pg.Connect(ctx, pc)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, func(context.Context) error { pool.Close(); return nil })
		if err := pg.Migrate(ctx, pool, pc, log); err != nil {
			st.Close(ctx)
			return nil, err
		}
		b := pg.NewBackend(pool, pg.WithLogger(log))
		st.backend = b
		st.checks["postgres"] = pg.Healthcheck(pool)
		st.runners = append(st.runners, func(ctx context.Context) func() error {
			return b.Run(ctx, cfg.PurgeInterval)
		})

	case BackendMongo:
		var mc mongo.Config
		if err := config.Load(&mc); err != nil {
			return nil, err
		}
		db, err := mongo.NewWithDatabase(ctx, mc)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Client().Disconnect)
		b := mongo.NewBackend(db)
		if err := b.EnsureIndexes(ctx); err != nil {
			st.Close(ctx)
			return nil, err
		}
		st.backend = b
		st.checks["mongo"] = mongo.Healthcheck(db.Client())

	case BackendOpenSearch:
		var oc opensearch.Config
		if err := config.Load(&oc); err != nil {
			return nil, err
		}
		client, err := opensearch.New(ctx, oc)
		if err != nil {
			return nil, err
		}
		b := opensearch.NewBackend(client, oc.Index)
		if err := b.EnsureIndex(ctx); err != nil {
			return nil, err
		}
		st.backend = b
		st.checks["opensearch"] = opensearch.Healthcheck(client)

	case BackendS3:
		var sc s3.Config
		if err := config.Load(&sc); err != nil {
			return nil, err
		}
		b, err := s3.New(ctx, sc, s3.WithRequestTimeout(5*time.Second))
		if err != nil {
			return nil, err
		}
		st.backend = b

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}

	log.InfoContext(ctx, "storage backend ready")
	return st, nil
}

func closeRedis(client *goredis.Client) func(context.Context) error {
	return func(context.Context) error { return client.Close() }
}
