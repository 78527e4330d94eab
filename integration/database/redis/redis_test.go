package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbucket/integration/database/redis"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote/remotetest"
)

func connect(t *testing.T) *goredis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL is not set")
	}

	cfg := redis.DefaultConfig()
	cfg.ConnectionURL = url
	cfg.RetryAttempts = 1
	cfg.RetryInterval = 100 * time.Millisecond
	cfg.ConnectTimeout = 3 * time.Second

	client, err := redis.Connect(context.Background(), cfg)
	if err != nil {
		t.Skipf("Skipping integration test: Redis not available (%v)", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestConnect(t *testing.T) {
	t.Parallel()

	t.Run("empty url", func(t *testing.T) {
		_, err := redis.Connect(context.Background(), redis.Config{})
		assert.ErrorIs(t, err, redis.ErrEmptyConnectionURL)
	})

	t.Run("malformed url", func(t *testing.T) {
		_, err := redis.Connect(context.Background(), redis.Config{ConnectionURL: "http://localhost"})
		assert.ErrorIs(t, err, redis.ErrFailedToParseRedisConnString)
	})

	t.Run("healthcheck", func(t *testing.T) {
		client := connect(t)
		assert.NoError(t, redis.Healthcheck(client)(context.Background()))
	})
}

func TestBackend(t *testing.T) {
	t.Parallel()
	remotetest.RunBackendTests(t, redis.NewBackend(connect(t)))
}

func TestBackend_TTL(t *testing.T) {
	t.Parallel()
	client := connect(t)
	ctx := context.Background()
	b := redis.NewBackend(client)
	key := "redis-test:" + uuid.NewString()
	t.Cleanup(func() { _ = client.Del(context.Background(), key).Err() })

	_, err := b.CompareAndSwap(ctx, key, nil, []byte("a"), time.Minute)
	require.NoError(t, err)
	ttl, err := client.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	blob, _, err := b.Load(ctx, key)
	require.NoError(t, err)
	ok, err := b.CompareAndSwap(ctx, key, &blob, []byte("b"), 0)
	require.NoError(t, err)
	require.True(t, ok)

	ttl, err = client.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl, "zero ttl persists the key")
}

func TestLockStore(t *testing.T) {
	t.Parallel()
	client := connect(t)

	t.Run("contract", func(t *testing.T) {
		remotetest.RunBackendTests(t, remote.NewLockingBackend(redis.NewLockStore(client, time.Second)))
	})

	t.Run("lock is exclusive until released", func(t *testing.T) {
		ctx := context.Background()
		store := redis.NewLockStore(client, time.Minute)
		key := "redis-test:" + uuid.NewString()

		unlock, err := store.Lock(ctx, key)
		require.NoError(t, err)
		_, err = store.Lock(ctx, key)
		assert.ErrorIs(t, err, remote.ErrLockHeld)

		require.NoError(t, unlock(ctx))
		unlock, err = store.Lock(ctx, key)
		require.NoError(t, err)
		require.NoError(t, unlock(ctx))
	})
}
