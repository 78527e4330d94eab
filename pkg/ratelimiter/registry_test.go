package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
)

func newRegistry(t *testing.T, opts ...ratelimiter.RegistryOption) *ratelimiter.Registry {
	t.Helper()
	cfg := configuration(t, bandwidth(t, 10, 10, 10*time.Second))
	r, err := ratelimiter.NewRegistry(cfg, opts...)
	require.NoError(t, err)
	return r
}

func TestRegistry_AllowN(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("consumes per key", func(t *testing.T) {
		clock := ratelimiter.NewManualClock(epoch)
		r := newRegistry(t, ratelimiter.WithBucketOptions(ratelimiter.WithClock(clock)))

		result, err := r.AllowN(ctx, "user:1", 4)
		require.NoError(t, err)
		assert.True(t, result.Allowed())
		assert.Equal(t, int64(10), result.Limit)
		assert.Equal(t, int64(6), result.Remaining)
		assert.Zero(t, result.RetryAfter())
		assert.Equal(t, 4*time.Second, result.ResetAfter)

		result, err = r.Allow(ctx, "user:2")
		require.NoError(t, err)
		assert.Equal(t, int64(9), result.Remaining)
	})

	t.Run("denies with retry guidance", func(t *testing.T) {
		clock := ratelimiter.NewManualClock(epoch)
		r := newRegistry(t, ratelimiter.WithBucketOptions(ratelimiter.WithClock(clock)))

		_, err := r.AllowN(ctx, "k", 10)
		require.NoError(t, err)

		result, err := r.AllowN(ctx, "k", 3)
		require.NoError(t, err)
		assert.False(t, result.Allowed())
		assert.Equal(t, int64(0), result.Remaining)
		assert.Equal(t, 3*time.Second, result.RetryAfter())

		clock.Advance(3 * time.Second)
		result, err = r.AllowN(ctx, "k", 3)
		require.NoError(t, err)
		assert.True(t, result.Allowed())
	})

	t.Run("rejects invalid token count", func(t *testing.T) {
		r := newRegistry(t)

		_, err := r.AllowN(ctx, "k", 0)
		assert.ErrorIs(t, err, ratelimiter.ErrInvalidTokenCount)
	})

	t.Run("rejects cancelled context", func(t *testing.T) {
		r := newRegistry(t)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := r.Allow(cancelled, "k")
		assert.ErrorIs(t, err, ratelimiter.ErrContextCancelled)
	})

	t.Run("reset starts the key over", func(t *testing.T) {
		r := newRegistry(t)

		_, err := r.AllowN(ctx, "k", 10)
		require.NoError(t, err)
		require.NoError(t, r.Reset(ctx, "k"))
		require.NoError(t, r.Reset(ctx, "missing"))

		result, err := r.Allow(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(9), result.Remaining)
	})

	t.Run("invalid configuration fails at construction", func(t *testing.T) {
		_, err := ratelimiter.NewRegistry(&ratelimiter.Configuration{})
		assert.ErrorIs(t, err, ratelimiter.ErrEmptyConfiguration)
	})
}

func TestRegistry_StartStop(t *testing.T) {
	t.Parallel()

	t.Run("start and stop cleanup successfully", func(t *testing.T) {
		r := newRegistry(t, ratelimiter.WithCleanupInterval(50*time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			_ = r.Start(ctx)
		}()
		time.Sleep(10 * time.Millisecond)

		assert.True(t, r.Stats().IsRunning)
		assert.NoError(t, r.Stop())
		assert.False(t, r.Stats().IsRunning)
	})

	t.Run("fails to start when already started", func(t *testing.T) {
		r := newRegistry(t, ratelimiter.WithCleanupInterval(50*time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			_ = r.Start(ctx)
		}()
		time.Sleep(10 * time.Millisecond)

		err := r.Start(ctx)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already started")

		_ = r.Stop()
	})

	t.Run("fails to stop when not started", func(t *testing.T) {
		r := newRegistry(t)

		err := r.Stop()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not started")
	})

	t.Run("fails to start with zero cleanup interval", func(t *testing.T) {
		r := newRegistry(t, ratelimiter.WithCleanupInterval(0))

		err := r.Start(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cleanup interval must be > 0")
	})
}

func TestRegistry_Run(t *testing.T) {
	t.Parallel()

	t.Run("run with errgroup pattern", func(t *testing.T) {
		r := newRegistry(t, ratelimiter.WithCleanupInterval(50*time.Millisecond))

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			errCh <- r.Run(ctx)()
		}()
		time.Sleep(10 * time.Millisecond)
		assert.True(t, r.Stats().IsRunning)

		cancel()
		assert.NoError(t, <-errCh)
		assert.False(t, r.Stats().IsRunning)
	})
}

func TestRegistry_Cleanup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("tracks bucket creation and removal", func(t *testing.T) {
		r := newRegistry(t, ratelimiter.WithStaleAfter(20*time.Millisecond))

		for _, key := range []string{"key1", "key2", "key3"} {
			_, err := r.Allow(ctx, key)
			require.NoError(t, err)
		}

		stats := r.Stats()
		assert.Equal(t, int64(3), stats.BucketsCreated)
		assert.Equal(t, 3, stats.ActiveBuckets)
		assert.Equal(t, int64(0), stats.BucketsRemoved)

		time.Sleep(30 * time.Millisecond)
		_, err := r.Allow(ctx, "key1")
		require.NoError(t, err)

		assert.Equal(t, 2, r.RemoveStale())
		stats = r.Stats()
		assert.Equal(t, int64(2), stats.BucketsRemoved)
		assert.Equal(t, 1, stats.ActiveBuckets)
	})

	t.Run("background loop removes stale keys", func(t *testing.T) {
		r := newRegistry(t,
			ratelimiter.WithCleanupInterval(10*time.Millisecond),
			ratelimiter.WithStaleAfter(time.Millisecond),
		)
		_, err := r.Allow(ctx, "short-lived")
		require.NoError(t, err)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			_ = r.Start(runCtx)
		}()

		assert.Eventually(t, func() bool {
			return r.Stats().ActiveBuckets == 0
		}, time.Second, 5*time.Millisecond)
		_ = r.Stop()
	})
}

func TestRegistry_Healthcheck(t *testing.T) {
	t.Parallel()

	t.Run("healthy when cleanup disabled", func(t *testing.T) {
		r := newRegistry(t, ratelimiter.WithCleanupInterval(0))
		assert.NoError(t, r.Healthcheck(context.Background()))
	})

	t.Run("unhealthy when cleanup configured but not running", func(t *testing.T) {
		r := newRegistry(t, ratelimiter.WithCleanupInterval(time.Minute))
		err := r.Healthcheck(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})

	t.Run("healthy when cleanup running", func(t *testing.T) {
		r := newRegistry(t, ratelimiter.WithCleanupInterval(time.Minute))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			_ = r.Start(ctx)
		}()
		assert.Eventually(t, func() bool {
			return r.Healthcheck(ctx) == nil
		}, time.Second, 5*time.Millisecond)
		_ = r.Stop()
	})
}
