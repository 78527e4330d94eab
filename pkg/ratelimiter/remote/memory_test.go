package remote_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote/remotetest"
)

func TestMemoryBackend_CompareAndSwap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("create only when absent", func(t *testing.T) {
		t.Parallel()
		b := remote.NewMemoryBackend()

		ok, err := b.CompareAndSwap(ctx, "k", nil, []byte("a"), 0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.CompareAndSwap(ctx, "k", nil, []byte("b"), 0)
		require.NoError(t, err)
		assert.False(t, ok)

		blob, found, err := b.Load(ctx, "k")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("a"), blob.Data)
	})

	t.Run("update requires the loaded stamp", func(t *testing.T) {
		t.Parallel()
		b := remote.NewMemoryBackend()
		_, err := b.CompareAndSwap(ctx, "k", nil, []byte("a"), 0)
		require.NoError(t, err)

		first, _, err := b.Load(ctx, "k")
		require.NoError(t, err)

		ok, err := b.CompareAndSwap(ctx, "k", &first, []byte("b"), 0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.CompareAndSwap(ctx, "k", &first, []byte("c"), 0)
		require.NoError(t, err)
		assert.False(t, ok, "stale stamp")

		ok, err = b.CompareAndSwap(ctx, "missing", &first, []byte("c"), 0)
		require.NoError(t, err)
		assert.False(t, ok, "expected entry is gone")

		stats := b.Stats()
		assert.Equal(t, int64(2), stats.Writes)
		assert.Equal(t, int64(2), stats.Conflicts)
		assert.Equal(t, 1, stats.Keys)
	})

	t.Run("loaded data is a copy", func(t *testing.T) {
		t.Parallel()
		b := remote.NewMemoryBackend()
		data := []byte("abc")
		_, err := b.CompareAndSwap(ctx, "k", nil, data, 0)
		require.NoError(t, err)
		data[0] = 'x'

		blob, _, err := b.Load(ctx, "k")
		require.NoError(t, err)
		blob.Data[1] = 'y'

		again, _, err := b.Load(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), again.Data)
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		b := remote.NewMemoryBackend()
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, _, err := b.Load(cancelled, "k")
		assert.ErrorIs(t, err, context.Canceled)
		_, err = b.CompareAndSwap(cancelled, "k", nil, []byte("a"), 0)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryBackend_Expiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := ratelimiter.NewManualClock(epoch)
	b := memoryBackend(clock)

	_, err := b.CompareAndSwap(ctx, "short", nil, []byte("a"), time.Second)
	require.NoError(t, err)
	_, err = b.CompareAndSwap(ctx, "forever", nil, []byte("b"), 0)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, found, err := b.Load(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found, "expired keys are invisible before cleanup")

	ok, err := b.CompareAndSwap(ctx, "short", nil, []byte("c"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "an expired key counts as absent")

	clock.Advance(time.Second)
	assert.Equal(t, 1, b.RemoveExpired())
	stats := b.Stats()
	assert.Equal(t, 1, stats.Keys)
	assert.Equal(t, int64(1), stats.Expired)
}

func TestMemoryBackend_Lock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := ratelimiter.NewManualClock(epoch)
	b := remote.NewMemoryBackend(
		remote.WithMemoryLockTTL(time.Second),
		remote.WithMemoryTimeSource(func() time.Time { return time.Unix(0, clock.Nanos()) }),
	)

	unlock, err := b.Lock(ctx, "k")
	require.NoError(t, err)

	_, err = b.Lock(ctx, "k")
	assert.ErrorIs(t, err, remote.ErrLockHeld)

	_, err = b.Lock(ctx, "other")
	assert.NoError(t, err, "locks are per key")

	require.NoError(t, unlock(ctx))
	unlock, err = b.Lock(ctx, "k")
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = b.Lock(ctx, "k")
	require.NoError(t, err, "abandoned locks expire")

	// releasing an expired lock leaves the new owner alone
	require.NoError(t, unlock(ctx))
	_, err = b.Lock(ctx, "k")
	assert.ErrorIs(t, err, remote.ErrLockHeld)
}

func TestMemoryBackend_StartStop(t *testing.T) {
	t.Parallel()

	t.Run("start and stop cleanup successfully", func(t *testing.T) {
		b := remote.NewMemoryBackend(remote.WithMemoryCleanupInterval(50 * time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			_ = b.Start(ctx)
		}()
		time.Sleep(10 * time.Millisecond)

		assert.True(t, b.Stats().IsRunning)
		assert.NoError(t, b.Healthcheck(ctx))
		assert.NoError(t, b.Stop())
		assert.False(t, b.Stats().IsRunning)
	})

	t.Run("fails to start when already started", func(t *testing.T) {
		b := remote.NewMemoryBackend(remote.WithMemoryCleanupInterval(50 * time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			_ = b.Start(ctx)
		}()
		time.Sleep(10 * time.Millisecond)

		err := b.Start(ctx)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already started")

		_ = b.Stop()
	})

	t.Run("fails to stop when not started", func(t *testing.T) {
		err := remote.NewMemoryBackend().Stop()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not started")
	})

	t.Run("fails to start with zero cleanup interval", func(t *testing.T) {
		b := remote.NewMemoryBackend(remote.WithMemoryCleanupInterval(0))

		err := b.Start(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cleanup interval must be > 0")
		assert.NoError(t, b.Healthcheck(context.Background()), "healthy when cleanup is disabled")
	})

	t.Run("unhealthy when cleanup configured but not running", func(t *testing.T) {
		err := remote.NewMemoryBackend().Healthcheck(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})

	t.Run("run with errgroup pattern", func(t *testing.T) {
		b := remote.NewMemoryBackend(remote.WithMemoryCleanupInterval(50 * time.Millisecond))

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			errCh <- b.Run(ctx)()
		}()
		time.Sleep(10 * time.Millisecond)
		assert.True(t, b.Stats().IsRunning)

		cancel()
		assert.NoError(t, <-errCh)
		assert.False(t, b.Stats().IsRunning)
	})

	t.Run("background loop removes expired keys", func(t *testing.T) {
		b := remote.NewMemoryBackend(remote.WithMemoryCleanupInterval(10 * time.Millisecond))
		_, err := b.CompareAndSwap(context.Background(), "k", nil, []byte("a"), time.Millisecond)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			_ = b.Start(ctx)
		}()

		assert.Eventually(t, func() bool {
			return b.Stats().Keys == 0
		}, time.Second, 5*time.Millisecond)
		_ = b.Stop()
	})
}

func TestMemoryBackend_Contract(t *testing.T) {
	t.Parallel()
	remotetest.RunBackendTests(t, remote.NewMemoryBackend())
}

func TestLockingBackend_Contract(t *testing.T) {
	t.Parallel()
	remotetest.RunBackendTests(t, remote.NewLockingBackend(remote.NewMemoryBackend()))
}
