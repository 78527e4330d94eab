// Package remotetest checks that a remote.Backend honours the
// compare-and-swap contract the executor relies on.
package remotetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
)

// RunBackendTests exercises backend with keys unique to this run.
func RunBackendTests(t *testing.T, backend remote.Backend) {
	t.Helper()
	ctx := context.Background()
	prefix := "remotetest:" + uuid.NewString() + ":"

	t.Run("create only when absent", func(t *testing.T) {
		key := prefix + "create"
		t.Cleanup(func() { _ = backend.Remove(context.Background(), key) })

		_, found, err := backend.Load(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)

		ok, err := backend.CompareAndSwap(ctx, key, nil, []byte(`{"a":1}`), time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = backend.CompareAndSwap(ctx, key, nil, []byte(`{"a":2}`), time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		blob, found, err := backend.Load(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte(`{"a":1}`), blob.Data)
	})

	t.Run("update requires the loaded revision", func(t *testing.T) {
		key := prefix + "update"
		t.Cleanup(func() { _ = backend.Remove(context.Background(), key) })

		_, err := backend.CompareAndSwap(ctx, key, nil, []byte(`{"a":1}`), 0)
		require.NoError(t, err)
		first, _, err := backend.Load(ctx, key)
		require.NoError(t, err)

		ok, err := backend.CompareAndSwap(ctx, key, &first, []byte(`{"a":2}`), 0)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = backend.CompareAndSwap(ctx, key, &first, []byte(`{"a":3}`), 0)
		require.NoError(t, err)
		assert.False(t, ok, "stale revision")

		current, _, err := backend.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"a":2}`), current.Data)
	})

	t.Run("update of a removed entry fails", func(t *testing.T) {
		key := prefix + "removed"
		_, err := backend.CompareAndSwap(ctx, key, nil, []byte(`{"a":1}`), 0)
		require.NoError(t, err)
		blob, _, err := backend.Load(ctx, key)
		require.NoError(t, err)

		require.NoError(t, backend.Remove(ctx, key))
		ok, err := backend.CompareAndSwap(ctx, key, &blob, []byte(`{"a":2}`), 0)
		require.NoError(t, err)
		assert.False(t, ok)

		_, found, err := backend.Load(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)
		assert.NoError(t, backend.Remove(ctx, key), "removing a missing key is not an error")
	})

	t.Run("stale revision cannot overwrite a recreated entry", func(t *testing.T) {
		key := prefix + "recreated"
		t.Cleanup(func() { _ = backend.Remove(context.Background(), key) })

		ok, err := backend.CompareAndSwap(ctx, key, nil, []byte(`{"gen":"old"}`), 0)
		require.NoError(t, err)
		require.True(t, ok)
		stale, _, err := backend.Load(ctx, key)
		require.NoError(t, err)

		require.NoError(t, backend.Remove(ctx, key))
		ok, err = backend.CompareAndSwap(ctx, key, nil, []byte(`{"gen":"fresh"}`), 0)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = backend.CompareAndSwap(ctx, key, &stale, []byte(`{"gen":"stale-write"}`), 0)
		require.NoError(t, err)
		assert.False(t, ok, "revision read before the removal")

		current, found, err := backend.Load(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte(`{"gen":"fresh"}`), current.Data)
	})

	t.Run("concurrent executors never oversell", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping concurrency test in short mode")
		}
		key := prefix + "concurrent"
		t.Cleanup(func() { _ = backend.Remove(context.Background(), key) })

		bw, err := ratelimiter.NewBandwidth(20, 1, time.Hour)
		require.NoError(t, err)
		cfg := ratelimiter.MustConfiguration(bw)

		const workers = 8
		const attempts = 5
		var granted atomic.Int64
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				x := remote.NewExecutor(backend, remote.WithRetryStrategy(remote.ConstantRetry(time.Millisecond, 1000)))
				for range attempts {
					cmd := ratelimiter.CreateInitialStateAndExecute(cfg, ratelimiter.PrecisionInteger, ratelimiter.TryConsumeCommand(1))
					res, err := x.Execute(ctx, key, cmd)
					if assert.NoError(t, err) && res.Consumed {
						granted.Add(1)
					}
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(20), granted.Load())
	})
}
