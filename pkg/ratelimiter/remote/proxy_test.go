package remote_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbucket/pkg/async"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
)

func newManager(clock *ratelimiter.ManualClock, opts ...remote.Option) *remote.ProxyManager {
	opts = append([]remote.Option{remote.WithClock(clock)}, opts...)
	return remote.NewProxyManager(memoryBackend(clock), opts...)
}

func TestBucketProxyRecovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("supplier is called lazily once", func(t *testing.T) {
		t.Parallel()
		clock := ratelimiter.NewManualClock(epoch)
		m := newManager(clock)
		supplier := &countingSupplier{cfg: configuration(t, 10, 1, time.Second)}

		proxy := m.Builder().Build("k", supplier.supply)
		assert.Zero(t, supplier.calls.Load(), "building a proxy does not fetch the configuration")

		ok, err := proxy.TryConsume(ctx, 3)
		require.NoError(t, err)
		assert.True(t, ok)

		tokens, err := proxy.AvailableTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(7), tokens)
		assert.Equal(t, int32(1), supplier.calls.Load())
	})

	t.Run("reconstruct recreates a removed bucket", func(t *testing.T) {
		t.Parallel()
		clock := ratelimiter.NewManualClock(epoch)
		m := newManager(clock)
		supplier := &countingSupplier{cfg: configuration(t, 10, 1, time.Second)}
		proxy := m.Builder().Build("k", supplier.supply)

		_, err := proxy.TryConsume(ctx, 10)
		require.NoError(t, err)
		require.NoError(t, m.Remove(ctx, "k"))

		tokens, err := proxy.AvailableTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(10), tokens)
		assert.Equal(t, int32(2), supplier.calls.Load())
	})

	t.Run("throw fails only after the bucket was observed", func(t *testing.T) {
		t.Parallel()
		clock := ratelimiter.NewManualClock(epoch)
		m := newManager(clock)
		supplier := &countingSupplier{cfg: configuration(t, 10, 1, time.Second)}
		builder := m.Builder().WithRecoveryStrategy(remote.RecoveryThrowBucketNotFound)

		proxy := builder.Build("k", supplier.supply)
		ok, err := proxy.TryConsume(ctx, 1)
		require.NoError(t, err, "first access reconstructs")
		assert.True(t, ok)

		require.NoError(t, m.Remove(ctx, "k"))
		_, err = proxy.TryConsume(ctx, 1)
		assert.ErrorIs(t, err, remote.ErrBucketNotFound)

		fresh := builder.Build("k", supplier.supply)
		ok, err = fresh.TryConsume(ctx, 1)
		require.NoError(t, err, "a proxy that never saw the bucket reconstructs")
		assert.True(t, ok)
	})

	t.Run("supplier errors are returned", func(t *testing.T) {
		t.Parallel()
		clock := ratelimiter.NewManualClock(epoch)
		boom := errors.New("config service down")
		proxy := newManager(clock).Builder().Build("k", func(context.Context) (*ratelimiter.Configuration, error) {
			return nil, boom
		})

		_, err := proxy.TryConsume(ctx, 1)
		assert.ErrorIs(t, err, boom)

		nilProxy := newManager(clock).Builder().Build("k", func(context.Context) (*ratelimiter.Configuration, error) {
			return nil, nil
		})
		_, err = nilProxy.TryConsume(ctx, 1)
		assert.ErrorIs(t, err, remote.ErrNilSupplier)
	})

	t.Run("concurrent first access shares one supplier call", func(t *testing.T) {
		t.Parallel()
		clock := ratelimiter.NewManualClock(epoch)
		m := newManager(clock, remote.WithRetryStrategy(remote.ConstantRetry(time.Microsecond, 1000)))
		cfg := configuration(t, 100, 1, time.Second)

		var calls atomic.Int32
		supplier := func(context.Context) (*ratelimiter.Configuration, error) {
			calls.Add(1)
			time.Sleep(50 * time.Millisecond)
			return cfg, nil
		}

		const callers = 8
		var wg sync.WaitGroup
		var consumed atomic.Int64
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := m.Builder().Build("k", supplier).TryConsume(ctx, 1)
				if assert.NoError(t, err) && ok {
					consumed.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(callers), consumed.Load())
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestBucketProxyOperations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	setup := func(t *testing.T) (*ratelimiter.ManualClock, *remote.BucketProxy, *recordingListener) {
		clock := ratelimiter.NewManualClock(epoch)
		listener := &recordingListener{}
		proxy := newManager(clock).Builder().
			WithListener(listener).
			Build("k", remote.StaticConfiguration(configuration(t, 10, 1, time.Second)))
		return clock, proxy, listener
	}

	t.Run("probes and estimates", func(t *testing.T) {
		t.Parallel()
		_, proxy, listener := setup(t)

		probe, err := proxy.TryConsumeAndReturnRemaining(ctx, 4)
		require.NoError(t, err)
		assert.True(t, probe.Consumed)
		assert.Equal(t, int64(6), probe.RemainingTokens)
		assert.Equal(t, 4*time.Second, probe.WaitForReset())

		probe, err = proxy.TryConsumeAndReturnRemaining(ctx, 8)
		require.NoError(t, err)
		assert.False(t, probe.Consumed)
		assert.Equal(t, 2*time.Second, probe.WaitForRefill())

		estimate, err := proxy.EstimateAbilityToConsume(ctx, 7)
		require.NoError(t, err)
		assert.False(t, estimate.CanBeConsumed)
		assert.Equal(t, time.Second, estimate.Wait())

		assert.Equal(t, int64(4), listener.consumed.Load())
		assert.Equal(t, int64(8), listener.rejected.Load())
	})

	t.Run("as much as possible", func(t *testing.T) {
		t.Parallel()
		_, proxy, _ := setup(t)

		n, err := proxy.TryConsumeAsMuchAsPossible(ctx, 25)
		require.NoError(t, err)
		assert.Equal(t, int64(10), n)

		n, err = proxy.TryConsumeAsMuchAsPossible(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("reservation and debt", func(t *testing.T) {
		t.Parallel()
		clock, proxy, _ := setup(t)

		delay, err := proxy.ReserveAndCalculateSleep(ctx, 10, 5*time.Second)
		require.NoError(t, err)
		assert.Zero(t, delay)

		delay, err = proxy.ReserveAndCalculateSleep(ctx, 2, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 2*time.Second, delay)

		delay, err = proxy.ReserveAndCalculateSleep(ctx, 4, time.Second)
		require.NoError(t, err)
		assert.Equal(t, ratelimiter.InfiniteDuration, delay)

		delay, err = proxy.ReserveAndCalculateSleep(ctx, 11, ratelimiter.InfiniteDuration)
		require.NoError(t, err)
		assert.Equal(t, ratelimiter.InfiniteDuration, delay, "more than capacity is never reserved")

		penalty, err := proxy.ConsumeIgnoringRateLimits(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, penalty)

		clock.Advance(5 * time.Second)
		tokens, err := proxy.AvailableTokens(ctx)
		require.NoError(t, err)
		assert.Zero(t, tokens)
	})

	t.Run("add force and reset", func(t *testing.T) {
		t.Parallel()
		_, proxy, _ := setup(t)

		_, err := proxy.TryConsume(ctx, 10)
		require.NoError(t, err)
		require.NoError(t, proxy.AddTokens(ctx, 4))
		require.NoError(t, proxy.ForceAddTokens(ctx, 20))

		tokens, err := proxy.AvailableTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(24), tokens)

		require.NoError(t, proxy.Reset(ctx))
		tokens, err = proxy.AvailableTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(10), tokens)
	})

	t.Run("snapshot copies the stored entry", func(t *testing.T) {
		t.Parallel()
		_, proxy, _ := setup(t)
		_, err := proxy.TryConsume(ctx, 2)
		require.NoError(t, err)

		entry, err := proxy.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(10), entry.Config.MinCapacity())
		assert.Equal(t, int64(8), entry.State.AvailableTokens())
	})

	t.Run("blocking consume parks for the reserved delay", func(t *testing.T) {
		t.Parallel()
		_, proxy, _ := setup(t)

		var parked []time.Duration
		blocking := proxy.Blocking(ratelimiter.WithParker(func(_ context.Context, d time.Duration) error {
			parked = append(parked, d)
			return nil
		}))

		require.NoError(t, blocking.Consume(ctx, 10))
		require.NoError(t, blocking.Consume(ctx, 3))
		assert.Equal(t, []time.Duration{3 * time.Second}, parked)

		err := blocking.Consume(ctx, 11)
		assert.ErrorIs(t, err, ratelimiter.ErrReservationOverflow)
	})

	t.Run("async variants", func(t *testing.T) {
		t.Parallel()
		_, proxy, _ := setup(t)

		results, err := async.WaitAll(
			proxy.TryConsumeAsync(ctx, 4),
			proxy.TryConsumeAsync(ctx, 4),
			proxy.TryConsumeAsync(ctx, 4),
		)
		require.NoError(t, err)

		granted := 0
		for _, ok := range results {
			if ok {
				granted++
			}
		}
		assert.Equal(t, 2, granted)

		require.NoError(t, async.ExecAll(proxy.AddTokensAsync(ctx, 1), proxy.ResetAsync(ctx)))

		tokens, err := proxy.AvailableTokensAsync(ctx).Await()
		require.NoError(t, err)
		assert.Equal(t, int64(10), tokens)

		probe, err := proxy.TryConsumeAndReturnRemainingAsync(ctx, 1).AwaitWithTimeout(time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(9), probe.RemainingTokens)
	})
}

func TestBucketProxyConfigurationReplacement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("explicit replacement rejects incompatible configurations", func(t *testing.T) {
		t.Parallel()
		clock := ratelimiter.NewManualClock(epoch)
		proxy := newManager(clock).Builder().Build("k", remote.StaticConfiguration(configuration(t, 10, 1, time.Second)))

		first, err := ratelimiter.NewBandwidth(10, 1, time.Second)
		require.NoError(t, err)
		second, err := ratelimiter.NewBandwidth(100, 1, time.Minute)
		require.NoError(t, err)
		twoBands := ratelimiter.MustConfiguration(first, second)

		err = proxy.ReplaceConfiguration(ctx, twoBands, ratelimiter.MigrationAsIs)
		var incompatible *ratelimiter.IncompatibleConfigurationError
		require.ErrorAs(t, err, &incompatible)
		assert.ErrorIs(t, err, ratelimiter.ErrIncompatibleConfiguration)

		require.NoError(t, proxy.ReplaceConfiguration(ctx, twoBands, ratelimiter.MigrationReset))
		snapshot, err := proxy.Snapshot(ctx)
		require.NoError(t, err)
		assert.Len(t, snapshot.Config.Bandwidths, 2)
	})

	t.Run("implicit replacement upgrades older versions only", func(t *testing.T) {
		t.Parallel()
		clock := ratelimiter.NewManualClock(epoch)
		m := newManager(clock)
		v1 := configuration(t, 10, 1, time.Second)
		v2 := configuration(t, 20, 1, time.Second)

		oldProxy := m.Builder().
			WithImplicitConfigurationReplacement(1, ratelimiter.MigrationAsIs).
			Build("k", remote.StaticConfiguration(v1))
		ok, err := oldProxy.TryConsume(ctx, 4)
		require.NoError(t, err)
		require.True(t, ok)

		supplier := &countingSupplier{cfg: v2}
		newProxy := m.Builder().
			WithImplicitConfigurationReplacement(2, ratelimiter.MigrationAsIs).
			Build("k", supplier.supply)

		probe, err := newProxy.TryConsumeAndReturnRemaining(ctx, 1)
		require.NoError(t, err)
		assert.True(t, probe.Consumed)
		assert.Equal(t, int64(5), probe.RemainingTokens, "as-is keeps 6 tokens, then one is consumed")
		assert.Equal(t, int32(1), supplier.calls.Load())

		cfg, err := m.Configuration(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(20), cfg.MinCapacity())

		// an older writer never downgrades
		_, err = oldProxy.TryConsume(ctx, 1)
		require.NoError(t, err)
		cfg, err = m.Configuration(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(20), cfg.MinCapacity())

		// equal versions leave the configuration alone
		_, err = newProxy.TryConsume(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int32(1), supplier.calls.Load())
	})

	t.Run("implicit replacement skips the compatibility check", func(t *testing.T) {
		t.Parallel()
		clock := ratelimiter.NewManualClock(epoch)
		m := newManager(clock)

		_, err := m.Builder().
			WithImplicitConfigurationReplacement(1, ratelimiter.MigrationAsIs).
			Build("k", remote.StaticConfiguration(configuration(t, 10, 1, time.Second))).
			TryConsume(ctx, 1)
		require.NoError(t, err)

		first, err := ratelimiter.NewBandwidth(10, 1, time.Second, ratelimiter.WithID("second"))
		require.NoError(t, err)
		second, err := ratelimiter.NewBandwidth(50, 1, time.Minute, ratelimiter.WithID("minute"))
		require.NoError(t, err)
		wider := ratelimiter.MustConfiguration(first, second)

		_, err = m.Builder().
			WithImplicitConfigurationReplacement(2, ratelimiter.MigrationAsIs).
			Build("k", remote.StaticConfiguration(wider)).
			TryConsume(ctx, 1)
		require.NoError(t, err)

		cfg, err := m.Configuration(ctx, "k")
		require.NoError(t, err)
		assert.Len(t, cfg.Bandwidths, 2)
	})

	t.Run("configuration of a missing key", func(t *testing.T) {
		t.Parallel()
		_, err := newManager(ratelimiter.NewManualClock(epoch)).Configuration(ctx, "missing")
		assert.ErrorIs(t, err, remote.ErrBucketNotFound)
	})
}

func TestLimiter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := ratelimiter.NewManualClock(epoch)
	m := newManager(clock)

	limiter, err := remote.NewLimiter(m.Builder(), configuration(t, 2, 1, time.Second))
	require.NoError(t, err)

	res, err := limiter.Allow(ctx, "client")
	require.NoError(t, err)
	assert.True(t, res.Allowed())
	assert.Equal(t, int64(2), res.Limit)
	assert.Equal(t, int64(1), res.Remaining)
	assert.NoError(t, res.Err())

	res, err = limiter.AllowN(ctx, "client", 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed())
	assert.Equal(t, time.Second, res.RetryAfter())
	assert.ErrorIs(t, res.Err(), ratelimiter.ErrRateLimitExceeded)

	res, err = limiter.Allow(ctx, "other")
	require.NoError(t, err)
	assert.True(t, res.Allowed(), "keys are independent")

	require.NoError(t, limiter.Reset(ctx, "client"))
	res, err = limiter.AllowN(ctx, "client", 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed())

	_, err = remote.NewLimiter(m.Builder(), nil)
	assert.ErrorIs(t, err, ratelimiter.ErrEmptyConfiguration)
}
