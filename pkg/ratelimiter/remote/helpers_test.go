package remote_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
)

var epoch = time.Unix(1_700_000_000, 0)

func configuration(t *testing.T, capacity, refill int64, period time.Duration, opts ...ratelimiter.BandwidthOption) *ratelimiter.Configuration {
	t.Helper()
	bw, err := ratelimiter.NewBandwidth(capacity, refill, period, opts...)
	require.NoError(t, err)
	cfg, err := ratelimiter.NewConfiguration(bw)
	require.NoError(t, err)
	return cfg
}

// memoryBackend returns a backend whose expiry follows clock.
func memoryBackend(clock *ratelimiter.ManualClock) *remote.MemoryBackend {
	return remote.NewMemoryBackend(remote.WithMemoryTimeSource(func() time.Time {
		return time.Unix(0, clock.Nanos())
	}))
}

// countingSupplier counts how often the configuration is requested.
type countingSupplier struct {
	cfg   *ratelimiter.Configuration
	calls atomic.Int32
}

func (s *countingSupplier) supply(context.Context) (*ratelimiter.Configuration, error) {
	s.calls.Add(1)
	return s.cfg, nil
}

// hookBackend runs beforeCAS once, right before the first compare-and-swap
// reaches the wrapped backend.
type hookBackend struct {
	remote.Backend
	once      sync.Once
	beforeCAS func()
}

func (b *hookBackend) CompareAndSwap(ctx context.Context, key string, expected *remote.Blob, next []byte, ttl time.Duration) (bool, error) {
	b.once.Do(b.beforeCAS)
	return b.Backend.CompareAndSwap(ctx, key, expected, next, ttl)
}

// losingBackend never wins a compare-and-swap.
type losingBackend struct {
	remote.Backend
	swaps atomic.Int32
}

func (b *losingBackend) CompareAndSwap(context.Context, string, *remote.Blob, []byte, time.Duration) (bool, error) {
	b.swaps.Add(1)
	return false, nil
}

type failingBackend struct {
	remote.Backend
	err error
}

func (b *failingBackend) Load(context.Context, string) (remote.Blob, bool, error) {
	return remote.Blob{}, false, b.err
}

type recordingListener struct {
	ratelimiter.NopListener
	consumed atomic.Int64
	rejected atomic.Int64
}

func (l *recordingListener) OnConsumed(tokens int64) { l.consumed.Add(tokens) }
func (l *recordingListener) OnRejected(tokens int64) { l.rejected.Add(tokens) }
