package ratelimiter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
)

var epoch = time.Unix(1_700_000_000, 0)

func bandwidth(t *testing.T, capacity, refill int64, period time.Duration, opts ...ratelimiter.BandwidthOption) ratelimiter.Bandwidth {
	t.Helper()
	bw, err := ratelimiter.NewBandwidth(capacity, refill, period, opts...)
	require.NoError(t, err)
	return bw
}

func configuration(t *testing.T, bws ...ratelimiter.Bandwidth) *ratelimiter.Configuration {
	t.Helper()
	cfg, err := ratelimiter.NewConfiguration(bws...)
	require.NoError(t, err)
	return cfg
}

func localBucket(t *testing.T, cfg *ratelimiter.Configuration, clock ratelimiter.Clock, opts ...ratelimiter.LocalOption) *ratelimiter.LocalBucket {
	t.Helper()
	opts = append([]ratelimiter.LocalOption{ratelimiter.WithClock(clock)}, opts...)
	b, err := ratelimiter.NewLocalBucket(cfg, opts...)
	require.NoError(t, err)
	return b
}

func integerSlots(t *testing.T, e *ratelimiter.Entry) []ratelimiter.IntegerSlot {
	t.Helper()
	s, ok := e.State.(*ratelimiter.IntegerState)
	require.True(t, ok, "expected integer state, got %T", e.State)
	return s.Slots
}

type recordingListener struct {
	consumed, rejected, parked, delayed int64
	interrupted                         []error
}

func (l *recordingListener) OnConsumed(tokens int64) { l.consumed += tokens }
func (l *recordingListener) OnRejected(tokens int64) { l.rejected += tokens }
func (l *recordingListener) OnParked(nanos int64)    { l.parked += nanos }
func (l *recordingListener) OnInterrupted(err error) { l.interrupted = append(l.interrupted, err) }
func (l *recordingListener) OnDelayed(nanos int64)   { l.delayed += nanos }
