package ratelimiter

import (
	"sync/atomic"
	"time"
)

// Clock supplies the current time in nanoseconds.
type Clock interface {
	Nanos() int64
	// IsWallClock reports whether Nanos is Unix time. Aligned bandwidths
	// need a wall clock because their boundaries are pinned to Unix time.
	IsWallClock() bool
}

type monotonicClock struct {
	origin time.Time
}

// MonotonicClock measures time from its creation using the monotonic
// reading of time.Now. It is immune to wall-clock jumps.
func MonotonicClock() Clock {
	return monotonicClock{origin: time.Now()}
}

func (c monotonicClock) Nanos() int64      { return int64(time.Since(c.origin)) }
func (c monotonicClock) IsWallClock() bool { return false }

type wallClock struct{}

// WallClock returns Unix nanoseconds. Distributed buckets use it so that
// every process agrees on timestamps stored in shared state.
func WallClock() Clock {
	return wallClock{}
}

func (wallClock) Nanos() int64      { return time.Now().UnixNano() }
func (wallClock) IsWallClock() bool { return true }

// ManualClock is a clock moved explicitly by the caller. It is safe for
// concurrent use and reports itself as a wall clock.
type ManualClock struct {
	nanos atomic.Int64
}

// NewManualClock returns a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	c := &ManualClock{}
	c.nanos.Store(start.UnixNano())
	return c
}

func (c *ManualClock) Nanos() int64      { return c.nanos.Load() }
func (c *ManualClock) IsWallClock() bool { return true }

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.nanos.Add(int64(d))
}

// Set moves the clock to t. Moving backwards is allowed: refill ignores it.
func (c *ManualClock) Set(t time.Time) {
	c.nanos.Store(t.UnixNano())
}

// CheckClock reports ErrAlignmentRequiresWallClock when cfg pins refill to
// wall-clock time but clock is not a wall clock.
func CheckClock(cfg *Configuration, clock Clock) error {
	if cfg.HasAlignedBandwidth() && !clock.IsWallClock() {
		return ErrAlignmentRequiresWallClock
	}
	return nil
}
