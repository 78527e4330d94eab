package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Synchronization selects how a LocalBucket protects its state.
type Synchronization uint8

const (
	// LockFree publishes immutable snapshots through an atomic pointer and
	// retries on a lost compare-and-swap. Callers never block.
	LockFree Synchronization = iota
	// Mutex guards in-place updates with a sync.Mutex.
	Mutex
	// Unsynchronized does no locking; the caller guarantees exclusive access.
	Unsynchronized
)

func (s Synchronization) String() string {
	switch s {
	case LockFree:
		return "lock_free"
	case Mutex:
		return "mutex"
	case Unsynchronized:
		return "unsynchronized"
	}
	return fmt.Sprintf("synchronization(%d)", uint8(s))
}

// LocalOption configures a LocalBucket.
type LocalOption func(*localOptions)

type localOptions struct {
	sync      Synchronization
	precision Precision
	clock     Clock
	listener  Listener
}

// WithSynchronization selects the concurrency strategy. Default: LockFree.
func WithSynchronization(s Synchronization) LocalOption {
	return func(o *localOptions) {
		o.sync = s
	}
}

// WithPrecision selects the numeric state representation. Default: PrecisionInteger.
func WithPrecision(p Precision) LocalOption {
	return func(o *localOptions) {
		o.precision = p
	}
}

// WithClock sets the time source. Default: MonotonicClock.
func WithClock(c Clock) LocalOption {
	return func(o *localOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithListener registers an observer for committed operations.
func WithListener(l Listener) LocalOption {
	return func(o *localOptions) {
		if l != nil {
			o.listener = l
		}
	}
}

// LocalBucket is an in-process token bucket. All strategies run the same
// Entry operations, so they produce identical results for the same call
// sequence and differ only in concurrency behavior.
type LocalBucket struct {
	cell     cell
	clock    Clock
	listener Listener
}

// NewLocalBucket creates a bucket for cfg. The clock must be a wall clock
// when cfg contains aligned bandwidths.
func NewLocalBucket(cfg *Configuration, opts ...LocalOption) (*LocalBucket, error) {
	o := localOptions{
		sync:      LockFree,
		precision: PrecisionInteger,
		clock:     MonotonicClock(),
		listener:  NopListener{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := CheckClock(cfg, o.clock); err != nil {
		return nil, err
	}

	entry := NewEntry(cfg, o.precision, o.clock.Nanos())

	var c cell
	switch o.sync {
	case LockFree:
		lf := &lockFreeCell{}
		lf.ref.Store(entry)
		c = lf
	case Mutex:
		c = &mutexCell{entry: entry}
	case Unsynchronized:
		c = &plainCell{entry: entry}
	default:
		return nil, fmt.Errorf("%w: unknown synchronization %s", ErrInvalidConfig, o.sync)
	}

	return &LocalBucket{cell: c, clock: o.clock, listener: o.listener}, nil
}

// cell owns the shared entry of a bucket.
type cell interface {
	// apply runs op against the current entry and publishes the result.
	// When op fails nothing is published.
	apply(clock Clock, op func(e *Entry, now int64) error) error
	config() *Configuration
}

type lockFreeCell struct {
	ref atomic.Pointer[Entry]
}

func (c *lockFreeCell) apply(clock Clock, op func(*Entry, int64) error) error {
	current := c.ref.Load()
	scratch := current.Clone()
	now := clock.Nanos()
	for {
		if err := op(scratch, now); err != nil {
			return err
		}
		if c.ref.CompareAndSwap(current, scratch) {
			return nil
		}
		// lost the race: recompute from the winner's state in the same scratch
		current = c.ref.Load()
		scratch.CopyFrom(current)
	}
}

func (c *lockFreeCell) config() *Configuration {
	return c.ref.Load().Config
}

type mutexCell struct {
	mu    sync.Mutex
	entry *Entry
}

func (c *mutexCell) apply(clock Clock, op func(*Entry, int64) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return op(c.entry, clock.Nanos())
}

func (c *mutexCell) config() *Configuration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry.Config
}

type plainCell struct {
	entry *Entry
}

func (c *plainCell) apply(clock Clock, op func(*Entry, int64) error) error {
	return op(c.entry, clock.Nanos())
}

func (c *plainCell) config() *Configuration {
	return c.entry.Config
}

func (b *LocalBucket) run(op func(e *Entry, now int64)) {
	_ = b.cell.apply(b.clock, func(e *Entry, now int64) error {
		op(e, now)
		return nil
	})
}

// Configuration returns the configuration currently in effect.
func (b *LocalBucket) Configuration() *Configuration {
	return b.cell.config()
}

// AvailableTokens refills and returns the tokens of the most restrictive bandwidth.
func (b *LocalBucket) AvailableTokens() int64 {
	var available int64
	b.run(func(e *Entry, now int64) {
		available = e.AvailableTokens(now)
	})
	return available
}

// TryConsume consumes tokens only when every bandwidth has them.
func (b *LocalBucket) TryConsume(tokens int64) (bool, error) {
	if err := validateTokens(tokens); err != nil {
		return false, err
	}
	var consumed bool
	b.run(func(e *Entry, now int64) {
		consumed = e.TryConsume(tokens, now)
	})
	b.notify(consumed, tokens)
	return consumed, nil
}

// TryConsumeAsMuchAsPossible consumes up to limit tokens and returns how
// many were taken.
func (b *LocalBucket) TryConsumeAsMuchAsPossible(limit int64) (int64, error) {
	if err := validateTokens(limit); err != nil {
		return 0, err
	}
	var consumed int64
	b.run(func(e *Entry, now int64) {
		consumed = e.TryConsumeAsMuchAsPossible(limit, now)
	})
	if consumed > 0 {
		b.listener.OnConsumed(consumed)
	}
	return consumed, nil
}

// TryConsumeAndReturnRemaining is TryConsume that also reports remaining
// tokens and wait times.
func (b *LocalBucket) TryConsumeAndReturnRemaining(tokens int64) (ConsumptionProbe, error) {
	if err := validateTokens(tokens); err != nil {
		return ConsumptionProbe{}, err
	}
	var probe ConsumptionProbe
	b.run(func(e *Entry, now int64) {
		probe = e.TryConsumeAndReturnRemaining(tokens, now)
	})
	b.notify(probe.Consumed, tokens)
	return probe, nil
}

// EstimateAbilityToConsume reports whether tokens could be consumed now
// without consuming them.
func (b *LocalBucket) EstimateAbilityToConsume(tokens int64) (EstimationProbe, error) {
	if err := validateTokens(tokens); err != nil {
		return EstimationProbe{}, err
	}
	var probe EstimationProbe
	b.run(func(e *Entry, now int64) {
		probe = e.EstimateAbilityToConsume(tokens, now)
	})
	return probe, nil
}

// ReserveAndCalculateSleep reserves tokens that become available within
// maxWait and returns how long the caller must sleep before using them.
// InfiniteDuration means nothing was reserved.
func (b *LocalBucket) ReserveAndCalculateSleep(tokens int64, maxWait time.Duration) (time.Duration, error) {
	if err := validateTokens(tokens); err != nil {
		return 0, err
	}
	if err := validateWait(int64(maxWait)); err != nil {
		return 0, err
	}
	var delay int64
	b.run(func(e *Entry, now int64) {
		delay = e.ReserveAndCalculateSleep(tokens, int64(maxWait), now)
	})
	if delay == infiniteNanos {
		b.listener.OnRejected(tokens)
		return InfiniteDuration, nil
	}
	b.listener.OnConsumed(tokens)
	if delay > 0 {
		b.listener.OnDelayed(delay)
	}
	return time.Duration(delay), nil
}

// ConsumeIgnoringRateLimits consumes unconditionally, possibly into debt,
// and returns the duration of the rate-limit violation. It fails with
// ErrReservationOverflow when the debt could never be repaid.
func (b *LocalBucket) ConsumeIgnoringRateLimits(tokens int64) (time.Duration, error) {
	if err := validateTokens(tokens); err != nil {
		return 0, err
	}
	var penalty int64
	b.run(func(e *Entry, now int64) {
		penalty = e.ConsumeIgnoringRateLimits(tokens, now)
	})
	if penalty == infiniteNanos {
		return 0, ErrReservationOverflow
	}
	b.listener.OnConsumed(tokens)
	return time.Duration(penalty), nil
}

// AddTokens adds tokens to every bandwidth, capped at capacity.
func (b *LocalBucket) AddTokens(tokens int64) error {
	if err := validateTokens(tokens); err != nil {
		return err
	}
	b.run(func(e *Entry, now int64) {
		e.AddTokens(tokens, now)
	})
	return nil
}

// ForceAddTokens adds tokens to every bandwidth, allowing capacity to be exceeded.
func (b *LocalBucket) ForceAddTokens(tokens int64) error {
	if err := validateTokens(tokens); err != nil {
		return err
	}
	b.run(func(e *Entry, now int64) {
		e.ForceAddTokens(tokens, now)
	})
	return nil
}

// Reset fills every bandwidth to capacity.
func (b *LocalBucket) Reset() {
	b.run(func(e *Entry, now int64) {
		e.Reset(now)
	})
}

// ReplaceConfiguration atomically swaps the configuration and migrates
// available tokens according to strategy.
func (b *LocalBucket) ReplaceConfiguration(cfg *Configuration, strategy MigrationStrategy) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := CheckClock(cfg, b.clock); err != nil {
		return err
	}
	return b.cell.apply(b.clock, func(e *Entry, now int64) error {
		return e.ReplaceConfiguration(cfg, strategy, now)
	})
}

// Blocking returns a facade that parks callers until reserved tokens are usable.
func (b *LocalBucket) Blocking(opts ...BlockingOption) *BlockingBucket {
	opts = append([]BlockingOption{WithBlockingListener(b.listener)}, opts...)
	return NewBlockingBucket(func(_ context.Context, tokens int64, maxWait time.Duration) (time.Duration, error) {
		return b.ReserveAndCalculateSleep(tokens, maxWait)
	}, opts...)
}

func (b *LocalBucket) notify(consumed bool, tokens int64) {
	if consumed {
		b.listener.OnConsumed(tokens)
		return
	}
	b.listener.OnRejected(tokens)
}
