package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dmitrymomot/tokenbucket/core/logger"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/codec"
)

// TTLFunc decides how long a freshly written entry may live in the
// backend. Zero disables expiry.
type TTLFunc func(e *ratelimiter.Entry, now int64) time.Duration

// ExpireAfterFullRefill expires a key margin after its bucket would be
// full again. A full bucket is indistinguishable from a new one, so the
// key can go. Buckets in debt too deep to ever refill never expire.
func ExpireAfterFullRefill(margin time.Duration) TTLFunc {
	return func(e *ratelimiter.Entry, now int64) time.Duration {
		refill := e.State.FullRefillNanos(e.Config.Bandwidths, now)
		if refill > math.MaxInt64-int64(margin) {
			return 0
		}
		return max(time.Duration(refill)+margin, time.Millisecond)
	}
}

// Executor runs commands against entries stored in a Backend. Each attempt
// reads the blob, runs the command and writes the result back with
// compare-and-swap. A lost swap restarts from the read, so the command is
// always recomputed against the state that won.
type Executor struct {
	backend   Backend
	codec     codec.Codec
	clock     ratelimiter.Clock
	retry     RetryStrategy
	ttl       TTLFunc
	precision ratelimiter.Precision
	keyPrefix string
	logger    *slog.Logger
	observer  Observer
}

// Observer is told about every finished Execute call: the operation, how
// many compare-and-swap attempts it took and the returned error. It must
// not block.
type Observer interface {
	OnExecuted(op ratelimiter.Op, attempts int, elapsed time.Duration, err error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithCodec sets the entry serialization. Default: codec.JSON.
func WithCodec(c codec.Codec) Option {
	return func(x *Executor) {
		if c != nil {
			x.codec = c
		}
	}
}

// WithClock sets the time source. It must be a wall clock: every process
// sharing the backend stamps entries with it. Default: ratelimiter.WallClock.
func WithClock(c ratelimiter.Clock) Option {
	return func(x *Executor) {
		if c != nil {
			x.clock = c
		}
	}
}

// WithRetryStrategy sets the backoff between lost compare-and-swap attempts.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(x *Executor) {
		if s != nil {
			x.retry = s
		}
	}
}

// WithTTL sets the key expiry policy. Default: no expiry.
func WithTTL(ttl TTLFunc) Option {
	return func(x *Executor) {
		x.ttl = ttl
	}
}

// WithPrecision selects the state representation of buckets created
// through proxies. Default: ratelimiter.PrecisionInteger.
func WithPrecision(p ratelimiter.Precision) Option {
	return func(x *Executor) {
		x.precision = p
	}
}

// WithKeyPrefix namespaces every backend key.
func WithKeyPrefix(prefix string) Option {
	return func(x *Executor) {
		x.keyPrefix = prefix
	}
}

// WithLogger sets the logger for retry and conflict diagnostics; nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(x *Executor) {
		if l != nil {
			x.logger = l
		}
	}
}

// WithObserver registers an Observer, typically a metrics collector.
func WithObserver(o Observer) Option {
	return func(x *Executor) {
		x.observer = o
	}
}

// NewExecutor creates an executor over backend.
func NewExecutor(backend Backend, opts ...Option) *Executor {
	x := &Executor{
		backend:   backend,
		codec:     codec.JSON,
		clock:     ratelimiter.WallClock(),
		retry:     DefaultRetryStrategy(),
		precision: ratelimiter.PrecisionInteger,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Execute runs cmd against the entry stored under key.
//
// Errors:
//   - validation errors from the command itself
//   - ratelimiter.ErrStoreUnavailable wrapping backend failures
//   - codec errors for entries that cannot be decoded
//   - *RetryExhaustedError when the retry strategy gives up
//   - ratelimiter.ErrContextCancelled wrapping the context error
func (x *Executor) Execute(ctx context.Context, key string, cmd ratelimiter.Command) (_ ratelimiter.CommandResult, err error) {
	if key == "" {
		return ratelimiter.CommandResult{}, ErrEmptyKey
	}
	if err := cmd.Validate(); err != nil {
		return ratelimiter.CommandResult{}, err
	}
	if cmd.Configuration != nil {
		if err := ratelimiter.CheckClock(cmd.Configuration, x.clock); err != nil {
			return ratelimiter.CommandResult{}, err
		}
	}

	storageKey := x.keyPrefix + key
	start := time.Now()
	attempts := 0
	if x.observer != nil {
		defer func() { x.observer.OnExecuted(cmd.Op, attempts, time.Since(start), err) }()
	}

	res, err := retry.DoValue(ctx, x.retry(), func(ctx context.Context) (ratelimiter.CommandResult, error) {
		attempts++
		res, committed, err := x.attempt(ctx, storageKey, cmd)
		if err != nil {
			return res, err
		}
		if !committed {
			x.logger.DebugContext(ctx, "lost compare-and-swap",
				logger.BucketKey(key),
				logger.Op(string(cmd.Op)),
				logger.Attempts(attempts))
			return res, retry.RetryableError(errLostCAS)
		}
		return res, nil
	})
	if err == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ratelimiter.CommandResult{}, fmt.Errorf("%w: %w", ratelimiter.ErrContextCancelled, ctxErr)
	}
	if errors.Is(err, errLostCAS) {
		exhausted := &RetryExhaustedError{Key: key, Attempts: attempts, Elapsed: time.Since(start)}
		x.logger.WarnContext(ctx, "compare-and-swap retries exhausted",
			logger.BucketKey(key),
			logger.Op(string(cmd.Op)),
			logger.Attempts(attempts),
			logger.Elapsed(start))
		return ratelimiter.CommandResult{}, exhausted
	}
	return ratelimiter.CommandResult{}, err
}

// attempt is one read, compute, compare-and-swap round. It reports false
// when another writer changed the entry in between.
func (x *Executor) attempt(ctx context.Context, key string, cmd ratelimiter.Command) (ratelimiter.CommandResult, bool, error) {
	blob, found, err := x.backend.Load(ctx, key)
	if err != nil {
		return ratelimiter.CommandResult{}, false, fmt.Errorf("%w: load %q: %w", ratelimiter.ErrStoreUnavailable, key, err)
	}

	var entry *ratelimiter.Entry
	if found {
		if entry, err = x.codec.DecodeEntry(blob.Data); err != nil {
			return ratelimiter.CommandResult{}, false, fmt.Errorf("decode %q: %w", key, err)
		}
	}

	now := x.clock.Nanos()
	m := ratelimiter.NewMutableEntry(entry)
	res, err := ratelimiter.Execute(cmd, m, now)
	if err != nil {
		return ratelimiter.CommandResult{}, false, err
	}
	if !m.Modified() {
		return res, true, nil
	}

	data, err := x.codec.EncodeEntry(m.Get())
	if err != nil {
		return ratelimiter.CommandResult{}, false, fmt.Errorf("encode %q: %w", key, err)
	}

	var expected *Blob
	if found {
		expected = &blob
	}
	var ttl time.Duration
	if x.ttl != nil {
		ttl = x.ttl(m.Get(), now)
	}

	swapped, err := x.backend.CompareAndSwap(ctx, key, expected, data, ttl)
	if err != nil {
		return ratelimiter.CommandResult{}, false, fmt.Errorf("%w: compare-and-swap %q: %w", ratelimiter.ErrStoreUnavailable, key, err)
	}
	return res, swapped, nil
}

// Remove deletes the entry stored under key.
func (x *Executor) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := x.backend.Remove(ctx, x.keyPrefix+key); err != nil {
		return fmt.Errorf("%w: remove %q: %w", ratelimiter.ErrStoreUnavailable, key, err)
	}
	return nil
}
