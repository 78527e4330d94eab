package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type registryEntry struct {
	bucket     *LocalBucket
	lastAccess atomic.Int64 // unix nanos, read by cleanup to find stale keys
}

// Registry keeps one LocalBucket per key, all sharing a configuration.
// It implements RateLimiter for single-process deployments.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*registryEntry

	config     *Configuration
	bucketOpts []LocalOption

	cleanupInterval time.Duration
	staleAfter      time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	bucketsCreated atomic.Int64
	bucketsRemoved atomic.Int64
}

// RegistryStats is a snapshot of registry counters.
type RegistryStats struct {
	BucketsCreated int64
	BucketsRemoved int64
	ActiveBuckets  int
	IsRunning      bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBucketOptions sets the options used for every bucket the registry creates.
func WithBucketOptions(opts ...LocalOption) RegistryOption {
	return func(r *Registry) {
		r.bucketOpts = append(r.bucketOpts, opts...)
	}
}

// WithCleanupInterval sets how often stale buckets are removed.
// Set to 0 to disable automatic cleanup.
func WithCleanupInterval(interval time.Duration) RegistryOption {
	return func(r *Registry) {
		r.cleanupInterval = interval
	}
}

// WithStaleAfter sets how long a key may stay unused before cleanup drops it.
func WithStaleAfter(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithRegistryShutdownTimeout sets the graceful shutdown timeout.
func WithRegistryShutdownTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		if timeout > 0 {
			r.shutdownTimeout = timeout
		}
	}
}

// WithRegistryLogger sets the logger for cleanup events.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a registry for cfg. Call Start or Run to enable
// background cleanup.
func NewRegistry(cfg *Configuration, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		buckets:         make(map[string]*registryEntry),
		config:          cfg,
		cleanupInterval: 5 * time.Minute,
		staleAfter:      time.Hour,
		shutdownTimeout: 30 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}

	// surface configuration and clock errors here rather than on first use
	if _, err := NewLocalBucket(cfg, r.bucketOpts...); err != nil {
		return nil, err
	}
	return r, nil
}

// Bucket returns the bucket for key, creating it on first use.
func (r *Registry) Bucket(key string) (*LocalBucket, error) {
	now := time.Now().UnixNano()

	r.mu.RLock()
	e, ok := r.buckets[key]
	r.mu.RUnlock()
	if ok {
		e.lastAccess.Store(now)
		return e.bucket, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.buckets[key]; ok {
		e.lastAccess.Store(now)
		return e.bucket, nil
	}

	b, err := NewLocalBucket(r.config, r.bucketOpts...)
	if err != nil {
		return nil, err
	}
	e = &registryEntry{bucket: b}
	e.lastAccess.Store(now)
	r.buckets[key] = e
	r.bucketsCreated.Add(1)
	return b, nil
}

// Allow consumes one token for key.
func (r *Registry) Allow(ctx context.Context, key string) (*Result, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN consumes n tokens for key when all are available.
func (r *Registry) AllowN(ctx context.Context, key string, n int64) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContextCancelled, err)
	}
	b, err := r.Bucket(key)
	if err != nil {
		return nil, err
	}
	probe, err := b.TryConsumeAndReturnRemaining(n)
	if err != nil {
		return nil, err
	}
	return NewResult(r.config.MinCapacity(), probe), nil
}

// Reset forgets the bucket for key; the next request starts from a fresh one.
func (r *Registry) Reset(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.buckets, key)
	return nil
}

// Start runs the cleanup loop until ctx is cancelled or Stop is called.
// Use Run for the errgroup pattern.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return fmt.Errorf("registry already started")
	}
	if r.cleanupInterval <= 0 {
		r.mu.Unlock()
		return fmt.Errorf("cleanup interval must be > 0, got %v (use WithCleanupInterval to configure)", r.cleanupInterval)
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	runCtx := r.ctx
	r.mu.Unlock()

	r.running.Store(true)
	defer r.running.Store(false)

	r.logger.InfoContext(runCtx, "registry cleanup started",
		slog.Duration("cleanup_interval", r.cleanupInterval),
		slog.Duration("stale_after", r.staleAfter))

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			r.logger.InfoContext(context.Background(), "registry cleanup stopping")
			return runCtx.Err()
		case <-ticker.C:
			r.cleanupWithWait()
		}
	}
}

// Stop cancels the cleanup loop and waits for an in-flight pass.
func (r *Registry) Stop() error {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return fmt.Errorf("registry not started")
	}
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer ctxCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.InfoContext(context.Background(), "registry stopped cleanly")
		return nil
	case <-ctx.Done():
		r.logger.WarnContext(context.Background(), "registry shutdown timeout exceeded",
			slog.Duration("timeout", r.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", r.shutdownTimeout)
	}
}

// Run returns a function for errgroup that runs cleanup and stops it
// gracefully when ctx is cancelled.
func (r *Registry) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- r.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = r.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (r *Registry) cleanupWithWait() {
	r.mu.RLock()
	if r.cancel == nil {
		r.mu.RUnlock()
		return
	}
	r.wg.Add(1)
	r.mu.RUnlock()

	defer r.wg.Done()
	r.RemoveStale()
}

// RemoveStale drops buckets unused for longer than the stale threshold and
// returns how many were removed.
func (r *Registry) RemoveStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.staleAfter).UnixNano()
	removed := 0
	for key, e := range r.buckets {
		if e.lastAccess.Load() < cutoff {
			delete(r.buckets, key)
			removed++
		}
	}

	if removed > 0 {
		r.bucketsRemoved.Add(int64(removed))
		r.logger.Info("registry removed stale buckets", slog.Int("removed", removed))
	}
	return removed
}

// Stats returns current registry counters. Safe to call at any time.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	isRunning := r.cancel != nil
	active := len(r.buckets)
	r.mu.RUnlock()

	return RegistryStats{
		BucketsCreated: r.bucketsCreated.Load(),
		BucketsRemoved: r.bucketsRemoved.Load(),
		ActiveBuckets:  active,
		IsRunning:      isRunning,
	}
}

// Healthcheck fails when cleanup is configured but not running.
func (r *Registry) Healthcheck(ctx context.Context) error {
	if r.cleanupInterval > 0 && !r.Stats().IsRunning {
		return fmt.Errorf("cleanup is configured but not running")
	}
	return nil
}
