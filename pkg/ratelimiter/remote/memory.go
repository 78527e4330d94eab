package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/tokenbucket/core/logger"
)

type memoryItem struct {
	data      []byte
	stamp     string // random per write, so a recreated key never reuses one
	expiresAt time.Time // zero means no expiry
}

func (it *memoryItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// MemoryBackend is an in-process Backend and LockingStore. It suits tests
// and single-process deployments that want the distributed code path.
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[string]*memoryItem
	locks map[string]time.Time

	now             func() time.Time
	lockTTL         time.Duration
	cleanupInterval time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	writes    atomic.Int64
	conflicts atomic.Int64
	expired   atomic.Int64
}

var (
	_ Backend      = (*MemoryBackend)(nil)
	_ LockingStore = (*MemoryBackend)(nil)
)

// MemoryStats is a snapshot of MemoryBackend counters.
type MemoryStats struct {
	Keys      int
	Writes    int64
	Conflicts int64
	Expired   int64
	IsRunning bool
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithMemoryCleanupInterval sets how often expired keys are purged.
// Set to 0 to disable automatic cleanup.
func WithMemoryCleanupInterval(interval time.Duration) MemoryOption {
	return func(b *MemoryBackend) {
		b.cleanupInterval = interval
	}
}

// WithMemoryShutdownTimeout sets the graceful shutdown timeout.
func WithMemoryShutdownTimeout(timeout time.Duration) MemoryOption {
	return func(b *MemoryBackend) {
		if timeout > 0 {
			b.shutdownTimeout = timeout
		}
	}
}

// WithMemoryLockTTL sets how long a lock taken through LockingStore lives.
func WithMemoryLockTTL(ttl time.Duration) MemoryOption {
	return func(b *MemoryBackend) {
		if ttl > 0 {
			b.lockTTL = ttl
		}
	}
}

// WithMemoryLogger sets the logger for cleanup events.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(b *MemoryBackend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMemoryTimeSource replaces time.Now for expiry decisions.
func WithMemoryTimeSource(now func() time.Time) MemoryOption {
	return func(b *MemoryBackend) {
		if now != nil {
			b.now = now
		}
	}
}

// NewMemoryBackend creates an empty backend. Call Start or Run to purge
// expired keys in the background; expired keys are invisible either way.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		items:           make(map[string]*memoryItem),
		locks:           make(map[string]time.Time),
		now:             time.Now,
		lockTTL:         5 * time.Second,
		cleanupInterval: time.Minute,
		shutdownTimeout: 30 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBackend) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return b.now().Add(ttl)
}

// lookup returns the live item for key. Callers hold mu.
func (b *MemoryBackend) lookup(key string) (*memoryItem, bool) {
	it, ok := b.items[key]
	if !ok || it.expired(b.now()) {
		return nil, false
	}
	return it, true
}

func (b *MemoryBackend) Load(ctx context.Context, key string) (Blob, bool, error) {
	if err := ctx.Err(); err != nil {
		return Blob{}, false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	it, ok := b.lookup(key)
	if !ok {
		return Blob{}, false, nil
	}
	return Blob{Data: slices.Clone(it.data), Stamp: it.stamp}, true, nil
}

func (b *MemoryBackend) CompareAndSwap(ctx context.Context, key string, expected *Blob, next []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	it, ok := b.lookup(key)
	switch {
	case expected == nil && ok,
		expected != nil && !ok,
		expected != nil && it.stamp != expected.Stamp:
		b.conflicts.Add(1)
		return false, nil
	}

	b.items[key] = &memoryItem{data: slices.Clone(next), stamp: uuid.NewString(), expiresAt: b.expiry(ttl)}
	b.writes.Add(1)
	return true, nil
}

func (b *MemoryBackend) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, key)
	return nil
}

// Get implements LockingStore.
func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	blob, ok, err := b.Load(ctx, key)
	return blob.Data, ok, err
}

// PutIfAbsent implements LockingStore.
func (b *MemoryBackend) PutIfAbsent(ctx context.Context, key string, data []byte, ttl time.Duration) (bool, error) {
	return b.CompareAndSwap(ctx, key, nil, data, ttl)
}

// Put implements LockingStore. It overwrites unconditionally.
func (b *MemoryBackend) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[key] = &memoryItem{data: slices.Clone(data), stamp: uuid.NewString(), expiresAt: b.expiry(ttl)}
	b.writes.Add(1)
	return nil
}

// Lock implements LockingStore. Locks expire after the lock TTL so that a
// crashed owner cannot block a key forever.
func (b *MemoryBackend) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if until, held := b.locks[key]; held && now.Before(until) {
		return nil, ErrLockHeld
	}
	until := now.Add(b.lockTTL)
	b.locks[key] = until

	return func(context.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.locks[key].Equal(until) {
			delete(b.locks, key)
		}
		return nil
	}, nil
}

// Start purges expired keys until ctx is cancelled or Stop is called.
func (b *MemoryBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return fmt.Errorf("memory backend already started")
	}
	if b.cleanupInterval <= 0 {
		b.mu.Unlock()
		return fmt.Errorf("cleanup interval must be > 0, got %v (use WithMemoryCleanupInterval to configure)", b.cleanupInterval)
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	runCtx := b.ctx
	b.mu.Unlock()

	b.running.Store(true)
	defer b.running.Store(false)

	b.logger.InfoContext(runCtx, "memory backend cleanup started",
		logger.Component("memory_backend"),
		slog.Duration("cleanup_interval", b.cleanupInterval))

	ticker := time.NewTicker(b.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			b.logger.InfoContext(context.Background(), "memory backend cleanup stopping",
				logger.Component("memory_backend"))
			return runCtx.Err()
		case <-ticker.C:
			b.cleanupWithWait()
		}
	}
}

// Stop cancels the cleanup loop and waits for an in-flight pass.
func (b *MemoryBackend) Stop() error {
	b.mu.Lock()
	if b.cancel == nil {
		b.mu.Unlock()
		return fmt.Errorf("memory backend not started")
	}
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), b.shutdownTimeout)
	defer ctxCancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.logger.WarnContext(context.Background(), "memory backend shutdown timeout exceeded",
			logger.Component("memory_backend"),
			slog.Duration("timeout", b.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", b.shutdownTimeout)
	}
}

// Run returns a function for errgroup that runs cleanup and stops it
// gracefully when ctx is cancelled.
func (b *MemoryBackend) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- b.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = b.Stop()
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

func (b *MemoryBackend) cleanupWithWait() {
	b.mu.RLock()
	if b.cancel == nil {
		b.mu.RUnlock()
		return
	}
	b.wg.Add(1)
	b.mu.RUnlock()

	defer b.wg.Done()
	b.RemoveExpired()
}

// RemoveExpired purges expired keys and stale locks and returns how many
// keys were removed.
func (b *MemoryBackend) RemoveExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for key, it := range b.items {
		if it.expired(now) {
			delete(b.items, key)
			removed++
		}
	}
	for key, until := range b.locks {
		if !now.Before(until) {
			delete(b.locks, key)
		}
	}

	if removed > 0 {
		b.expired.Add(int64(removed))
		b.logger.Info("memory backend removed expired keys",
			logger.Component("memory_backend"),
			logger.Count("removed", removed))
	}
	return removed
}

// Stats returns current counters. Safe to call at any time.
func (b *MemoryBackend) Stats() MemoryStats {
	b.mu.RLock()
	isRunning := b.cancel != nil
	keys := len(b.items)
	b.mu.RUnlock()

	return MemoryStats{
		Keys:      keys,
		Writes:    b.writes.Load(),
		Conflicts: b.conflicts.Load(),
		Expired:   b.expired.Load(),
		IsRunning: isRunning,
	}
}

// Healthcheck fails when cleanup is configured but not running.
func (b *MemoryBackend) Healthcheck(ctx context.Context) error {
	if b.cleanupInterval > 0 && !b.Stats().IsRunning {
		return fmt.Errorf("cleanup is configured but not running")
	}
	return nil
}
