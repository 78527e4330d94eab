package remote

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
)

// RecoveryStrategy decides what a proxy does when its entry is missing.
type RecoveryStrategy uint8

const (
	// RecoveryReconstruct recreates the entry from the configuration supplier.
	RecoveryReconstruct RecoveryStrategy = iota
	// RecoveryThrowBucketNotFound fails with ErrBucketNotFound once the
	// proxy has seen the entry exist. The first access still reconstructs.
	RecoveryThrowBucketNotFound
)

func (r RecoveryStrategy) String() string {
	switch r {
	case RecoveryReconstruct:
		return "reconstruct"
	case RecoveryThrowBucketNotFound:
		return "throw_bucket_not_found"
	}
	return fmt.Sprintf("recovery(%d)", uint8(r))
}

// ConfigurationSupplier returns the configuration of a bucket. Proxies call
// it only when the entry has to be created or replaced.
type ConfigurationSupplier func(ctx context.Context) (*ratelimiter.Configuration, error)

// StaticConfiguration returns a supplier that always yields cfg.
func StaticConfiguration(cfg *ratelimiter.Configuration) ConfigurationSupplier {
	return func(context.Context) (*ratelimiter.Configuration, error) {
		return cfg, nil
	}
}

// ProxyManager hands out BucketProxy values sharing one Executor.
type ProxyManager struct {
	executor  *Executor
	suppliers singleflight.Group
}

// NewProxyManager creates a manager whose proxies store entries in backend.
func NewProxyManager(backend Backend, opts ...Option) *ProxyManager {
	return &ProxyManager{executor: NewExecutor(backend, opts...)}
}

// Executor exposes the underlying executor for raw commands.
func (m *ProxyManager) Executor() *Executor {
	return m.executor
}

// Builder starts configuring a proxy.
func (m *ProxyManager) Builder() *ProxyBuilder {
	return &ProxyBuilder{manager: m, listener: ratelimiter.NopListener{}}
}

// Remove deletes the stored entry of key.
func (m *ProxyManager) Remove(ctx context.Context, key string) error {
	return m.executor.Remove(ctx, key)
}

// Configuration returns the stored configuration of key without creating
// the entry. It fails with ErrBucketNotFound when the entry is missing.
func (m *ProxyManager) Configuration(ctx context.Context, key string) (*ratelimiter.Configuration, error) {
	res, err := m.executor.Execute(ctx, key, ratelimiter.GetSnapshotCommand())
	if err != nil {
		return nil, err
	}
	if res.BucketNotFound {
		return nil, fmt.Errorf("%w: %q", ErrBucketNotFound, key)
	}
	return res.Snapshot.Config, nil
}

// ProxyBuilder configures proxies. Build may be called many times; each
// proxy gets a copy of the settings at that moment.
type ProxyBuilder struct {
	manager  *ProxyManager
	recovery RecoveryStrategy
	listener ratelimiter.Listener

	implicit bool
	version  int64
	strategy ratelimiter.MigrationStrategy
}

// WithRecoveryStrategy sets what the proxy does when its entry is missing.
func (b *ProxyBuilder) WithRecoveryStrategy(r RecoveryStrategy) *ProxyBuilder {
	b.recovery = r
	return b
}

// WithImplicitConfigurationReplacement makes every operation replace a
// stored configuration whose version is older than version, inside the
// same compare-and-swap and before the operation runs. The replacement is
// never rejected as incompatible.
func (b *ProxyBuilder) WithImplicitConfigurationReplacement(version int64, strategy ratelimiter.MigrationStrategy) *ProxyBuilder {
	b.implicit = true
	b.version = version
	b.strategy = strategy
	return b
}

// WithListener sets the listener notified of the proxy's consumption events.
func (b *ProxyBuilder) WithListener(l ratelimiter.Listener) *ProxyBuilder {
	if l != nil {
		b.listener = l
	}
	return b
}

// Build returns the proxy for key.
func (b *ProxyBuilder) Build(key string, supplier ConfigurationSupplier) *BucketProxy {
	return &BucketProxy{
		key:      key,
		manager:  b.manager,
		supplier: supplier,
		recovery: b.recovery,
		listener: b.listener,
		implicit: b.implicit,
		version:  b.version,
		strategy: b.strategy,
	}
}

// BucketProxy is a handle to one distributed bucket. It mirrors the
// LocalBucket operations; each call is one Executor round trip, two when
// the entry has to be created or replaced first.
type BucketProxy struct {
	key      string
	manager  *ProxyManager
	supplier ConfigurationSupplier
	recovery RecoveryStrategy
	listener ratelimiter.Listener

	implicit bool
	version  int64
	strategy ratelimiter.MigrationStrategy

	observed atomic.Bool
}

func (p *BucketProxy) Key() string { return p.key }

func (p *BucketProxy) execute(ctx context.Context, target ratelimiter.Command) (ratelimiter.CommandResult, error) {
	x := p.manager.executor

	cmd := target
	if p.implicit {
		cmd = ratelimiter.CheckVersionAndExecute(p.version, target)
	}
	res, err := x.Execute(ctx, p.key, cmd)
	if err != nil {
		return res, err
	}

	if res.BucketNotFound && p.recovery == RecoveryThrowBucketNotFound && p.observed.Load() {
		return res, fmt.Errorf("%w: %q", ErrBucketNotFound, p.key)
	}
	if res.BucketNotFound || res.NeedsReplacement {
		cfg, err := p.configuration(ctx)
		if err != nil {
			return ratelimiter.CommandResult{}, err
		}
		if p.implicit {
			cmd = ratelimiter.CreateOrReplaceVersioned(cfg, x.precision, p.version, p.strategy, target)
		} else {
			cmd = ratelimiter.CreateInitialStateAndExecute(cfg, x.precision, target)
		}
		if res, err = x.Execute(ctx, p.key, cmd); err != nil {
			return res, err
		}
	}

	p.observed.Store(true)
	return res, nil
}

// configuration calls the supplier, deduplicating concurrent calls for the
// same key across all proxies of the manager.
func (p *BucketProxy) configuration(ctx context.Context) (*ratelimiter.Configuration, error) {
	v, err, _ := p.manager.suppliers.Do(p.key, func() (any, error) {
		cfg, err := p.supplier(ctx)
		if err != nil {
			return nil, fmt.Errorf("supply configuration for %q: %w", p.key, err)
		}
		if cfg == nil {
			return nil, fmt.Errorf("%w: key %q", ErrNilSupplier, p.key)
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ratelimiter.Configuration), nil
}

func (p *BucketProxy) notify(consumed bool, tokens int64) {
	if consumed {
		p.listener.OnConsumed(tokens)
		return
	}
	p.listener.OnRejected(tokens)
}

func (p *BucketProxy) AvailableTokens(ctx context.Context) (int64, error) {
	res, err := p.execute(ctx, ratelimiter.AvailableTokensCommand())
	if err != nil {
		return 0, err
	}
	return res.Tokens, nil
}

func (p *BucketProxy) TryConsume(ctx context.Context, tokens int64) (bool, error) {
	res, err := p.execute(ctx, ratelimiter.TryConsumeCommand(tokens))
	if err != nil {
		return false, err
	}
	p.notify(res.Consumed, tokens)
	return res.Consumed, nil
}

// TryConsumeAsMuchAsPossible consumes up to limit tokens and returns how
// many were consumed.
func (p *BucketProxy) TryConsumeAsMuchAsPossible(ctx context.Context, limit int64) (int64, error) {
	res, err := p.execute(ctx, ratelimiter.TryConsumeAsMuchAsPossibleCommand(limit))
	if err != nil {
		return 0, err
	}
	if res.Tokens > 0 {
		p.listener.OnConsumed(res.Tokens)
	}
	return res.Tokens, nil
}

func (p *BucketProxy) TryConsumeAndReturnRemaining(ctx context.Context, tokens int64) (ratelimiter.ConsumptionProbe, error) {
	res, err := p.execute(ctx, ratelimiter.TryConsumeAndReturnRemainingCommand(tokens))
	if err != nil {
		return ratelimiter.ConsumptionProbe{}, err
	}
	p.notify(res.Probe.Consumed, tokens)
	return *res.Probe, nil
}

func (p *BucketProxy) EstimateAbilityToConsume(ctx context.Context, tokens int64) (ratelimiter.EstimationProbe, error) {
	res, err := p.execute(ctx, ratelimiter.EstimateAbilityToConsumeCommand(tokens))
	if err != nil {
		return ratelimiter.EstimationProbe{}, err
	}
	return *res.Estimation, nil
}

// ReserveAndCalculateSleep reserves tokens that become available within
// maxWait. ratelimiter.InfiniteDuration means nothing was reserved.
func (p *BucketProxy) ReserveAndCalculateSleep(ctx context.Context, tokens int64, maxWait time.Duration) (time.Duration, error) {
	res, err := p.execute(ctx, ratelimiter.ReserveAndCalculateSleepCommand(tokens, maxWait))
	if err != nil {
		return 0, err
	}
	if !res.Consumed {
		p.listener.OnRejected(tokens)
		return ratelimiter.InfiniteDuration, nil
	}
	p.listener.OnConsumed(tokens)
	if res.Nanos > 0 {
		p.listener.OnDelayed(res.Nanos)
	}
	return time.Duration(res.Nanos), nil
}

// ConsumeIgnoringRateLimits consumes unconditionally and returns the
// duration of the violation.
func (p *BucketProxy) ConsumeIgnoringRateLimits(ctx context.Context, tokens int64) (time.Duration, error) {
	res, err := p.execute(ctx, ratelimiter.ConsumeIgnoringRateLimitsCommand(tokens))
	if err != nil {
		return 0, err
	}
	if !res.Consumed {
		return 0, ratelimiter.ErrReservationOverflow
	}
	p.listener.OnConsumed(tokens)
	return time.Duration(res.Nanos), nil
}

func (p *BucketProxy) AddTokens(ctx context.Context, tokens int64) error {
	_, err := p.execute(ctx, ratelimiter.AddTokensCommand(tokens))
	return err
}

func (p *BucketProxy) ForceAddTokens(ctx context.Context, tokens int64) error {
	_, err := p.execute(ctx, ratelimiter.ForceAddTokensCommand(tokens))
	return err
}

func (p *BucketProxy) Reset(ctx context.Context) error {
	_, err := p.execute(ctx, ratelimiter.ResetCommand())
	return err
}

// ReplaceConfiguration swaps the stored configuration. It fails with
// *ratelimiter.IncompatibleConfigurationError when the bandwidth counts
// differ and strategy is not MigrationReset.
func (p *BucketProxy) ReplaceConfiguration(ctx context.Context, cfg *ratelimiter.Configuration, strategy ratelimiter.MigrationStrategy) error {
	res, err := p.execute(ctx, ratelimiter.ReplaceConfigurationCommand(cfg, strategy))
	if err != nil {
		return err
	}
	return res.Err()
}

// Snapshot returns a copy of the stored entry refilled to now.
func (p *BucketProxy) Snapshot(ctx context.Context) (*ratelimiter.Entry, error) {
	res, err := p.execute(ctx, ratelimiter.GetSnapshotCommand())
	if err != nil {
		return nil, err
	}
	return res.Snapshot, nil
}

// Blocking returns a facade that parks callers until reserved tokens are usable.
func (p *BucketProxy) Blocking(opts ...ratelimiter.BlockingOption) *ratelimiter.BlockingBucket {
	opts = append([]ratelimiter.BlockingOption{ratelimiter.WithBlockingListener(p.listener)}, opts...)
	return ratelimiter.NewBlockingBucket(p.ReserveAndCalculateSleep, opts...)
}
