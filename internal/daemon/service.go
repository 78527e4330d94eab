package daemon

import (
	"context"
	"log/slog"

	ratelimitprom "github.com/dmitrymomot/tokenbucket/integration/metrics/prometheus"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/policy"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
)

// Service resolves policy buckets on a shared ProxyManager. Each policy
// keeps its buckets under its own key namespace, so one client key can be
// limited by several policies independently.
type Service struct {
	policies *policy.Set
	manager  *remote.ProxyManager
	metrics  *ratelimitprom.Metrics
	log      *slog.Logger
}

func NewService(policies *policy.Set, manager *remote.ProxyManager, metrics *ratelimitprom.Metrics, log *slog.Logger) *Service {
	return &Service{policies: policies, manager: manager, metrics: metrics, log: log}
}

// Proxy returns the bucket proxy of key under the named policy. Unknown
// names fall back to the default policy. A bumped policy version migrates
// stored buckets on their next access.
func (s *Service) Proxy(name, key string) (*remote.BucketProxy, *ratelimiter.Configuration, error) {
	resolved, p, err := s.policies.Policy(name)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := s.policies.Configuration(resolved)
	if err != nil {
		return nil, nil, err
	}
	strategy, err := p.MigrationStrategy()
	if err != nil {
		return nil, nil, err
	}

	b := s.manager.Builder()
	if s.metrics != nil {
		b = b.WithListener(s.metrics.Listener(resolved))
	}
	if p.Version > 0 {
		b = b.WithImplicitConfigurationReplacement(p.Version, strategy)
	}
	return b.Build(bucketKey(resolved, key), s.policies.Supplier(resolved)), cfg, nil
}

// Consume takes tokens from key under the named policy.
func (s *Service) Consume(ctx context.Context, name, key string, tokens int64) (*ratelimiter.Result, error) {
	proxy, cfg, err := s.Proxy(name, key)
	if err != nil {
		return nil, err
	}
	probe, err := proxy.TryConsumeAndReturnRemaining(ctx, tokens)
	if err != nil {
		return nil, err
	}
	return ratelimiter.NewResult(cfg.MinCapacity(), probe), nil
}

// Reset forgets the bucket of key under the named policy.
func (s *Service) Reset(ctx context.Context, name, key string) error {
	resolved, _, err := s.policies.Policy(name)
	if err != nil {
		return err
	}
	return s.manager.Remove(ctx, bucketKey(resolved, key))
}

// Limiter adapts the named policy to ratelimiter.RateLimiter.
func (s *Service) Limiter(name string) ratelimiter.RateLimiter {
	return limiterFunc(func(ctx context.Context, key string, n int64) (*ratelimiter.Result, error) {
		return s.Consume(ctx, name, key, n)
	})
}

func bucketKey(policyName, key string) string {
	return policyName + ":" + key
}

type limiterFunc func(ctx context.Context, key string, n int64) (*ratelimiter.Result, error)

func (f limiterFunc) Allow(ctx context.Context, key string) (*ratelimiter.Result, error) {
	return f(ctx, key, 1)
}

func (f limiterFunc) AllowN(ctx context.Context, key string, n int64) (*ratelimiter.Result, error) {
	return f(ctx, key, n)
}
