package remote

import (
	"context"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
)

// Limiter implements ratelimiter.RateLimiter on distributed buckets, one
// per key, all sharing a configuration.
type Limiter struct {
	builder *ProxyBuilder
	config  *ratelimiter.Configuration
}

var _ ratelimiter.RateLimiter = (*Limiter)(nil)

// NewLimiter creates a limiter whose buckets use cfg. The builder's
// recovery, listener and replacement settings apply to every key.
func NewLimiter(builder *ProxyBuilder, cfg *ratelimiter.Configuration) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Limiter{builder: builder, config: cfg}, nil
}

func (l *Limiter) Allow(ctx context.Context, key string) (*ratelimiter.Result, error) {
	return l.AllowN(ctx, key, 1)
}

func (l *Limiter) AllowN(ctx context.Context, key string, n int64) (*ratelimiter.Result, error) {
	probe, err := l.builder.Build(key, StaticConfiguration(l.config)).TryConsumeAndReturnRemaining(ctx, n)
	if err != nil {
		return nil, err
	}
	return ratelimiter.NewResult(l.config.MinCapacity(), probe), nil
}

// Reset removes the stored bucket of key; the next request starts full.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.builder.manager.Remove(ctx, key)
}
