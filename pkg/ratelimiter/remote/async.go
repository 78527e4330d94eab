package remote

import (
	"context"
	"time"

	"github.com/dmitrymomot/tokenbucket/pkg/async"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
)

// Async counterparts of the BucketProxy operations. Each runs the
// operation in its own goroutine and completes the returned future.

type reservation struct {
	tokens  int64
	maxWait time.Duration
}

type replacement struct {
	cfg      *ratelimiter.Configuration
	strategy ratelimiter.MigrationStrategy
}

func (p *BucketProxy) AvailableTokensAsync(ctx context.Context) *async.Future[int64] {
	return async.Async(ctx, struct{}{}, func(ctx context.Context, _ struct{}) (int64, error) {
		return p.AvailableTokens(ctx)
	})
}

func (p *BucketProxy) TryConsumeAsync(ctx context.Context, tokens int64) *async.Future[bool] {
	return async.Async(ctx, tokens, p.TryConsume)
}

func (p *BucketProxy) TryConsumeAsMuchAsPossibleAsync(ctx context.Context, limit int64) *async.Future[int64] {
	return async.Async(ctx, limit, p.TryConsumeAsMuchAsPossible)
}

func (p *BucketProxy) TryConsumeAndReturnRemainingAsync(ctx context.Context, tokens int64) *async.Future[ratelimiter.ConsumptionProbe] {
	return async.Async(ctx, tokens, p.TryConsumeAndReturnRemaining)
}

func (p *BucketProxy) EstimateAbilityToConsumeAsync(ctx context.Context, tokens int64) *async.Future[ratelimiter.EstimationProbe] {
	return async.Async(ctx, tokens, p.EstimateAbilityToConsume)
}

func (p *BucketProxy) ReserveAndCalculateSleepAsync(ctx context.Context, tokens int64, maxWait time.Duration) *async.Future[time.Duration] {
	return async.Async(ctx, reservation{tokens: tokens, maxWait: maxWait}, func(ctx context.Context, r reservation) (time.Duration, error) {
		return p.ReserveAndCalculateSleep(ctx, r.tokens, r.maxWait)
	})
}

func (p *BucketProxy) ConsumeIgnoringRateLimitsAsync(ctx context.Context, tokens int64) *async.Future[time.Duration] {
	return async.Async(ctx, tokens, p.ConsumeIgnoringRateLimits)
}

func (p *BucketProxy) AddTokensAsync(ctx context.Context, tokens int64) *async.Future[struct{}] {
	return async.Exec(ctx, tokens, p.AddTokens)
}

func (p *BucketProxy) ForceAddTokensAsync(ctx context.Context, tokens int64) *async.Future[struct{}] {
	return async.Exec(ctx, tokens, p.ForceAddTokens)
}

func (p *BucketProxy) ResetAsync(ctx context.Context) *async.Future[struct{}] {
	return async.Exec(ctx, struct{}{}, func(ctx context.Context, _ struct{}) error {
		return p.Reset(ctx)
	})
}

func (p *BucketProxy) ReplaceConfigurationAsync(ctx context.Context, cfg *ratelimiter.Configuration, strategy ratelimiter.MigrationStrategy) *async.Future[struct{}] {
	return async.Exec(ctx, replacement{cfg: cfg, strategy: strategy}, func(ctx context.Context, r replacement) error {
		return p.ReplaceConfiguration(ctx, r.cfg, r.strategy)
	})
}

func (p *BucketProxy) SnapshotAsync(ctx context.Context) *async.Future[*ratelimiter.Entry] {
	return async.Async(ctx, struct{}{}, func(ctx context.Context, _ struct{}) (*ratelimiter.Entry, error) {
		return p.Snapshot(ctx)
	})
}
