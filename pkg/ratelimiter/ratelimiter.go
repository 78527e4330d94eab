package ratelimiter

import (
	"context"
	"time"
)

// RateLimiter decides whether a keyed request may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
	AllowN(ctx context.Context, key string, n int64) (*Result, error)
}

// Result describes a rate limiting decision.
type Result struct {
	Limit     int64
	Remaining int64
	// ResetAfter is the time until the bucket is full again.
	ResetAfter time.Duration
	retryAfter time.Duration
	allowed    bool
}

// NewResult converts a consumption probe into a decision. limit is the
// capacity reported to clients, usually Configuration.MinCapacity.
func NewResult(limit int64, probe ConsumptionProbe) *Result {
	return &Result{
		Limit:      limit,
		Remaining:  max(probe.RemainingTokens, 0),
		ResetAfter: probe.WaitForReset(),
		retryAfter: probe.WaitForRefill(),
		allowed:    probe.Consumed,
	}
}

// Allowed reports whether the request consumed its tokens.
func (r *Result) Allowed() bool {
	return r.allowed
}

// RetryAfter returns how long to wait before retrying a denied request.
// It is zero for allowed requests and InfiniteDuration when waiting cannot help.
func (r *Result) RetryAfter() time.Duration {
	if r.allowed {
		return 0
	}
	return r.retryAfter
}

// Err returns ErrRateLimitExceeded for denied requests and nil otherwise.
func (r *Result) Err() error {
	if r.allowed {
		return nil
	}
	return ErrRateLimitExceeded
}
