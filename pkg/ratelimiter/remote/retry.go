package remote

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryStrategy returns a fresh backoff for one operation. Backoffs carry
// attempt state, so every Execute call asks for a new one.
type RetryStrategy func() retry.Backoff

// ExponentialRetry doubles the delay from base up to maxDelay, applies
// +/- jitterPercent, and stops after maxRetries retries or once maxElapsed
// has passed. Zero maxRetries or maxElapsed means no such limit.
func ExponentialRetry(base, maxDelay time.Duration, jitterPercent, maxRetries uint64, maxElapsed time.Duration) RetryStrategy {
	base = max(base, time.Microsecond)
	return func() retry.Backoff {
		b := retry.NewExponential(base)
		if maxDelay > 0 {
			b = retry.WithCappedDuration(maxDelay, b)
		}
		if jitterPercent > 0 {
			b = retry.WithJitterPercent(min(jitterPercent, 100), b)
		}
		return limit(b, maxRetries, maxElapsed)
	}
}

// ConstantRetry waits interval between attempts and gives up after maxRetries retries.
func ConstantRetry(interval time.Duration, maxRetries uint64) RetryStrategy {
	interval = max(interval, time.Nanosecond)
	return func() retry.Backoff {
		return retry.WithMaxRetries(maxRetries, retry.NewConstant(interval))
	}
}

// NoRetry gives up after the first lost compare-and-swap.
func NoRetry() RetryStrategy {
	return func() retry.Backoff {
		return retry.BackoffFunc(func() (time.Duration, bool) { return 0, true })
	}
}

// DefaultRetryStrategy is the strategy described by DefaultConfig.
func DefaultRetryStrategy() RetryStrategy {
	return DefaultConfig().RetryStrategy()
}

func limit(b retry.Backoff, maxRetries uint64, maxElapsed time.Duration) retry.Backoff {
	if maxRetries > 0 {
		b = retry.WithMaxRetries(maxRetries, b)
	}
	if maxElapsed > 0 {
		b = retry.WithMaxDuration(maxElapsed, b)
	}
	return b
}
