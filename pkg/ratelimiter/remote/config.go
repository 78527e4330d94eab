package remote

import (
	"fmt"
	"time"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/codec"
)

// Config holds the environment-driven settings of an Executor.
type Config struct {
	KeyPrefix string `env:"RATELIMIT_KEY_PREFIX" envDefault:"ratelimit:"`
	Codec     string `env:"RATELIMIT_CODEC" envDefault:"json"`
	Precision string `env:"RATELIMIT_PRECISION" envDefault:"integer"`

	RetryMaxRetries    uint64        `env:"RATELIMIT_RETRY_MAX_RETRIES" envDefault:"10"`
	RetryMaxElapsed    time.Duration `env:"RATELIMIT_RETRY_MAX_ELAPSED" envDefault:"2s"`
	RetryBackoffBase   time.Duration `env:"RATELIMIT_RETRY_BACKOFF_BASE" envDefault:"2ms"`
	RetryBackoffMax    time.Duration `env:"RATELIMIT_RETRY_BACKOFF_MAX" envDefault:"100ms"`
	RetryJitterPercent uint64        `env:"RATELIMIT_RETRY_JITTER_PERCENT" envDefault:"20"`

	// ExpiryMargin is added to the time a bucket needs to refill completely
	// to get the key TTL. Zero disables expiry.
	ExpiryMargin time.Duration `env:"RATELIMIT_EXPIRY_MARGIN" envDefault:"1m"`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:          "ratelimit:",
		Codec:              "json",
		Precision:          "integer",
		RetryMaxRetries:    10,
		RetryMaxElapsed:    2 * time.Second,
		RetryBackoffBase:   2 * time.Millisecond,
		RetryBackoffMax:    100 * time.Millisecond,
		RetryJitterPercent: 20,
		ExpiryMargin:       time.Minute,
	}
}

// RetryStrategy builds the exponential strategy described by c.
func (c Config) RetryStrategy() RetryStrategy {
	return ExponentialRetry(c.RetryBackoffBase, c.RetryBackoffMax, c.RetryJitterPercent, c.RetryMaxRetries, c.RetryMaxElapsed)
}

// Options converts c into executor options.
func (c Config) Options() ([]Option, error) {
	cd, err := codec.ByName(c.Codec)
	if err != nil {
		return nil, err
	}
	precision, err := parsePrecision(c.Precision)
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithKeyPrefix(c.KeyPrefix),
		WithCodec(cd),
		WithPrecision(precision),
		WithRetryStrategy(c.RetryStrategy()),
	}
	if c.ExpiryMargin > 0 {
		opts = append(opts, WithTTL(ExpireAfterFullRefill(c.ExpiryMargin)))
	}
	return opts, nil
}

func parsePrecision(s string) (ratelimiter.Precision, error) {
	switch s {
	case "", ratelimiter.PrecisionInteger.String():
		return ratelimiter.PrecisionInteger, nil
	case ratelimiter.PrecisionFloat.String():
		return ratelimiter.PrecisionFloat, nil
	}
	return 0, fmt.Errorf("%w: unknown precision %q", ratelimiter.ErrInvalidConfig, s)
}
