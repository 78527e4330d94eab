package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dmitrymomot/tokenbucket/core/logger"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
)

// RateLimitConfig configures the rate limiting middleware.
type RateLimitConfig struct {
	// Limiter decides whether a request may proceed (required)
	Limiter ratelimiter.RateLimiter

	// Skip defines a function to skip middleware execution for specific requests
	Skip func(r *http.Request) bool

	// KeyExtractor defines how to extract the rate limiting key (default: ClientIPKey)
	KeyExtractor func(r *http.Request) string

	// Cost returns the tokens a request consumes (default: 1)
	Cost func(r *http.Request) int64

	// ErrorHandler writes the response for denied requests (default: 429 with a plain text body)
	ErrorHandler func(w http.ResponseWriter, r *http.Request, result *ratelimiter.Result)

	// FailOpen lets requests through when the limiter itself fails
	FailOpen bool

	// Logger reports limiter failures (default: slog.Default())
	Logger *slog.Logger

	// SetHeaders adds X-RateLimit-* headers to every response
	SetHeaders bool
}

// RateLimit enforces cfg.Limiter per key. Denied requests get
// 429 Too Many Requests and a Retry-After header. Limiter failures answer
// 503 when the store is unavailable and 500 otherwise, unless FailOpen is set.
// Panics if no limiter is provided.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.Limiter == nil {
		panic("ratelimit middleware: limiter is required")
	}
	if cfg.KeyExtractor == nil {
		cfg.KeyExtractor = ClientIPKey
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, _ *ratelimiter.Result) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Skip != nil && cfg.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			key := cfg.KeyExtractor(r)
			cost := int64(1)
			if cfg.Cost != nil {
				cost = cfg.Cost(r)
			}

			result, err := cfg.Limiter.AllowN(r.Context(), key, cost)
			if err != nil {
				cfg.Logger.ErrorContext(r.Context(), "rate limiter failed",
					logger.BucketKey(key),
					logger.Tokens(cost),
					logger.Error(err))
				if cfg.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				status := http.StatusInternalServerError
				if errors.Is(err, ratelimiter.ErrStoreUnavailable) {
					status = http.StatusServiceUnavailable
				}
				http.Error(w, http.StatusText(status), status)
				return
			}

			if cfg.SetHeaders {
				SetRateLimitHeaders(w.Header(), result, time.Now())
			}
			if !result.Allowed() {
				if retry := result.RetryAfter(); retry > 0 && retry < ratelimiter.InfiniteDuration {
					w.Header().Set("Retry-After", strconv.FormatInt(ceilSeconds(retry), 10))
				}
				cfg.ErrorHandler(w, r, result)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetRateLimitHeaders writes the limit, the remaining tokens and the unix
// time at which the bucket is full again.
func SetRateLimitHeaders(h http.Header, result *ratelimiter.Result, now time.Time) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	if result.ResetAfter < ratelimiter.InfiniteDuration {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(now.Unix()+ceilSeconds(result.ResetAfter), 10))
	}
}

func ceilSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
