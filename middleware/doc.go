// Package middleware provides net/http middleware for rate limiting and the
// request plumbing around it.
//
// RateLimit consults a ratelimiter.RateLimiter for every request, keyed by
// client address unless KeyExtractor says otherwise. Local registries and
// distributed limiters both fit:
//
//	limiter, err := remote.NewLimiter(manager.Builder(), cfg)
//	if err != nil {
//		return err
//	}
//	mux.Handle("/api/", middleware.ClientIP(middleware.RateLimit(middleware.RateLimitConfig{
//		Limiter:    limiter,
//		SetHeaders: true,
//	})(api)))
//
// With SetHeaders every response carries X-RateLimit-Limit,
// X-RateLimit-Remaining and X-RateLimit-Reset (unix seconds at which the
// bucket is full again). Denied requests get 429 and Retry-After in whole
// seconds, rounded up. Requests that can never fit the bucket get no
// Retry-After.
//
// ClientIP stores the real client address; RequestID assigns a request ID;
// Logging writes one structured record per request.
package middleware
