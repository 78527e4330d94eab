// Package logger builds slog loggers and provides attribute helpers used
// across the rate limiter, its storage backends and the HTTP middleware.
//
// # Usage
//
//	import "github.com/dmitrymomot/tokenbucket/core/logger"
//
//	log := logger.New(
//		logger.WithProduction("ratelimitd"),
//		logger.WithContextValue("client_ip", clientIPKey{}),
//	)
//
//	log.Warn("compare-and-swap retries exhausted",
//		logger.BucketKey(key),
//		logger.Attempts(5),
//		logger.Error(err),
//	)
//
// # Environments
//
// WithDevelopment writes text at debug level. WithStaging and WithProduction
// write JSON at info level. Each tags records with service and env
// attributes. WithLevel, WithJSONFormatter, WithTextFormatter, WithOutput and
// WithAttr adjust the result further.
//
// # Context Values
//
// WithContextValue and WithContextExtractors decorate the handler so that
// the *Context logging methods append attributes taken from the context.
//
// # Attributes
//
// Helpers return the empty slog.Attr for nil errors or empty strings, and
// slog omits empty attributes from output:
//
//	log.Info("bucket evicted", logger.BucketKey(""), logger.Error(nil)) // no extra attrs
package logger
