// Package health provides HTTP handlers for service health monitoring.
//
//	mux.HandleFunc("GET /health/live", health.Liveness)
//	mux.Handle("GET /health/ready", health.Readiness(log, map[string]health.Check{
//		"redis": redis.Healthcheck(client),
//	}))
//	mux.HandleFunc("GET /ping", health.NoContent)
//
// Liveness never checks dependencies. Readiness answers 503 as soon as one
// check fails and logs which one.
package health
