// Package prometheus exports rate limiter activity as Prometheus metrics.
//
// NewMetrics registers the collectors. Metrics.Listener plugs into local
// buckets, registries and proxy builders; Metrics itself is a
// remote.Observer that records compare-and-swap attempts and outcomes:
//
//	reg := prometheus.NewRegistry()
//	metrics := ratelimitprom.NewMetrics(reg, "ratelimit")
//	manager := remote.NewProxyManager(backend, remote.WithObserver(metrics))
//	proxy := manager.Builder().WithListener(metrics.Listener("api")).Build(key, supplier)
//	http.Handle("/metrics", ratelimitprom.Handler(reg))
package prometheus
