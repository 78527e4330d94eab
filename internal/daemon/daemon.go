// Package daemon wires the ratelimitd service: policies, storage backend,
// distributed proxies, metrics and the HTTP API.
package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/tokenbucket/core/health"
	"github.com/dmitrymomot/tokenbucket/core/logger"
	"github.com/dmitrymomot/tokenbucket/core/server"
	ratelimitprom "github.com/dmitrymomot/tokenbucket/integration/metrics/prometheus"
	"github.com/dmitrymomot/tokenbucket/middleware"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/policy"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
)

// NewLogger builds the service logger. Production and staging log JSON;
// request and client identifiers are attached from the request context.
func NewLogger(cfg Config) (*slog.Logger, error) {
	level, err := cfg.level()
	if err != nil {
		return nil, err
	}

	env := logger.WithDevelopment(cfg.ServiceName)
	switch strings.ToLower(cfg.Environment) {
	case "production":
		env = logger.WithProduction(cfg.ServiceName)
	case "staging":
		env = logger.WithStaging(cfg.ServiceName)
	}

	return logger.New(
		env,
		logger.WithLevel(level),
		logger.WithOutput(os.Stdout),
		logger.WithContextExtractors(
			func(ctx context.Context) (slog.Attr, bool) {
				id, ok := middleware.GetRequestID(ctx)
				return logger.RequestID(id), ok
			},
			func(ctx context.Context) (slog.Attr, bool) {
				ip, ok := middleware.GetClientIP(ctx)
				return logger.ClientIP(ip), ok
			},
		),
	), nil
}

// HandlerOptions are the pieces NewHandler serves besides the bucket API.
type HandlerOptions struct {
	Checks          map[string]health.Check
	Gatherer        prometheus.Gatherer
	SelfLimitPolicy string
	Logger          *slog.Logger
}

// NewHandler builds the HTTP surface of the daemon.
func NewHandler(svc *Service, opts HandlerOptions) http.Handler {
	api := http.NewServeMux()
	svc.routes(api)

	var v1 http.Handler = api
	if opts.SelfLimitPolicy != "" {
		v1 = middleware.RateLimit(middleware.RateLimitConfig{
			Limiter:    svc.Limiter(opts.SelfLimitPolicy),
			Logger:     opts.Logger,
			SetHeaders: true,
		})(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", v1)
	mux.HandleFunc("GET /health/live", health.Liveness)
	mux.Handle("GET /health/ready", health.Readiness(opts.Logger, opts.Checks))
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", ratelimitprom.Handler(opts.Gatherer))
	}

	logged := middleware.Logging(middleware.LoggingConfig{
		Logger: opts.Logger,
		Skip: func(r *http.Request) bool {
			return strings.HasPrefix(r.URL.Path, "/health/") || r.URL.Path == "/metrics"
		},
	})(mux)
	return middleware.RequestID(middleware.ClientIP(logged))
}

// Run starts the daemon and blocks until ctx is canceled or a component fails.
func Run(ctx context.Context, cfg Config, log *slog.Logger) error {
	policies, err := policy.Load(cfg.PoliciesFile)
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "policies loaded",
		logger.Count("policies", len(policies.Policies)),
		slog.String("default", policies.Default))

	opts, err := cfg.Remote.Options()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := ratelimitprom.NewMetrics(reg, cfg.MetricsNamespace)

	st, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close(context.WithoutCancel(ctx))

	manager := remote.NewProxyManager(st.backend, append(opts,
		remote.WithLogger(log),
		remote.WithObserver(metrics),
	)...)
	svc := NewService(policies, manager, metrics, log)

	srv, err := server.NewFromConfig(cfg.Server, server.WithLogger(log))
	if err != nil {
		return err
	}
	handler := NewHandler(svc, HandlerOptions{
		Checks:          st.checks,
		Gatherer:        reg,
		SelfLimitPolicy: cfg.SelfLimitPolicy,
		Logger:          log,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Run(ctx, handler))
	for _, run := range st.runners {
		g.Go(run(ctx))
	}
	return g.Wait()
}
