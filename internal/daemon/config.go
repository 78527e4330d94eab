package daemon

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/tokenbucket/core/server"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
)

// Backend names accepted by Config.Backend.
const (
	BackendMemory     = "memory"
	BackendRedis      = "redis"
	BackendRedisLock  = "redis-lock"
	BackendPostgres   = "postgres"
	BackendMongo      = "mongo"
	BackendOpenSearch = "opensearch"
	BackendS3         = "s3"
)

// Config is the daemon configuration. Backend connection settings live in
// the integration packages and are loaded only for the selected backend.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"ratelimitd"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	Backend      string `env:"RATELIMIT_BACKEND" envDefault:"memory"`
	PoliciesFile string `env:"RATELIMIT_POLICIES_FILE" envDefault:"policies.yaml"`

	// SelfLimitPolicy names a policy that limits calls to the API itself,
	// keyed by client address. Empty disables it.
	SelfLimitPolicy string `env:"RATELIMIT_SELF_POLICY"`

	// PurgeInterval drives expired-entry cleanup for backends that need it.
	PurgeInterval time.Duration `env:"RATELIMIT_PURGE_INTERVAL" envDefault:"5m"`

	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"ratelimit"`

	Server server.Config
	Remote remote.Config
}

func (c Config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
