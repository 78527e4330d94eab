// Package redis connects to Redis and stores distributed token buckets in it.
//
// Connect parses a redis:// or rediss:// URL, creates a client and pings it
// with exponential backoff until it answers or the connect timeout passes:
//
//	type Config struct {
//		ConnectionURL  string        `env:"REDIS_URL,required" envDefault:"redis://localhost:6379/0"`
//		RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
//		RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
//		ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
//		LockTTL        time.Duration `env:"REDIS_LOCK_TTL" envDefault:"5s"`
//	}
//
// # Backends
//
// Backend keeps each bucket in a hash holding the encoded entry and a
// revision counter. Writes run a Lua script that compares the revision and
// stores the new entry in one step, so it is a native compare-and-swap:
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	manager := remote.NewProxyManager(redis.NewBackend(client))
//
// LockStore is the fallback for servers that do not allow scripts on the
// write path. It takes a SET NX PX lock whose value is a random owner
// token and is meant to be wrapped with remote.NewLockingBackend.
//
// # Errors
//
//   - ErrEmptyConnectionURL: no URL configured
//   - ErrFailedToParseRedisConnString: malformed URL
//   - ErrRedisNotReady: the server did not answer in time
//   - ErrHealthcheckFailed: the health ping failed
//   - ErrUnexpectedReply: a stored hash has an unexpected shape
package redis
